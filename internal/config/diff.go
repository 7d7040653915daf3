package config

import (
	"encoding/json"
	"reflect"
	"strings"

	logx "sitesync/pkg/logx"
)

// Change lists what a reload touched.
type Change struct {
	// Sections that differ, in config order.
	Sections []string
	// ScopeChanged is set when the active subscription scope moved.
	ScopeChanged bool
	// FeedsChanged is set when the feed templates differ.
	FeedsChanged bool
	// RestartRequired names sections that only take effect after a restart.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs. It returns the change set and
// safe structured attrs for logging (never includes tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) (Change, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Store != newCfg.Store {
		ch.Sections = append(ch.Sections, "store")
		ch.RestartRequired = append(ch.RestartRequired, "store")
		attrs = append(attrs, logx.String("store.driver", newCfg.Store.Driver))
	}

	if oldCfg.Monitor != newCfg.Monitor {
		ch.Sections = append(ch.Sections, "monitor")
		attrs = append(attrs,
			logx.String("monitor.interval", strings.TrimSpace(newCfg.Monitor.Interval)),
			logx.String("monitor.timeout", strings.TrimSpace(newCfg.Monitor.Timeout)),
			logx.String("monitor.unknown_policy", newCfg.Monitor.UnknownPolicy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reinit, newCfg.Reinit) {
		ch.Sections = append(ch.Sections, "reinit")
		ch.RestartRequired = append(ch.RestartRequired, "reinit")
		attrs = append(attrs, logx.Int("reinit.variant_count", len(newCfg.Reinit.Variants)))
	}

	if oldCfg.Retry != newCfg.Retry {
		ch.Sections = append(ch.Sections, "retry")
		attrs = append(attrs,
			logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
			logx.Int("retry.reinit_on_attempt", newCfg.Retry.ReinitOnAttempt),
			logx.Bool("retry.fail_fast_offline", newCfg.Retry.FailFastOffline),
		)
	}

	oc, ns := oldCfg.Subscriptions, newCfg.Subscriptions
	ch.ScopeChanged = strings.TrimSpace(oc.Scope) != strings.TrimSpace(ns.Scope)
	ch.FeedsChanged = !feedsEqual(oc.Feeds, ns.Feeds)
	if ch.ScopeChanged || ch.FeedsChanged ||
		oc.SetupTimeout != ns.SetupTimeout || oc.StartBudget != ns.StartBudget ||
		oc.RefreshSchedule != ns.RefreshSchedule || oc.Timezone != ns.Timezone {
		ch.Sections = append(ch.Sections, "subscriptions")
		attrs = append(attrs,
			logx.String("subscriptions.scope", ns.Scope),
			logx.Int("subscriptions.feed_count", len(ns.Feeds)),
			logx.String("subscriptions.refresh_schedule", ns.RefreshSchedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		ch.Sections = append(ch.Sections, "journal")
		ch.RestartRequired = append(ch.RestartRequired, "journal")
	}

	if oldCfg.Debug != newCfg.Debug {
		ch.Sections = append(ch.Sections, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.pprof", newCfg.Debug.Pprof),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		ch.Sections = append(ch.Sections, "systemd")
		ch.RestartRequired = append(ch.RestartRequired, "systemd")
	}

	attrs = append(attrs, logx.String("changed", strings.Join(ch.Sections, ",")))
	return ch, attrs
}

// feedsEqual compares feed templates by their JSON encoding (map keys sorted).
func feedsEqual(a, b []FeedConfig) bool {
	if len(a) != len(b) {
		return false
	}
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return reflect.DeepEqual(a, b)
	}
	return hashBytes(ja) == hashBytes(jb)
}
