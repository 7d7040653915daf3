package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"sitesync/internal/config"
	"sitesync/internal/conn"
	"sitesync/internal/conn/health"
	"sitesync/internal/conn/reinit"
	"sitesync/internal/conn/retry"
	"sitesync/internal/journal"
	"sitesync/internal/observability/debugsrv"
	"sitesync/internal/refresh"
	"sitesync/internal/store"
	"sitesync/internal/store/sqlitestore"
	"sitesync/internal/subs"
	logx "sitesync/pkg/logx"
)

// settings is the config file mapped onto component configs.
type settings struct {
	logs logx.Config

	storeDriver string
	sqlite      sqlitestore.Config
	sentinel    string

	monitor health.Config
	reinit  reinit.Config
	retry   retry.Policy

	scope   string
	subs    subs.Config
	defs    []subs.Definition
	refresh refresh.Config

	journal journal.Config
	debug   debugsrv.Config
	systemd config.SystemdConfig
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSettings(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, fmt.Errorf("config is nil")
	}
	var (
		s    settings
		errs []error
	)
	dur := func(path, raw string) time.Duration {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	s.logs = mapLogConfig(cfg)

	s.storeDriver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if s.storeDriver == "" {
		s.storeDriver = "memory"
	}
	s.sqlite = sqlitestore.Config{
		Path:         strings.TrimSpace(cfg.Store.Path),
		BusyTimeout:  dur("store.busy_timeout", cfg.Store.BusyTimeout),
		PollInterval: dur("store.poll_interval", cfg.Store.PollInterval),
	}
	s.sentinel = strings.TrimSpace(cfg.Store.SentinelPath)

	policy := conn.ParseUnknownPolicy(cfg.Monitor.UnknownPolicy)
	s.monitor = health.Config{
		Interval:      dur("monitor.interval", cfg.Monitor.Interval),
		Timeout:       dur("monitor.timeout", cfg.Monitor.Timeout),
		UnknownPolicy: policy,
	}

	variants := make([]store.Variant, 0, len(cfg.Reinit.Variants))
	for i, v := range cfg.Reinit.Variants {
		variants = append(variants, store.Variant{
			Name:           strings.TrimSpace(v.Name),
			CacheSizeBytes: v.CacheSizeBytes,
			LongPolling:    v.LongPolling,
			PollInterval:   dur(fmt.Sprintf("reinit.variants[%d].poll_interval", i), v.PollInterval),
			Persistence:    v.Persistence,
		})
	}
	s.reinit = reinit.Config{
		Variants:      variants,
		SettleDelay:   dur("reinit.settle_delay", cfg.Reinit.SettleDelay),
		ProbeTimeout:  dur("reinit.probe_timeout", cfg.Reinit.ProbeTimeout),
		Budget:        dur("reinit.budget", cfg.Reinit.Budget),
		UnknownPolicy: policy,
	}

	s.retry = mapRetryPolicy(cfg.Retry, dur)

	s.scope = strings.TrimSpace(cfg.Subscriptions.Scope)
	refreshPolicy := s.retry
	refreshPolicy.Label = "refresh"
	s.subs = subs.Config{
		SetupTimeout:  dur("subscriptions.setup_timeout", cfg.Subscriptions.SetupTimeout),
		StartBudget:   dur("subscriptions.start_budget", cfg.Subscriptions.StartBudget),
		RefreshPolicy: refreshPolicy,
	}
	s.defs = mapDefinitions(cfg.Subscriptions.Feeds)
	s.refresh = refresh.Config{
		Schedule: strings.TrimSpace(cfg.Subscriptions.RefreshSchedule),
		Timezone: strings.TrimSpace(cfg.Subscriptions.Timezone),
	}
	if s.refresh.Schedule != "" {
		if _, err := refresh.ParseSchedule(s.refresh.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("subscriptions.refresh_schedule: %w", err))
		}
	}

	if j := cfg.Journal; j != nil {
		s.journal = journal.Config{
			Driver:      strings.TrimSpace(j.Driver),
			Path:        strings.TrimSpace(j.Path),
			MaxEntries:  j.MaxEntries,
			BusyTimeout: dur("journal.busy_timeout", j.BusyTimeout),
		}
	}

	s.debug = debugsrv.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
		Pprof:         cfg.Debug.Pprof,
		ReadTimeout:   dur("debug.read_timeout", cfg.Debug.ReadTimeout),
		WriteTimeout:  dur("debug.write_timeout", cfg.Debug.WriteTimeout),
		IdleTimeout:   dur("debug.idle_timeout", cfg.Debug.IdleTimeout),
	}
	s.systemd = cfg.Systemd

	if len(errs) > 0 {
		return settings{}, errs[0]
	}
	return s, nil
}

// mapRetryPolicy overlays the configured fields on DefaultPolicy. A zero
// max_attempts or reinit_on_attempt keeps the default.
func mapRetryPolicy(rc config.RetryConfig, dur func(path, raw string) time.Duration) retry.Policy {
	p := retry.DefaultPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.ReinitOnAttempt > 0 {
		p.ReinitOnAttempt = rc.ReinitOnAttempt
	}
	if d := dur("retry.delay", rc.Delay); d > 0 {
		p.Delay = d
	}
	if d := dur("retry.attempt_timeout", rc.AttemptTimeout); d > 0 {
		p.AttemptTimeout = d
	}
	p.FailFastOffline = rc.FailFastOffline
	return p
}

// mapDefinitions turns feed templates into subscription definitions. Where
// keys are sorted so the filter order is stable across reloads.
func mapDefinitions(feeds []config.FeedConfig) []subs.Definition {
	defs := make([]subs.Definition, 0, len(feeds))
	for _, f := range feeds {
		q := store.Query{
			Collection: strings.TrimSpace(f.Collection),
			OrderBy:    strings.TrimSpace(f.OrderBy),
			Desc:       f.Desc,
			Limit:      f.Limit,
		}
		keys := make([]string, 0, len(f.Where))
		for k := range f.Where {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Where = append(q.Where, store.Filter{Field: k, Value: f.Where[k]})
		}
		defs = append(defs, subs.FromTemplate(strings.TrimSpace(f.Name), q))
	}
	return defs
}
