package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

// Validate checks the parts of cfg that can be checked without building
// components: enums, durations, feed and variant names.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Store.Path) == "" {
			add(errors.New("store.path is required for the sqlite driver"))
		}
	default:
		add(fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver))
	}
	dur("store.busy_timeout", cfg.Store.BusyTimeout)
	dur("store.poll_interval", cfg.Store.PollInterval)

	dur("monitor.interval", cfg.Monitor.Interval)
	dur("monitor.timeout", cfg.Monitor.Timeout)
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(cfg.Monitor.UnknownPolicy), "-", "_")) {
	case "", "fail_open", "open", "fail_closed", "closed":
	default:
		add(fmt.Errorf("monitor.unknown_policy: unknown value %q", cfg.Monitor.UnknownPolicy))
	}

	seen := map[string]bool{}
	for i, v := range cfg.Reinit.Variants {
		name := strings.TrimSpace(v.Name)
		switch {
		case name == "":
			add(fmt.Errorf("reinit.variants[%d]: name is required", i))
		case seen[name]:
			add(fmt.Errorf("reinit.variants[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if v.CacheSizeBytes < 0 {
			add(fmt.Errorf("reinit.variants[%d].cache_size_bytes must be >= 0", i))
		}
		dur(fmt.Sprintf("reinit.variants[%d].poll_interval", i), v.PollInterval)
	}
	dur("reinit.settle_delay", cfg.Reinit.SettleDelay)
	dur("reinit.probe_timeout", cfg.Reinit.ProbeTimeout)
	dur("reinit.budget", cfg.Reinit.Budget)

	if cfg.Retry.MaxAttempts < 0 {
		add(errors.New("retry.max_attempts must be >= 0"))
	}
	if cfg.Retry.ReinitOnAttempt < 0 {
		add(errors.New("retry.reinit_on_attempt must be >= 0"))
	}
	dur("retry.delay", cfg.Retry.Delay)
	dur("retry.attempt_timeout", cfg.Retry.AttemptTimeout)

	sc := cfg.Subscriptions
	dur("subscriptions.setup_timeout", sc.SetupTimeout)
	dur("subscriptions.start_budget", sc.StartBudget)
	feeds := map[string]bool{}
	for i, f := range sc.Feeds {
		name := strings.TrimSpace(f.Name)
		switch {
		case name == "":
			add(fmt.Errorf("subscriptions.feeds[%d]: name is required", i))
		case feeds[name]:
			add(fmt.Errorf("subscriptions.feeds[%d]: duplicate name %q", i, name))
		}
		feeds[name] = true
		if strings.TrimSpace(f.Collection) == "" {
			add(fmt.Errorf("subscriptions.feeds[%d]: collection is required", i))
		}
		if f.Limit < 0 {
			add(fmt.Errorf("subscriptions.feeds[%d].limit must be >= 0", i))
		}
	}

	if j := cfg.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(j.Path) == "" {
				add(fmt.Errorf("journal.path is required for the %s driver", j.Driver))
			}
		default:
			add(fmt.Errorf("journal.driver: unknown driver %q", j.Driver))
		}
		if j.MaxEntries < 0 {
			add(errors.New("journal.max_entries must be >= 0"))
		}
		dur("journal.busy_timeout", j.BusyTimeout)
	}

	dur("debug.read_timeout", cfg.Debug.ReadTimeout)
	dur("debug.write_timeout", cfg.Debug.WriteTimeout)
	dur("debug.idle_timeout", cfg.Debug.IdleTimeout)

	return errors.Join(errs...)
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
