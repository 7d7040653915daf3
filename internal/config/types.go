package config

// Config is the on-disk configuration of the sitesync daemon.
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Omitted or
// zero durations fall back to the component defaults.
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Store         StoreConfig         `json:"store"`
	Monitor       MonitorConfig       `json:"monitor,omitempty"`
	Reinit        ReinitConfig        `json:"reinit,omitempty"`
	Retry         RetryConfig         `json:"retry,omitempty"`
	Subscriptions SubscriptionsConfig `json:"subscriptions"`
	Journal       *JournalConfig      `json:"journal,omitempty"`
	Debug         DebugConfig         `json:"debug,omitempty"`
	Systemd       SystemdConfig       `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `json:"driver"`
	// Path of the sqlite database (sqlite driver only).
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	// SentinelPath is the document read by connectivity probes.
	SentinelPath string `json:"sentinel_path,omitempty"`
}

type MonitorConfig struct {
	Interval string `json:"interval,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	// UnknownPolicy is "fail_open" (default) or "fail_closed".
	UnknownPolicy string `json:"unknown_policy,omitempty"`
}

type ReinitConfig struct {
	// Variants is the ordered fallback ladder. Empty uses the built-in ladder.
	Variants     []VariantConfig `json:"variants,omitempty"`
	SettleDelay  string          `json:"settle_delay,omitempty"`
	ProbeTimeout string          `json:"probe_timeout,omitempty"`
	Budget       string          `json:"budget,omitempty"`
}

type VariantConfig struct {
	Name           string `json:"name"`
	CacheSizeBytes int64  `json:"cache_size_bytes,omitempty"`
	LongPolling    bool   `json:"long_polling,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	Persistence    bool   `json:"persistence,omitempty"`
}

// RetryConfig is the default policy for wrapped store calls.
type RetryConfig struct {
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	Delay           string `json:"delay,omitempty"`
	ReinitOnAttempt int    `json:"reinit_on_attempt,omitempty"`
	AttemptTimeout  string `json:"attempt_timeout,omitempty"`
	FailFastOffline bool   `json:"fail_fast_offline,omitempty"`
}

type SubscriptionsConfig struct {
	// Scope is the active scope key substituted into feed templates.
	Scope        string `json:"scope"`
	SetupTimeout string `json:"setup_timeout,omitempty"`
	StartBudget  string `json:"start_budget,omitempty"`
	// RefreshSchedule accepts a cron expression, "@every 5m", a plain
	// duration or a daily "HH:MM". Empty disables scheduled refresh.
	RefreshSchedule string       `json:"refresh_schedule,omitempty"`
	Timezone        string       `json:"timezone,omitempty"`
	Feeds           []FeedConfig `json:"feeds"`
}

// FeedConfig is one live query template. "{scope}" in Collection or in a
// string Where value is replaced by the active scope.
type FeedConfig struct {
	Name       string         `json:"name"`
	Collection string         `json:"collection"`
	Where      map[string]any `json:"where,omitempty"`
	OrderBy    string         `json:"order_by,omitempty"`
	Desc       bool           `json:"desc,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

// JournalConfig controls the connectivity journal.
//
// Driver: "file" (JSON lines), "sqlite" or "none".
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	MaxEntries  int    `json:"max_entries,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (/healthz, /metrics,
// /status and pprof).
//
// Prefer binding to localhost. A non-loopback address needs a token or an
// explicit allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6061"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING to the service manager.
	Notify bool `json:"notify,omitempty"`
	// Watchdog pings at half of WATCHDOG_USEC when the unit sets it.
	Watchdog bool `json:"watchdog,omitempty"`
}
