package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "store": {"driver": "memory", "sentinel_path": "_health/ping"},
  "monitor": {"interval": "30s", "timeout": "3s", "unknown_policy": "fail_open"},
  "reinit": {"variants": [{"name": "minimal"}, {"name": "long-polling", "long_polling": true, "poll_interval": "2s"}]},
  "retry": {"max_attempts": 3, "delay": "1s", "reinit_on_attempt": 2},
  "subscriptions": {
    "scope": "site-a",
    "feeds": [{"name": "tasks", "collection": "sites/{scope}/tasks", "where": {"open": true}, "order_by": "due", "limit": 50}]
  }
}`

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
store:
  driver: memory
  sentinel_path: _health/ping
monitor:
  interval: 30s
  timeout: 3s
  unknown_policy: fail_open
reinit:
  variants:
    - name: minimal
    - name: long-polling
      long_polling: true
      poll_interval: 2s
retry:
  max_attempts: 3
  delay: 1s
  reinit_on_attempt: 2
subscriptions:
  scope: site-a
  feeds:
    - name: tasks
      collection: "sites/{scope}/tasks"
      where:
        open: true
      order_by: due
      limit: 50
`

const sampleTOML = `
[logging]
level = "debug"
console = true
[logging.file]
enabled = false
path = ""

[store]
driver = "memory"
sentinel_path = "_health/ping"

[monitor]
interval = "30s"
timeout = "3s"
unknown_policy = "fail_open"

[[reinit.variants]]
name = "minimal"

[[reinit.variants]]
name = "long-polling"
long_polling = true
poll_interval = "2s"

[retry]
max_attempts = 3
delay = "1s"
reinit_on_attempt = 2

[subscriptions]
scope = "site-a"

[[subscriptions.feeds]]
name = "tasks"
collection = "sites/{scope}/tasks"
order_by = "due"
limit = 50
[subscriptions.feeds.where]
open = true
`

func TestParseBytesFormatsAgree(t *testing.T) {
	cases := []struct {
		file string
		data string
	}{
		{"sitesync.json", sampleJSON},
		{"sitesync.yaml", sampleYAML},
		{"sitesync.toml", sampleTOML},
	}
	var first *Config
	for _, tc := range cases {
		cfg, err := ParseBytes(tc.file, []byte(tc.data))
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.file, err)
		}
		if err := Validate(cfg); err != nil {
			t.Fatalf("%s: validate: %v", tc.file, err)
		}
		if cfg.Subscriptions.Scope != "site-a" || len(cfg.Subscriptions.Feeds) != 1 {
			t.Fatalf("%s: subscriptions=%+v", tc.file, cfg.Subscriptions)
		}
		f := cfg.Subscriptions.Feeds[0]
		if f.Collection != "sites/{scope}/tasks" || f.Limit != 50 || f.Where["open"] != true {
			t.Fatalf("%s: feed=%+v", tc.file, f)
		}
		if len(cfg.Reinit.Variants) != 2 || !cfg.Reinit.Variants[1].LongPolling {
			t.Fatalf("%s: variants=%+v", tc.file, cfg.Reinit.Variants)
		}
		if first == nil {
			first = cfg
			continue
		}
		if ch, _ := SummarizeConfigChange(first, cfg); !ch.Empty() {
			t.Fatalf("%s: differs from json: %v", tc.file, ch.Sections)
		}
	}
}

func TestParseBytesRejectsUnknownFields(t *testing.T) {
	_, err := ParseBytes("c.json", []byte(`{"store": {"driver": "memory", "bogus": 1}}`))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
	_, err = ParseBytes("c.yaml", []byte("mailer:\n  host: x\n"))
	if err == nil {
		t.Fatalf("expected unknown section error for yaml")
	}
}

func TestParseBytesRejectsTrailingData(t *testing.T) {
	if _, err := ParseBytes("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"sqlite without path", func(c *Config) { c.Store.Driver = "sqlite" }, "store.path"},
		{"bad driver", func(c *Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"bad duration", func(c *Config) { c.Monitor.Interval = "soon" }, "monitor.interval"},
		{"negative duration", func(c *Config) { c.Retry.Delay = "-1s" }, "retry.delay"},
		{"bad policy", func(c *Config) { c.Monitor.UnknownPolicy = "maybe" }, "unknown_policy"},
		{"dup variant", func(c *Config) {
			c.Reinit.Variants = []VariantConfig{{Name: "a"}, {Name: "a"}}
		}, "duplicate name"},
		{"feed without collection", func(c *Config) {
			c.Subscriptions.Feeds = []FeedConfig{{Name: "x"}}
		}, "collection is required"},
		{"journal without path", func(c *Config) { c.Journal = &JournalConfig{Driver: "file"} }, "journal.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := ParseBytes("c.json", []byte(sampleJSON))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			tc.mut(cfg)
			err = Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	d, err = ParseDurationOrDefault("x", " 250ms ", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "abc", time.Second); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a, err := ParseBytes("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, _ := ParseBytes("c.json", []byte(sampleJSON))
	b.Subscriptions.Scope = "site-b"
	b.Monitor.Interval = "10s"
	b.Debug.Token = "secret"

	ch, attrs := SummarizeConfigChange(a, b)
	if !ch.ScopeChanged || ch.FeedsChanged {
		t.Fatalf("change=%+v", ch)
	}
	want := []string{"monitor", "subscriptions", "debug"}
	if strings.Join(ch.Sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections=%v want %v", ch.Sections, want)
	}
	if len(ch.RestartRequired) != 0 {
		t.Fatalf("restart required: %v", ch.RestartRequired)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected log attrs")
	}

	c, _ := ParseBytes("c.json", []byte(sampleJSON))
	c.Store.Driver = "sqlite"
	c.Store.Path = "x.db"
	ch, _ = SummarizeConfigChange(a, c)
	if len(ch.RestartRequired) != 1 || ch.RestartRequired[0] != "store" {
		t.Fatalf("restart required: %v", ch.RestartRequired)
	}
}

func TestManagerLoadAndSubscribe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sitesync.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// unchanged content is not republished
	if m.reload(context.Background()) {
		t.Fatalf("reload of unchanged file published")
	}

	updated := strings.Replace(sampleYAML, "scope: site-a", "scope: site-b", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.SetValidator(func(ctx context.Context, c *Config) error { return nil })
	if !m.reload(context.Background()) {
		t.Fatalf("reload did not publish")
	}
	select {
	case got := <-ch:
		if got.Subscriptions.Scope != "site-b" {
			t.Fatalf("scope=%q", got.Subscriptions.Scope)
		}
	default:
		t.Fatalf("subscriber got nothing")
	}

	// a broken file is rejected and the committed config stays
	if err := os.WriteFile(path, []byte("store: ["), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.reload(context.Background()) {
		t.Fatalf("broken file published")
	}
	if m.Get().Subscriptions.Scope != "site-b" {
		t.Fatalf("committed config changed")
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("expected newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sitesync.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(700 * time.Millisecond)
	defer tick.Stop()
	updated := strings.Replace(sampleJSON, `"scope": "site-a"`, `"scope": "site-c"`, 1)
	for {
		select {
		case got := <-ch:
			if got.Subscriptions.Scope != "site-c" {
				t.Fatalf("scope=%q", got.Subscriptions.Scope)
			}
			return
		case <-tick.C:
			// rewrite until the watcher is up and sees it
			_ = os.WriteFile(path, []byte(updated), 0o644)
		case <-deadline:
			t.Fatalf("no reload within deadline")
		}
	}
}
