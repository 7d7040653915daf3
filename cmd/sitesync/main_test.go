package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestProbeAndPutCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.toml")
	body := `
[logging]
level = "error"

[store]
driver = "sqlite"
path = "` + filepath.Join(dir, "store.db") + `"

[subscriptions]
scope = "acme"
feeds = []
`
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := execute(t, "--config", cfg, "put", "health/sentinel", `{"ok":true}`)
	if err != nil || !strings.Contains(out, "wrote health/sentinel") {
		t.Fatalf("put: %v %q", err, out)
	}
	if _, err := execute(t, "--config", cfg, "put", "health/sentinel", `[1,2]`); err == nil {
		t.Fatalf("expected non-object document to be rejected")
	}

	out, err = execute(t, "--config", cfg, "probe")
	if err != nil {
		t.Fatalf("probe: %v\n%s", err, out)
	}
	if !strings.Contains(out, "VARIANT") || !strings.Contains(out, "minimal") {
		t.Fatalf("probe output: %q", out)
	}

	if _, err := execute(t, "--config", cfg, "journal"); err == nil {
		t.Fatalf("expected disabled journal error")
	}
}
