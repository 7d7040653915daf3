package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sitesync/internal/conn"
	logx "sitesync/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestProbeVariantsMemory(t *testing.T) {
	path := writeConfig(t, `
logging: {level: error}
store: {driver: memory}
subscriptions: {scope: a, feeds: []}
`)
	res, policy, err := ProbeVariants(context.Background(), path, logx.Nop())
	if err != nil {
		t.Fatalf("ProbeVariants: %v", err)
	}
	if policy != conn.FailOpen {
		t.Fatalf("policy=%s", policy)
	}
	if len(res) < 3 {
		t.Fatalf("probed %d variants", len(res))
	}
	for _, r := range res {
		if !r.Reachable(policy) {
			t.Fatalf("%s not reachable: %v", r.Variant, r.Result.Err)
		}
	}
}

func TestPutDocumentNeedsPersistentStore(t *testing.T) {
	path := writeConfig(t, `
logging: {level: error}
store: {driver: memory}
subscriptions: {scope: a, feeds: []}
`)
	err := PutDocument(context.Background(), path, "sites/a", map[string]any{"x": 1}, logx.Nop())
	if err == nil || !strings.Contains(err.Error(), "sqlite") {
		t.Fatalf("expected sqlite requirement, got %v", err)
	}
	if _, err := RecentJournal(context.Background(), path, 5, logx.Nop()); err == nil {
		t.Fatalf("expected disabled journal error")
	}
}

func TestPutDocumentSQLite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
logging: {level: error}
store:
  driver: sqlite
  path: `+filepath.Join(dir, "store.db")+`
subscriptions: {scope: a, feeds: []}
`)
	if err := PutDocument(context.Background(), path, "sites/a", map[string]any{"x": 1}, logx.Nop()); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}
	res, policy, err := ProbeVariants(context.Background(), path, logx.Nop())
	if err != nil {
		t.Fatalf("ProbeVariants: %v", err)
	}
	if len(res) == 0 || !res[0].Reachable(policy) {
		t.Fatalf("sqlite probe: %+v", res)
	}
}
