package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sitesync/internal/store"
	logx "sitesync/pkg/logx"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "docs.db"), PollInterval: 20 * time.Millisecond}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestReadOneAndQuery(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	for path, data := range map[string]map[string]any{
		"sites/a/tasks/t1": {"status": "open", "prio": 2},
		"sites/a/tasks/t2": {"status": "done", "prio": 1},
		"sites/a/tasks/t3": {"status": "open", "prio": 3},
		"sites/b/tasks/t9": {"status": "open", "prio": 1},
	} {
		if err := db.Put(ctx, path, data); err != nil {
			t.Fatalf("Put %s: %v", path, err)
		}
	}

	c, err := db.NewClient(ctx, store.Variant{Name: "bounded-cache", CacheSizeBytes: 1 << 20})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	doc, ok, err := c.ReadOne(ctx, "sites/a/tasks/t1")
	if err != nil || !ok || doc.Data["status"] != "open" {
		t.Fatalf("ReadOne: %+v ok=%v err=%v", doc, ok, err)
	}
	if _, ok, err := c.ReadOne(ctx, "_health/ping"); ok || err != nil {
		t.Fatalf("missing sentinel: ok=%v err=%v", ok, err)
	}

	docs, err := c.Query(ctx, store.Query{
		Collection: "sites/a/tasks",
		Where:      []store.Filter{{Field: "status", Value: "open"}},
		OrderBy:    "prio",
		Desc:       true,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 2 || docs[0].ID() != "t3" || docs[1].ID() != "t1" {
		t.Fatalf("unexpected docs: %+v", docs)
	}
}

func TestSubscribe_EmitsOnChangeOnly(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	c, err := db.NewClient(ctx, store.Variant{Name: "long-polling", LongPolling: true, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	var (
		mu    sync.Mutex
		sizes []int
	)
	cancel, err := c.Subscribe(ctx, store.Query{Collection: "sites/a/workers"}, func(s store.Snapshot) {
		mu.Lock()
		sizes = append(sizes, len(s.Docs))
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := db.Put(ctx, "sites/a/workers/w1", map[string]any{"name": "ana"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(sizes)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no update after Put")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = cancel()
	_ = cancel()
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 2 || sizes[0] != 0 || sizes[1] != 1 {
		t.Fatalf("snapshots %v, want [0 1]", sizes)
	}
}

func TestClosedClient(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	c, err := db.NewClient(ctx, store.Variant{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Subscribe(ctx, store.Query{Collection: "x"}, nil, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, _, err := c.ReadOne(ctx, "x/y"); !errors.Is(err, store.ErrClosed) || store.CodeOf(err) != store.CodeUnavailable {
		t.Fatalf("ReadOne after close: %v", err)
	}
}

func TestPut_RejectsPathWithoutCollection(t *testing.T) {
	db := openTest(t)
	err := db.Put(context.Background(), "orphan", map[string]any{})
	if store.CodeOf(err) != store.CodeInvalidArgument {
		t.Fatalf("got %v", err)
	}
}

func TestNewClientAppliesCacheSize(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	c, err := db.NewClient(ctx, store.Variant{Name: "bounded-cache", CacheSizeBytes: 40 << 20})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer func() { _ = c.Close() }()

	var kib int64
	if err := c.db.QueryRowContext(ctx, "PRAGMA cache_size").Scan(&kib); err != nil {
		t.Fatalf("read cache_size: %v", err)
	}
	if kib != -40960 {
		t.Fatalf("cache_size=%d, want -40960", kib)
	}
}
