package subs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"sitesync/internal/store"
	"sitesync/internal/store/memstore"
)

func defs() []Definition {
	return []Definition{
		FromTemplate("tasks", store.Query{Collection: "sites/{scope}/tasks"}),
		FromTemplate("workers", store.Query{Collection: "sites/{scope}/workers"}),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func stateOf(o *Orchestrator, name string) State {
	for _, h := range o.States() {
		if h.Name == name {
			return h.State
		}
	}
	return StateUninitialized
}

func TestStart_PartialAvailability(t *testing.T) {
	db := memstore.NewDB()
	db.Put("sites/a/tasks/t1", map[string]any{"title": "pour slab"})
	c := memstore.NewClient(db, memstore.Behavior{Silent: map[string]bool{"sites/a/workers": true}})
	o := New(store.StaticSource{C: c}, defs(), Config{SetupTimeout: 50 * time.Millisecond})

	o.Start(context.Background(), "a")

	if st := stateOf(o, "tasks"); st != StateActive {
		t.Fatalf("tasks state %v", st)
	}
	if st := stateOf(o, "workers"); st != StateFailed {
		t.Fatalf("workers state %v", st)
	}
	snap := o.Snapshot()
	if snap.Err != nil || snap.Loading || !o.IsConnected() {
		t.Fatalf("partial failure surfaced as total: %+v", snap)
	}
	if len(snap.Data["tasks"]) != 1 {
		t.Fatalf("tasks data %v", snap.Data["tasks"])
	}
	// The timed-out workers query was cancelled.
	if n := c.LiveSubscriptions(); n != 1 {
		t.Fatalf("live subscriptions %d", n)
	}

	// tasks keeps delivering.
	db.Put("sites/a/tasks/t2", map[string]any{"title": "frame walls"})
	waitFor(t, "second task", func() bool { return len(o.Snapshot().Data["tasks"]) == 2 })
	o.Stop()
}

func TestStart_AllFailedSetsError(t *testing.T) {
	c := memstore.NewClient(memstore.NewDB(), memstore.Behavior{Fault: func(op memstore.Op, _ string) error {
		if op == memstore.OpSubscribe {
			return store.Errorf(store.CodePermissionDenied, "subscribe", "", "denied")
		}
		return nil
	}})
	o := New(store.StaticSource{C: c}, defs(), Config{SetupTimeout: 50 * time.Millisecond})
	o.Start(context.Background(), "a")

	snap := o.Snapshot()
	if !errors.Is(snap.Err, ErrAllFailed) || snap.Error == "" {
		t.Fatalf("expected aggregate error, got %v", snap.Err)
	}
	if o.IsConnected() {
		t.Fatalf("IsConnected with every feed failed")
	}
}

func TestStart_ReplacesPreviousScope(t *testing.T) {
	db := memstore.NewDB()
	c := memstore.NewClient(db, memstore.Behavior{})
	o := New(store.StaticSource{C: c}, defs(), Config{SetupTimeout: time.Second})

	o.Start(context.Background(), "a")
	if n := c.LiveSubscriptions(); n != 2 {
		t.Fatalf("after A: %d live", n)
	}
	idsA := map[string]bool{}
	for _, h := range o.States() {
		idsA[h.ID] = true
	}

	o.Start(context.Background(), "b")
	if n := c.LiveSubscriptions(); n != 2 {
		t.Fatalf("after B: %d live, scope A leaked", n)
	}
	for _, h := range o.States() {
		if idsA[h.ID] {
			t.Fatalf("handle %s survived the scope change", h.ID)
		}
		if h.State != StateActive {
			t.Fatalf("%s state %v", h.Name, h.State)
		}
	}

	// Writes under the old scope never reach the shared result.
	db.Put("sites/a/tasks/old", map[string]any{"x": 1})
	db.Put("sites/b/tasks/new", map[string]any{"x": 2})
	waitFor(t, "scope b task", func() bool { return len(o.Snapshot().Data["tasks"]) == 1 })
	time.Sleep(20 * time.Millisecond)
	got := o.Snapshot()
	if got.Scope != "b" || got.Data["tasks"][0].Path != "sites/b/tasks/new" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestStop_IdempotentAndSafeBeforeStart(t *testing.T) {
	c := memstore.NewClient(memstore.NewDB(), memstore.Behavior{})
	o := New(store.StaticSource{C: c}, defs(), Config{})

	o.Stop()
	o.Start(context.Background(), "a")
	o.Stop()
	o.Stop()

	if n := len(o.States()); n != 0 {
		t.Fatalf("registry not empty: %d", n)
	}
	if n := c.LiveSubscriptions(); n != 0 {
		t.Fatalf("%d live subscriptions after Stop", n)
	}
	if o.IsConnected() || o.Scope() != "" {
		t.Fatalf("stopped orchestrator still reports a scope")
	}
}

func TestRefresh_OverwritesResult(t *testing.T) {
	db := memstore.NewDB()
	db.Put("sites/a/workers/w1", map[string]any{"name": "ana"})
	c := memstore.NewClient(db, memstore.Behavior{Silent: map[string]bool{"sites/a/workers": true}})
	o := New(store.StaticSource{C: c}, defs(), Config{SetupTimeout: 30 * time.Millisecond})

	if err := o.Refresh(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("refresh before start: %v", err)
	}

	o.Start(context.Background(), "a")
	if len(o.Snapshot().Data["workers"]) != 0 {
		t.Fatalf("silent feed produced data")
	}

	var changes atomic.Int32
	unsub := o.OnChange(func(Result) { changes.Add(1) })
	defer unsub()

	if err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := o.Snapshot().Data["workers"]; len(got) != 1 || got[0].ID() != "w1" {
		t.Fatalf("workers after refresh: %v", got)
	}
	if c.Calls(memstore.OpQuery) != 2 {
		t.Fatalf("expected one query per feed, got %d", c.Calls(memstore.OpQuery))
	}
	// Refresh does not touch live subscriptions.
	if stateOf(o, "workers") != StateFailed || stateOf(o, "tasks") != StateActive {
		t.Fatalf("refresh changed handle states: %+v", o.States())
	}
	if changes.Load() == 0 {
		t.Fatalf("OnChange not called")
	}
}

func TestRefresh_ReportsFailedFeeds(t *testing.T) {
	c := memstore.NewClient(memstore.NewDB(), memstore.Behavior{})
	o := New(store.StaticSource{C: c}, defs(), Config{SetupTimeout: time.Second})
	o.Start(context.Background(), "a")

	c.SetBehavior(memstore.Behavior{Fault: func(op memstore.Op, target string) error {
		if op == memstore.OpQuery && target == "sites/a/workers" {
			return store.Errorf(store.CodePermissionDenied, "query", target, "denied")
		}
		return nil
	}})
	err := o.Refresh(context.Background())
	if err == nil || store.CodeOf(err) != store.CodePermissionDenied {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestSubscriptionError_AfterActive(t *testing.T) {
	c := memstore.NewClient(memstore.NewDB(), memstore.Behavior{})
	o := New(store.StaticSource{C: c}, defs(), Config{SetupTimeout: time.Second})
	o.Start(context.Background(), "a")

	c.FailSubscriptions(store.Errorf(store.CodeUnavailable, "listen", "", "stream reset"))
	waitFor(t, "failed handles", func() bool {
		return stateOf(o, "tasks") == StateFailed && stateOf(o, "workers") == StateFailed
	})
	if !errors.Is(o.Snapshot().Err, ErrAllFailed) {
		t.Fatalf("expected aggregate error once every feed failed")
	}
	o.Stop()
	if n := c.LiveSubscriptions(); n != 0 {
		t.Fatalf("%d live after Stop", n)
	}
}

func TestFromTemplate_ReplacesScope(t *testing.T) {
	d := FromTemplate("invites", store.Query{
		Collection: "invites",
		Where:      []store.Filter{{Field: "site", Value: "{scope}"}, {Field: "open", Value: true}},
	})
	q := d.Query("s1")
	if q.Collection != "invites" || q.Where[0].Value != "s1" || q.Where[1].Value != true {
		t.Fatalf("query %+v", q)
	}
	if again := d.Query("s2"); again.Where[0].Value != "s2" {
		t.Fatalf("template mutated: %+v", again)
	}
}
