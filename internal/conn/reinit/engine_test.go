package reinit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sitesync/internal/conn"
	"sitesync/internal/store"
	"sitesync/internal/store/memstore"
)

var offline = memstore.Behavior{Fault: func(memstore.Op, string) error {
	return store.Errorf(store.CodeUnavailable, "read", "", "client is offline")
}}

func newEngine(t *testing.T) (*Engine, *memstore.Factory) {
	t.Helper()
	f := memstore.NewFactory(nil)
	e := New(f, conn.NewProber("", 0), Config{
		Variants:     store.DefaultVariants(),
		SettleDelay:  time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
		Budget:       5 * time.Second,
	})
	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return e, f
}

func TestReinitialize_OnlyThirdVariantWorks(t *testing.T) {
	e, f := newEngine(t)
	f.SetBehavior("minimal", offline)
	f.SetBehavior("bounded-cache", offline)

	c, ok := e.Reinitialize(context.Background())
	if !ok {
		t.Fatalf("expected success")
	}
	if idx, name := e.Variant(); idx != 2 || name != "long-polling" {
		t.Fatalf("variant=%d/%s", idx, name)
	}
	if e.Current() != c {
		t.Fatalf("Current does not return the new client")
	}
	if mc := c.(*memstore.Client); mc.Variant().Name != "long-polling" {
		t.Fatalf("installed %s", mc.Variant().Name)
	}

	// Bootstrap client + 3 attempts; every replaced client is closed.
	built := f.Built()
	if len(built) != 4 {
		t.Fatalf("built %d clients", len(built))
	}
	for _, b := range built[:3] {
		if !b.Closed() {
			t.Fatalf("replaced client %s left open", b.Variant().Name)
		}
	}

	// The next walk starts at the sticky index.
	_, ok = e.Reinitialize(context.Background())
	if !ok {
		t.Fatalf("second reinit failed")
	}
	built = f.Built()
	if len(built) != 5 || built[4].Variant().Name != "long-polling" {
		t.Fatalf("second walk did not start from long-polling: %d built", len(built))
	}
}

func TestReinitialize_AllFailKeepsLastBuiltClient(t *testing.T) {
	e, f := newEngine(t)
	f.SetDefault(offline)

	c, ok := e.Reinitialize(context.Background())
	if ok {
		t.Fatalf("expected failure")
	}
	if c == nil || e.Current() != c {
		t.Fatalf("no client installed after total failure")
	}
	if got := c.(*memstore.Client).Variant().Name; got != "long-polling" {
		t.Fatalf("expected last attempted variant installed, got %s", got)
	}
	if idx, _ := e.Variant(); idx != 0 {
		t.Fatalf("index moved on failure: %d", idx)
	}
	if st := e.Status(); st.LastOK || st.Runs != 1 || st.Installed != "long-polling" {
		t.Fatalf("status %+v", st)
	}
}

func TestReinitialize_WrapsAroundFromStickyIndex(t *testing.T) {
	e, f := newEngine(t)
	f.SetBehavior("minimal", offline)
	f.SetBehavior("bounded-cache", offline)
	if _, ok := e.Reinitialize(context.Background()); !ok {
		t.Fatalf("setup reinit failed")
	}

	// Now only "minimal" works: 2 -> 0 wraps around.
	f.SetBehavior("minimal", memstore.Behavior{})
	f.SetBehavior("long-polling", offline)
	if _, ok := e.Reinitialize(context.Background()); !ok {
		t.Fatalf("wrap-around reinit failed")
	}
	if idx, _ := e.Variant(); idx != 0 {
		t.Fatalf("index=%d", idx)
	}
}

func TestReinitialize_BuildErrorsAreSkipped(t *testing.T) {
	e, f := newEngine(t)
	f.FailBuild("minimal", errors.New("bad config"))
	f.SetBehavior("bounded-cache", memstore.Behavior{})

	if _, ok := e.Reinitialize(context.Background()); !ok {
		t.Fatalf("expected success on bounded-cache")
	}
	if idx, _ := e.Variant(); idx != 1 {
		t.Fatalf("index=%d", idx)
	}
}

func TestReinitialize_ConcurrentCallsShareOneWalk(t *testing.T) {
	e, f := newEngine(t)
	f.SetDefault(memstore.Behavior{Latency: 50 * time.Millisecond})

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			e.Reinitialize(context.Background())
		}()
	}
	close(start)
	wg.Wait()

	if n := len(f.Built()); n != 2 {
		t.Fatalf("expected bootstrap + one rebuild, got %d builds", n)
	}
}

func TestReinitialize_UnreachableVariantsTimeOutWithinBudget(t *testing.T) {
	f := memstore.NewFactory(nil)
	f.SetDefault(memstore.Behavior{Hang: true, IgnoreContext: true})
	e := New(f, nil, Config{
		SettleDelay:  time.Millisecond,
		ProbeTimeout: time.Second,
		Budget:       150 * time.Millisecond,
	})
	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer e.Close()

	t0 := time.Now()
	if _, ok := e.Reinitialize(context.Background()); ok {
		t.Fatalf("expected failure")
	}
	if d := time.Since(t0); d > time.Second {
		t.Fatalf("walk exceeded budget: %s", d)
	}
	if e.Current() == nil {
		t.Fatalf("client removed")
	}
}

func TestBootstrap_AllBuildsFail(t *testing.T) {
	f := memstore.NewFactory(nil)
	for _, v := range store.DefaultVariants() {
		f.FailBuild(v.Name, errors.New("nope"))
	}
	e := New(f, nil, Config{})
	if err := e.Bootstrap(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if e.Current() != nil {
		t.Fatalf("unexpected client")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
