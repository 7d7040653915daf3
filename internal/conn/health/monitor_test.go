package health

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

func newMonitor(b memstore.Behavior, cfg Config) (*Monitor, *memstore.Client) {
	c := memstore.NewClient(memstore.NewDB(), b)
	return New(store.StaticSource{C: c}, conn.NewProber("", time.Second), cfg), c
}

func TestCheckNow_ConcurrentCallersShareOneProbe(t *testing.T) {
	m, c := newMonitor(memstore.Behavior{Latency: 200 * time.Millisecond}, Config{Timeout: time.Second})

	const n = 8
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		got   = make([]conn.State, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i] = m.CheckNow(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	if calls := c.Calls(memstore.OpRead); calls != 1 {
		t.Fatalf("expected exactly one probe, got %d", calls)
	}
	for i, st := range got {
		if st != conn.StateOnline {
			t.Fatalf("caller %d got %v", i, st)
		}
	}
}

func TestCheckNow_AlwaysResolves(t *testing.T) {
	unavailable := store.Errorf(store.CodeUnavailable, "read", "", "offline")
	steps := []struct {
		fault error
		hang  bool
		want  conn.State
	}{
		{nil, false, conn.StateOnline},
		{unavailable, false, conn.StateOffline},
		{store.Errorf(store.CodeNotFound, "read", "", "missing"), false, conn.StateOnline},
		{nil, true, conn.StateOffline},
		{errors.New("weird"), false, conn.StateOnline},
	}

	m, c := newMonitor(memstore.Behavior{}, Config{Timeout: 30 * time.Millisecond})
	var (
		mu   sync.Mutex
		seen []conn.State
	)
	m.Subscribe(func(st conn.State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	if m.State() != conn.StateUnknown {
		t.Fatalf("initial state %v", m.State())
	}
	for i, s := range steps {
		fault := s.fault
		c.SetBehavior(memstore.Behavior{Hang: s.hang, Fault: func(memstore.Op, string) error { return fault }})
		got := m.CheckNow(context.Background())
		if got != s.want {
			t.Fatalf("step %d: got %v want %v", i, got, s.want)
		}
		if st := m.State(); st == conn.StateChecking || st == conn.StateUnknown {
			t.Fatalf("step %d: state stuck at %v", i, st)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []conn.State{conn.StateChecking, conn.StateOnline, conn.StateOffline, conn.StateOnline, conn.StateOffline, conn.StateOnline}
	if len(seen) != len(want) {
		t.Fatalf("listener saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("listener saw %v, want %v", seen, want)
		}
	}
}

func TestCheckNow_FailClosedPolicy(t *testing.T) {
	m, _ := newMonitor(memstore.Behavior{Fault: func(memstore.Op, string) error { return errors.New("weird") }},
		Config{Timeout: time.Second, UnknownPolicy: conn.FailClosed})
	if st := m.CheckNow(context.Background()); st != conn.StateOffline {
		t.Fatalf("fail-closed: got %v", st)
	}
}

func TestCheckNow_CallerDeadlineReturnsLastKnown(t *testing.T) {
	m, _ := newMonitor(memstore.Behavior{Latency: 150 * time.Millisecond}, Config{Timeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if st := m.CheckNow(ctx); st != conn.StateChecking {
		t.Fatalf("expected checking while first probe runs, got %v", st)
	}
	// The shared probe still completes for the next caller.
	if st := m.CheckNow(context.Background()); st != conn.StateOnline {
		t.Fatalf("got %v", st)
	}
}

func TestSubscribe_PanickingListenerIsIsolated(t *testing.T) {
	m, _ := newMonitor(memstore.Behavior{}, Config{Timeout: time.Second})
	m.Subscribe(func(conn.State) { panic("listener bug") })
	var got conn.State
	unsub := m.Subscribe(func(st conn.State) { got = st })

	if st := m.CheckNow(context.Background()); st != conn.StateOnline {
		t.Fatalf("got %v", st)
	}
	if got != conn.StateOnline {
		t.Fatalf("second listener saw %v", got)
	}
	unsub()
	unsub()
}

func TestOnCheck_SeesUnchangedStates(t *testing.T) {
	down := memstore.Behavior{Fault: func(memstore.Op, string) error {
		return store.Errorf(store.CodeUnavailable, "read", "", "offline")
	}}
	m, _ := newMonitor(down, Config{Timeout: time.Second})

	var (
		mu             sync.Mutex
		changes, ticks []conn.State
	)
	m.Subscribe(func(st conn.State) { mu.Lock(); changes = append(changes, st); mu.Unlock() })
	unsub := m.OnCheck(func(st conn.State) { mu.Lock(); ticks = append(ticks, st); mu.Unlock() })

	for i := 0; i < 3; i++ {
		if st := m.CheckNow(context.Background()); st != conn.StateOffline {
			t.Fatalf("check %d: %v", i, st)
		}
	}

	mu.Lock()
	if len(changes) != 2 || changes[1] != conn.StateOffline {
		t.Fatalf("changes=%v", changes)
	}
	want := []conn.State{conn.StateChecking, conn.StateOffline, conn.StateOffline, conn.StateOffline}
	if len(ticks) != len(want) {
		t.Fatalf("ticks=%v", ticks)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("ticks=%v", ticks)
		}
	}
	mu.Unlock()

	unsub()
	m.CheckNow(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != len(want) {
		t.Fatalf("listener called after unsubscribe: %v", ticks)
	}
}

func TestStartStop_PeriodicLoop(t *testing.T) {
	m, c := newMonitor(memstore.Behavior{}, Config{Interval: 10 * time.Millisecond, Timeout: time.Second})

	m.Stop(context.Background()) // before Start: no-op
	m.Start(context.Background())
	m.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for c.Calls(memstore.OpRead) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("loop ran %d checks", c.Calls(memstore.OpRead))
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Stop(context.Background())
	m.Stop(context.Background())
	after := c.Calls(memstore.OpRead)
	time.Sleep(50 * time.Millisecond)
	if c.Calls(memstore.OpRead) != after {
		t.Fatalf("loop still running after Stop")
	}
	if st := m.Status(); st.State != conn.StateOnline || st.Checks < 3 {
		t.Fatalf("status %+v", st)
	}
}
