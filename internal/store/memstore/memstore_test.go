package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sitesync/internal/store"
)

func TestReadOneMissingIsNotAnError(t *testing.T) {
	t.Parallel()
	c := NewClient(NewDB(), Behavior{})
	_, ok, err := c.ReadOne(context.Background(), "_health/ping")
	if err != nil || ok {
		t.Fatalf("ReadOne = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

func TestFaultInjection(t *testing.T) {
	t.Parallel()
	want := store.Errorf(store.CodePermissionDenied, "read", "x", "denied")
	c := NewClient(NewDB(), Behavior{Fault: func(op Op, target string) error {
		if op == OpRead {
			return want
		}
		return nil
	}})
	if _, _, err := c.ReadOne(context.Background(), "x"); !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if c.Calls(OpRead) != 1 {
		t.Fatalf("Calls(read) = %d", c.Calls(OpRead))
	}
}

func TestHangRespectsContext(t *testing.T) {
	t.Parallel()
	c := NewClient(NewDB(), Behavior{Hang: true})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := c.ReadOne(ctx, "x")
	if store.CodeOf(err) != store.CodeDeadlineExceeded {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestSubscribeDeliversInOrderAndStops(t *testing.T) {
	t.Parallel()
	db := NewDB()
	c := NewClient(db, Behavior{})

	var mu sync.Mutex
	var sizes []int
	got := make(chan struct{}, 16)
	cancel, err := c.Subscribe(context.Background(), store.Query{Collection: "tasks"}, func(s store.Snapshot) {
		mu.Lock()
		sizes = append(sizes, len(s.Docs))
		mu.Unlock()
		got <- struct{}{}
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	<-got // initial empty snapshot
	db.Put("tasks/1", map[string]any{"n": 1})
	<-got
	db.Put("tasks/2", map[string]any{"n": 2})
	<-got

	mu.Lock()
	if len(sizes) != 3 || sizes[0] != 0 || sizes[1] != 1 || sizes[2] != 2 {
		t.Fatalf("sizes = %v, want [0 1 2]", sizes)
	}
	mu.Unlock()

	if err := cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := cancel(); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if n := c.LiveSubscriptions(); n != 0 {
		t.Fatalf("LiveSubscriptions = %d after cancel", n)
	}
}

func TestSilentCollectionNeverDelivers(t *testing.T) {
	t.Parallel()
	c := NewClient(NewDB(), Behavior{Silent: map[string]bool{"workers": true}})
	got := make(chan struct{}, 1)
	cancel, err := c.Subscribe(context.Background(), store.Query{Collection: "workers"}, func(store.Snapshot) { got <- struct{}{} }, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	select {
	case <-got:
		t.Fatal("silent subscription delivered a snapshot")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestFactoryBehaviorPerVariant(t *testing.T) {
	t.Parallel()
	f := NewFactory(nil)
	f.SetDefault(Behavior{Hang: true})
	f.SetBehavior("long-polling", Behavior{})

	c, err := f.Build(context.Background(), store.Variant{Name: "long-polling"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, _, err := c.ReadOne(context.Background(), "x"); err != nil {
		t.Fatalf("ReadOne: %v", err)
	}
	if len(f.Built()) != 1 || f.Last().Variant().Name != "long-polling" {
		t.Fatalf("unexpected built list")
	}
}

func TestClosedClientFails(t *testing.T) {
	t.Parallel()
	c := NewClient(NewDB(), Behavior{})
	_ = c.Close()
	if _, err := c.Query(context.Background(), store.Query{Collection: "tasks"}); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
