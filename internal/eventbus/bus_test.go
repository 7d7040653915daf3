package eventbus

import (
	"sync"
	"testing"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(1)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	Publish(b, TypeConnState, "online")
	Publish(b, TypeConnState, "offline") // ch1 is full: dropped for it

	if e := <-ch1; e.Data != "online" || e.Time.IsZero() {
		t.Fatalf("ch1 got %+v", e)
	}
	if len(ch2) != 2 {
		t.Fatalf("ch2 len = %d, want 2", len(ch2))
	}

	unsub1()
	unsub1() // idempotent
	Publish(b, TypeProbe, nil)
	if _, ok := <-ch1; ok {
		t.Fatal("ch1 should be closed after unsubscribe")
	}
}

func TestPublishNilBus(t *testing.T) {
	Publish(nil, TypeProbe, nil)
}

func TestUnsubscribeWhilePublishing(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				Publish(b, TypeSubState, nil)
			}
		}
	}()
	for i := 0; i < 200; i++ {
		_, unsub := b.Subscribe(1)
		unsub()
	}
	close(stop)
	wg.Wait()
}
