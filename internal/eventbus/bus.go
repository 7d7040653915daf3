package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the connectivity runtime.
const (
	TypeConnState      = "conn.state"      // Data: health.StateChange
	TypeProbe          = "conn.probe"      // Data: conn.ProbeResult
	TypeReinit         = "conn.reinit"     // Data: reinit.Event
	TypeRetryExhausted = "retry.exhausted" // Data: retry.Event
	TypeSubState       = "subs.state"      // Data: subs.StateEvent
	TypeSubRefresh     = "subs.refresh"    // Data: subs.RefreshEvent
)

// Event is an in-process notification. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no goroutines of its own.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Publish stamps the event and sends it on b. A nil bus drops it.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type memBus struct {
	// mu is held for reading across sends so unsubscribe cannot close a
	// channel mid-send.
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
