package logx

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits repeated log lines per key (e.g. "probe.failed").
//
// Suppressed lines are counted and reported on the next line that gets through,
// so operators still see how noisy a condition was.
type Throttle struct {
	every time.Duration
	burst int

	mu       sync.Mutex
	limiters map[string]*throttleEntry
}

type throttleEntry struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottle allows burst lines per key, refilling one token every `every`.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 30 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, limiters: map[string]*throttleEntry{}}
}

// Allow reports whether a line for key may be written now. When it returns true,
// suppressed holds the number of lines dropped since the last allowed one.
func (t *Throttle) Allow(key string) (ok bool, suppressed uint64) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	e := t.limiters[key]
	if e == nil {
		e = &throttleEntry{lim: rate.NewLimiter(rate.Every(t.every), t.burst)}
		t.limiters[key] = e
	}
	t.mu.Unlock()

	if !e.lim.Allow() {
		e.suppressed.Add(1)
		return false, 0
	}
	return true, e.suppressed.Swap(0)
}

// Warn logs at warn level through the throttle.
func (t *Throttle) Warn(l Logger, key, msg string, fields ...Field) {
	ok, n := t.Allow(key)
	if !ok {
		return
	}
	if n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	l.Warn(msg, fields...)
}
