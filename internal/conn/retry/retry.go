// Package retry runs store operations with classification-aware retries.
//
// Only transient failures (timeout, unavailable) are retried. A definitive
// answer (not found, permission denied) and anything unclassified go straight
// back to the caller. Execute may rebuild the shared client once per call, so
// it is not purely local: every other consumer sees the new client too.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sitesync/internal/conn"
	"sitesync/internal/eventbus"
	"sitesync/internal/observability/metrics"
	"sitesync/internal/store"
	logx "sitesync/pkg/logx"
)

// UnavailableMessage is what users see instead of a raw transport error.
const UnavailableMessage = "service temporarily unavailable, try again"

var (
	ErrRetryExhausted = errors.New("retry exhausted")
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// ExhaustedError is returned when every attempt failed transiently.
// It matches ErrRetryExhausted and unwraps to the last underlying error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrRetryExhausted, e.Last} }

// UserMessage maps err to a message fit for end users.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRetryExhausted):
		return UnavailableMessage
	default:
		return err.Error()
	}
}

// Policy is per-call retry configuration.
type Policy struct {
	// Label names the call site in logs and events.
	Label       string
	MaxAttempts int
	// Delay is slept before every attempt after the first.
	Delay time.Duration
	// ReinitOnAttempt rebuilds the client right before that attempt (>= 2).
	// 0 disables it.
	ReinitOnAttempt int
	// AttemptTimeout races each attempt against a timer; 0 disables it.
	AttemptTimeout time.Duration
	// FailFastOffline stops retrying while the monitor reports Offline and no
	// rebuild is still ahead for this call.
	FailFastOffline bool
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Delay: time.Second, ReinitOnAttempt: 2, AttemptTimeout: 10 * time.Second}
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.ReinitOnAttempt < 2 {
		p.ReinitOnAttempt = 0
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// Event is the payload of retry.exhausted events.
type Event struct {
	Label    string `json:"label,omitempty"`
	Attempts int    `json:"attempts"`
	Class    string `json:"class"`
	Error    string `json:"error"`
	Reinit   bool   `json:"reinit"`
}

// Reinitializer rebuilds the shared client.
type Reinitializer interface {
	Reinitialize(ctx context.Context) (store.Client, bool)
}

// StateView reports the current connectivity state.
type StateView interface {
	State() conn.State
}

type Option func(*Wrapper)

func WithReinitializer(r Reinitializer) Option { return func(w *Wrapper) { w.reinit = r } }
func WithHealth(h StateView) Option { return func(w *Wrapper) { w.health = h } }
func WithLogger(log logx.Logger) Option { return func(w *Wrapper) { w.log = log } }
func WithBus(b eventbus.Bus) Option { return func(w *Wrapper) { w.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(w *Wrapper) { w.metrics = m } }
func WithDefaultPolicy(p Policy) Option { return func(w *Wrapper) { w.def = p } }

// Wrapper holds the collaborators shared by every Execute call.
type Wrapper struct {
	src     store.Source
	reinit  Reinitializer
	health  StateView
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	mu  sync.RWMutex
	def Policy
}

func New(src store.Source, opts ...Option) *Wrapper {
	w := &Wrapper{src: src, def: DefaultPolicy()}
	for _, o := range opts {
		o(w)
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	w.log = w.log.With(logx.String("comp", "retry"))
	return w
}

// Policy returns the default policy (hot-reloadable via Apply).
func (w *Wrapper) Policy() Policy {
	if w == nil {
		return DefaultPolicy()
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.def
}

func (w *Wrapper) Apply(p Policy) {
	w.mu.Lock()
	w.def = p
	w.mu.Unlock()
}

func (w *Wrapper) client() store.Client {
	if w == nil || w.src == nil {
		return nil
	}
	return w.src.Current()
}

func (w *Wrapper) offline() bool {
	return w != nil && w.health != nil && w.health.State() == conn.StateOffline
}

// Execute runs op until it succeeds, fails non-transiently or runs out of
// attempts. op receives the client current at the start of each attempt and
// must not keep it.
func Execute[T any](ctx context.Context, w *Wrapper, p Policy, op func(ctx context.Context, c store.Client) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.normalize()

	var (
		log      = logx.Nop()
		m        *metrics.Metrics
		last     error
		lastCl   conn.Class
		made     int
		reinited bool
	)
	if w != nil {
		log, m = w.log, w.metrics
	}
	if p.Label != "" {
		log = log.With(logx.String("op", p.Label))
	}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			reinitAhead := p.ReinitOnAttempt >= attempt && w != nil && w.reinit != nil
			if p.FailFastOffline && !reinitAhead && w.offline() {
				log.Debug("store offline, not retrying", logx.Int("attempt", attempt))
				break
			}
			if err := sleep(ctx, p.Delay); err != nil {
				return zero, err
			}
			if attempt == p.ReinitOnAttempt && w != nil && w.reinit != nil && !reinited {
				reinited = true
				_, ok := w.reinit.Reinitialize(ctx)
				log.Info("client rebuilt before retry", logx.Int("attempt", attempt), logx.Bool("ok", ok))
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		made++
		v, err := runAttempt(ctx, w.client(), p.AttemptTimeout, op)
		if err == nil {
			m.ObserveRetryAttempt(conn.ClassNone.String())
			m.ObserveRetryResult("ok")
			return v, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return zero, cerr
		}

		cl := conn.Classify(err)
		m.ObserveRetryAttempt(cl.String())
		if !cl.Transient() {
			// Definitive answers and unknown errors are surfaced as-is.
			if cl == conn.ClassDefinitive {
				m.ObserveRetryResult("definitive")
			} else {
				m.ObserveRetryResult("unknown")
			}
			return zero, err
		}
		last, lastCl = err, cl
		log.Debug("transient failure", logx.Int("attempt", attempt), logx.Int("max", p.MaxAttempts),
			logx.String("class", cl.String()), logx.Err(err))
	}

	m.ObserveRetryResult("exhausted")
	log.Warn("retries exhausted", logx.Int("attempts", made), logx.String("class", lastCl.String()), logx.Err(last))
	if w != nil {
		eventbus.Publish(w.bus, eventbus.TypeRetryExhausted, Event{
			Label: p.Label, Attempts: made, Class: lastCl.String(), Error: errString(last), Reinit: reinited,
		})
	}
	return zero, &ExhaustedError{Attempts: made, Last: last}
}

func runAttempt[T any](ctx context.Context, c store.Client, timeout time.Duration, op func(context.Context, store.Client) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx, c)
	}
	var zero T
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		v, err := op(actx, c)
		ch <- result{v: v, err: err}
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-t.C:
		return zero, &store.Error{Code: store.CodeDeadlineExceeded, Op: "attempt", Err: ErrAttemptTimeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
