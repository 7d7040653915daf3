// Package health owns the connectivity state of the store client.
//
// The monitor probes the current client on a timer and on demand, keeps the
// last resolved state and tells listeners when it changes. It never returns an
// error: every check resolves to a state.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"sitesync/internal/conn"
	"sitesync/internal/eventbus"
	"sitesync/internal/observability/metrics"
	rtsup "sitesync/internal/runtime/supervisor"
	"sitesync/internal/store"
	logx "sitesync/pkg/logx"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 3 * time.Second
)

type Config struct {
	Interval      time.Duration
	Timeout       time.Duration
	UnknownPolicy conn.UnknownPolicy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// StateChange is the payload of conn.state events.
type StateChange struct {
	From   conn.State       `json:"from"`
	To     conn.State       `json:"to"`
	Result conn.ProbeResult `json:"result"`
	Error  string           `json:"error,omitempty"`
	At     time.Time        `json:"at"`
}

// Status is a read-only view for /status and the CLI.
type Status struct {
	State      conn.State       `json:"state"`
	InFlight   bool             `json:"in_flight"`
	Last       conn.ProbeResult `json:"last"`
	LastError  string           `json:"last_error,omitempty"`
	LastCheck  time.Time        `json:"last_check"`
	LastChange time.Time        `json:"last_change"`
	Checks     uint64           `json:"checks"`
	Interval   time.Duration    `json:"interval"`
	Policy     string           `json:"unknown_policy"`
}

type Option func(*Monitor)

func WithLogger(log logx.Logger) Option { return func(m *Monitor) { m.log = log } }
func WithBus(b eventbus.Bus) Option { return func(m *Monitor) { m.bus = b } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Monitor) { m.metrics = mt } }
func WithThrottle(t *logx.Throttle) Option { return func(m *Monitor) { m.throttle = t } }

type listener struct {
	fn func(conn.State)
	// every is set for OnCheck listeners, which also see unchanged states.
	every bool
}

type Monitor struct {
	src    store.Source
	prober *conn.Prober

	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	throttle *logx.Throttle

	sf       singleflight.Group
	inFlight atomic.Bool
	checks   atomic.Uint64

	mu         sync.RWMutex
	cfg        Config
	state      conn.State
	last       conn.ProbeResult
	lastCheck  time.Time
	lastChange time.Time

	lmu       sync.Mutex
	listeners map[uint64]listener
	nextID    uint64

	smu    sync.Mutex
	sup    *rtsup.Supervisor
	resetC chan struct{}
}

func New(src store.Source, prober *conn.Prober, cfg Config, opts ...Option) *Monitor {
	if prober == nil {
		prober = conn.NewProber("", 0)
	}
	m := &Monitor{
		src:       src,
		prober:    prober,
		cfg:       cfg.withDefaults(),
		listeners: map[uint64]listener{},
		resetC:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "health"))
	m.metrics.SetConnectionState(conn.StateUnknown.String(), conn.AllStates())
	return m
}

// State returns the last resolved state (Checking only before the first check
// resolves). Nil-safe: a nil monitor reports Unknown.
func (m *Monitor) State() conn.State {
	if m == nil {
		return conn.StateUnknown
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) Status() Status {
	if m == nil {
		return Status{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:      m.state,
		InFlight:   m.inFlight.Load(),
		Last:       m.last,
		LastError:  m.last.ErrString(),
		LastCheck:  m.lastCheck,
		LastChange: m.lastChange,
		Checks:     m.checks.Load(),
		Interval:   m.cfg.Interval,
		Policy:     m.cfg.UnknownPolicy.String(),
	}
}

// Apply swaps interval, timeout and policy at runtime. A running loop picks
// up the new interval immediately.
func (m *Monitor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	changed := cfg.Interval != m.cfg.Interval
	m.cfg = cfg
	m.mu.Unlock()
	if changed {
		select {
		case m.resetC <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers fn for state changes. fn runs on the checking goroutine
// and must not block for long; a panicking listener is logged and skipped.
func (m *Monitor) Subscribe(fn func(conn.State)) (unsubscribe func()) {
	return m.listen(fn, false)
}

// OnCheck registers fn for the result of every completed check, changed or
// not. Same rules as Subscribe.
func (m *Monitor) OnCheck(fn func(conn.State)) (unsubscribe func()) {
	return m.listen(fn, true)
}

func (m *Monitor) listen(fn func(conn.State), every bool) func() {
	if fn == nil {
		return func() {}
	}
	m.lmu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = listener{fn: fn, every: every}
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			delete(m.listeners, id)
			m.lmu.Unlock()
		})
	}
}

// CheckNow probes the current client and returns the resulting state.
//
// Concurrent callers share one probe and get the same state. A caller whose
// ctx ends first gets the last known state; the probe still completes and
// updates the monitor.
func (m *Monitor) CheckNow(ctx context.Context) conn.State {
	if ctx == nil {
		ctx = context.Background()
	}
	ch := m.sf.DoChan("check", func() (any, error) {
		return m.check(), nil
	})
	select {
	case r := <-ch:
		if st, ok := r.Val.(conn.State); ok {
			return st
		}
		return m.State()
	case <-ctx.Done():
		return m.State()
	}
}

func (m *Monitor) check() (st conn.State) {
	m.inFlight.Store(true)
	defer m.inFlight.Store(false)

	m.mu.Lock()
	cfg := m.cfg
	first := m.state == conn.StateUnknown
	if first {
		m.state = conn.StateChecking
	}
	m.mu.Unlock()
	if first {
		m.notify(conn.StateChecking, true)
		m.metrics.SetConnectionState(conn.StateChecking.String(), conn.AllStates())
	}

	var client store.Client
	if m.src != nil {
		client = m.src.Current()
	}
	res := m.prober.Probe(context.Background(), client, cfg.Timeout)
	m.checks.Add(1)

	st = conn.StateOffline
	if res.Reachable(cfg.UnknownPolicy) {
		st = conn.StateOnline
	}

	now := time.Now()
	m.mu.Lock()
	prev := m.state
	m.state = st
	m.last = res
	m.lastCheck = now
	if prev != st {
		m.lastChange = now
	}
	m.mu.Unlock()

	m.metrics.ObserveProbe(res.Outcome.String(), res.Class.String(), res.Elapsed)
	eventbus.Publish(m.bus, eventbus.TypeProbe, res)

	if st == conn.StateOffline {
		m.throttle.Warn(m.log, "probe.failed", "store unreachable",
			logx.String("class", res.Class.String()), logx.Duration("elapsed", res.Elapsed), logx.Err(res.Err))
	} else if res.Outcome == conn.Inconclusive {
		m.throttle.Warn(m.log, "probe.inconclusive", "probe inconclusive, assuming reachable",
			logx.Err(res.Err))
	}

	if prev == st {
		m.notify(st, false)
		return st
	}
	m.log.Info("connection state changed",
		logx.String("from", prev.String()), logx.String("to", st.String()),
		logx.String("class", res.Class.String()), logx.String("probe_id", res.ID))
	m.metrics.SetConnectionState(st.String(), conn.AllStates())
	eventbus.Publish(m.bus, eventbus.TypeConnState, StateChange{From: prev, To: st, Result: res, Error: res.ErrString(), At: now})
	m.notify(st, true)
	return st
}

// notify calls OnCheck listeners always and Subscribe listeners only when
// the state changed.
func (m *Monitor) notify(st conn.State, changed bool) {
	m.lmu.Lock()
	fns := make([]func(conn.State), 0, len(m.listeners))
	for _, l := range m.listeners {
		if changed || l.every {
			fns = append(fns, l.fn)
		}
	}
	m.lmu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("state listener panicked", logx.Any("panic", r))
				}
			}()
			fn(st)
		}()
	}
}

// Start launches the periodic loop under its own supervisor. Idempotent.
func (m *Monitor) Start(ctx context.Context) {
	m.smu.Lock()
	defer m.smu.Unlock()
	if m.sup != nil {
		return
	}
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log))
	m.sup.GoRestart("health.loop", m.loop, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
}

// Stop ends the periodic loop. Safe to call repeatedly or without Start.
func (m *Monitor) Stop(ctx context.Context) {
	m.smu.Lock()
	sup := m.sup
	m.sup = nil
	m.smu.Unlock()
	if sup == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_ = sup.Stop(ctx)
}

// Supervisor exposes loop stats (nil when stopped).
func (m *Monitor) Supervisor() *rtsup.Supervisor {
	m.smu.Lock()
	defer m.smu.Unlock()
	return m.sup
}

func (m *Monitor) interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Interval
}

func (m *Monitor) loop(ctx context.Context) error {
	m.CheckNow(ctx)

	t := time.NewTicker(m.interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.resetC:
			t.Reset(m.interval())
		case <-t.C:
			if m.inFlight.Load() {
				continue
			}
			m.CheckNow(ctx)
		}
	}
}
