// Package reinit owns the store client handle and rebuilds it with fallback
// configuration variants when the store stops answering.
package reinit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"sitesync/internal/conn"
	"sitesync/internal/eventbus"
	"sitesync/internal/observability/metrics"
	"sitesync/internal/store"
	logx "sitesync/pkg/logx"
)

const (
	DefaultSettleDelay  = 500 * time.Millisecond
	DefaultProbeTimeout = 5 * time.Second
	DefaultBudget       = 60 * time.Second
)

type Config struct {
	Variants      []store.Variant
	SettleDelay   time.Duration
	ProbeTimeout  time.Duration
	Budget        time.Duration
	UnknownPolicy conn.UnknownPolicy
}

func (c Config) withDefaults() Config {
	if len(c.Variants) == 0 {
		c.Variants = store.DefaultVariants()
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	return c
}

// Event is the payload of conn.reinit events, one per variant attempt.
type Event struct {
	Index   int           `json:"index"`
	Variant string        `json:"variant"`
	OK      bool          `json:"ok"`
	Class   string        `json:"class,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Status is a read-only view for /status.
type Status struct {
	Index     int       `json:"index"`
	Variant   string    `json:"variant"`
	Installed string    `json:"installed"`
	Runs      uint64    `json:"runs"`
	LastOK    bool      `json:"last_ok"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }
func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// Engine is the only component allowed to replace the client. Everyone else
// reads it through Current on every use.
type Engine struct {
	factory store.Factory
	prober  *conn.Prober
	cfg     Config

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	sf singleflight.Group

	mu        sync.RWMutex
	client    store.Client
	installed int // variant index of client, -1 when none
	index     int // last known good variant
	runs      uint64
	lastOK    bool
	lastRunAt time.Time
}

func New(factory store.Factory, prober *conn.Prober, cfg Config, opts ...Option) *Engine {
	if prober == nil {
		prober = conn.NewProber("", 0)
	}
	e := &Engine{factory: factory, prober: prober, cfg: cfg.withDefaults(), installed: -1}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "reinit"))
	return e
}

// Current returns the installed client (nil before Bootstrap).
func (e *Engine) Current() store.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

// Variant returns the last known good variant index and name.
func (e *Engine) Variant() (int, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index, e.cfg.Variants[e.index].String()
}

func (e *Engine) Variants() []store.Variant {
	return append([]store.Variant(nil), e.cfg.Variants...)
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Status{
		Index:     e.index,
		Variant:   e.cfg.Variants[e.index].String(),
		Runs:      e.runs,
		LastOK:    e.lastOK,
		LastRunAt: e.lastRunAt,
	}
	if e.installed >= 0 {
		st.Installed = e.cfg.Variants[e.installed].String()
	}
	return st
}

// Bootstrap installs the first client, trying variants in order until one
// builds. It does not probe; the health monitor does that.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if e.factory == nil {
		return errors.New("reinit: nil factory")
	}
	var errs []error
	for i, v := range e.cfg.Variants {
		c, err := e.factory.Build(ctx, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", v, err))
			e.log.Warn("client build failed", logx.String("variant", v.String()), logx.Err(err))
			continue
		}
		e.install(c, i)
		e.mu.Lock()
		e.index = i
		e.mu.Unlock()
		e.metrics.SetVariantIndex(i)
		e.log.Info("client installed", logx.String("variant", v.String()), logx.Int("index", i))
		return nil
	}
	return fmt.Errorf("reinit: bootstrap failed: %w", errors.Join(errs...))
}

type outcome struct {
	client store.Client
	ok     bool
}

// Reinitialize rebuilds the client, walking the variants from the last known
// good one and wrapping around once. The first reachable variant is kept and
// becomes the new starting point. When none is reachable it reports false and
// the last built client stays installed.
//
// Concurrent calls share one walk. The walk is bounded by the configured
// budget, not by ctx: a caller whose ctx ends gets the current client and false.
func (e *Engine) Reinitialize(ctx context.Context) (store.Client, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	ch := e.sf.DoChan("reinit", func() (any, error) {
		return e.walk(), nil
	})
	select {
	case r := <-ch:
		if o, ok := r.Val.(outcome); ok {
			return o.client, o.ok
		}
		return e.Current(), false
	case <-ctx.Done():
		return e.Current(), false
	}
}

func (e *Engine) walk() (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("reinitialize panicked", logx.Any("panic", r))
			out = outcome{client: e.Current()}
		}
	}()

	bctx, cancel := context.WithTimeout(context.Background(), e.cfg.Budget)
	defer cancel()

	e.mu.RLock()
	start := e.index
	e.mu.RUnlock()

	n := len(e.cfg.Variants)
	began := time.Now()
	e.log.Info("reinitializing client", logx.Int("from_index", start), logx.Int("variants", n))

	for i := 0; i < n; i++ {
		if bctx.Err() != nil {
			e.log.Warn("reinit budget exhausted", logx.Duration("budget", e.cfg.Budget))
			break
		}
		idx := (start + i) % n
		if c, ok := e.try(bctx, idx); ok {
			e.finish(true, idx)
			e.log.Info("client reinitialized", logx.String("variant", e.cfg.Variants[idx].String()),
				logx.Int("index", idx), logx.Duration("elapsed", time.Since(began)))
			return outcome{client: c, ok: true}
		}
	}

	e.finish(false, start)
	e.log.Warn("all client variants failed", logx.Duration("elapsed", time.Since(began)))
	return outcome{client: e.Current()}
}

// try builds, installs and probes variant idx.
func (e *Engine) try(ctx context.Context, idx int) (store.Client, bool) {
	v := e.cfg.Variants[idx]
	t0 := time.Now()
	report := func(ok bool, class string, err error) {
		ev := Event{Index: idx, Variant: v.String(), OK: ok, Class: class, Elapsed: time.Since(t0)}
		if err != nil {
			ev.Error = err.Error()
		}
		e.metrics.ObserveReinit(v.String(), ok)
		eventbus.Publish(e.bus, eventbus.TypeReinit, ev)
	}

	c, err := e.factory.Build(ctx, v)
	if err != nil {
		e.log.Warn("client build failed", logx.String("variant", v.String()), logx.Err(err))
		report(false, "build", err)
		return nil, false
	}
	e.install(c, idx)

	if d := e.cfg.SettleDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}

	res := e.prober.Probe(ctx, c, e.cfg.ProbeTimeout)
	ok := res.Reachable(e.cfg.UnknownPolicy)
	if !ok {
		e.log.Debug("variant unreachable", logx.String("variant", v.String()),
			logx.String("class", res.Class.String()), logx.Err(res.Err))
	}
	report(ok, res.Class.String(), res.Err)
	return c, ok
}

// install swaps in c and closes the previous client. Close errors are ignored.
func (e *Engine) install(c store.Client, idx int) {
	e.mu.Lock()
	old := e.client
	e.client = c
	e.installed = idx
	e.mu.Unlock()
	if old != nil && old != c {
		if err := old.Close(); err != nil {
			e.log.Debug("closing replaced client failed", logx.Err(err))
		}
	}
}

func (e *Engine) finish(ok bool, idx int) {
	e.mu.Lock()
	e.runs++
	e.lastOK = ok
	e.lastRunAt = time.Now()
	if ok {
		e.index = idx
	}
	e.mu.Unlock()
	if ok {
		e.metrics.SetVariantIndex(idx)
	}
}

// Close closes the installed client.
func (e *Engine) Close() error {
	e.mu.Lock()
	c := e.client
	e.client = nil
	e.installed = -1
	e.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
