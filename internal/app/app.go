// Package app wires the connectivity runtime into a daemon: config and logs,
// the store backend, the client rebuild engine, the health monitor, the retry
// wrapper, the live feeds and their refresh schedule, the journal and the
// debug server.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sitesync/internal/config"
	"sitesync/internal/conn"
	"sitesync/internal/conn/health"
	"sitesync/internal/conn/reinit"
	"sitesync/internal/conn/retry"
	"sitesync/internal/eventbus"
	"sitesync/internal/journal"
	"sitesync/internal/observability/debugsrv"
	"sitesync/internal/observability/metrics"
	"sitesync/internal/refresh"
	rtsup "sitesync/internal/runtime/supervisor"
	"sitesync/internal/store"
	"sitesync/internal/subs"
	logx "sitesync/pkg/logx"
)

type Option func(*App)

// WithBackend makes the app use b instead of opening the configured store.
// The caller keeps ownership of b.
func WithBackend(b *Backend) Option { return func(a *App) { a.backend = b } }

type App struct {
	cfgm *config.Manager

	// mu guards set, which hot reload replaces.
	mu  sync.RWMutex
	cfg *config.Config
	set settings

	cfgC chan *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	mx   *metrics.Metrics

	backend    *Backend
	ownBackend bool
	journal    journal.Store

	prober  *conn.Prober
	reinit  *reinit.Engine
	monitor *health.Monitor
	retry   *retry.Wrapper
	subs    *subs.Orchestrator
	refresh *refresh.Scheduler
	debug   *debugsrv.Service

	sup        *rtsup.Supervisor
	stateC     chan conn.State
	unsubState func()
	startedAt  time.Time

	// subsMu serializes resubscribes; subsClient is the client the live
	// feeds were last started on.
	subsMu     sync.Mutex
	subsClient store.Client
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := mapSettings(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, cfg: cfg, set: set, stateC: make(chan conn.State, 4)}
	for _, o := range opts {
		o(a)
	}

	logSvc, log := logx.New(set.logs)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log)
	cfgm.SetValidator(a.validate)

	a.bus = eventbus.New()
	a.mx = metrics.New()

	js, err := journal.Open(set.journal, log)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	a.journal = js

	if a.backend == nil {
		b, err := OpenBackend(set.storeDriver, set.sqlite, log)
		if err != nil {
			a.closeJournal()
			return nil, fmt.Errorf("store: %w", err)
		}
		a.backend, a.ownBackend = b, true
	}

	a.prober = conn.NewProber(set.sentinel, set.reinit.ProbeTimeout)
	a.reinit = reinit.New(a.backend.Factory, a.prober, set.reinit,
		reinit.WithLogger(log), reinit.WithBus(a.bus), reinit.WithMetrics(a.mx))
	a.monitor = health.New(a.reinit, a.prober, set.monitor,
		health.WithLogger(log), health.WithBus(a.bus), health.WithMetrics(a.mx),
		health.WithThrottle(logx.NewThrottle(time.Minute, 1)))
	a.retry = retry.New(a.reinit,
		retry.WithReinitializer(a.reinit), retry.WithHealth(a.monitor),
		retry.WithLogger(log), retry.WithBus(a.bus), retry.WithMetrics(a.mx),
		retry.WithDefaultPolicy(set.retry))
	a.subs = subs.New(a.reinit, set.defs, set.subs,
		subs.WithLogger(log), subs.WithBus(a.bus), subs.WithMetrics(a.mx), subs.WithRetry(a.retry))
	a.refresh = refresh.New(a.subs, set.refresh, log)
	a.debug = debugsrv.New(set.debug, log,
		debugsrv.WithMetrics(a.mx.Handler()),
		debugsrv.WithStatus(func() any { return a.Status() }),
		debugsrv.WithReady(a.ready))

	a.log.Info("app configured",
		logx.String("config", cfgPath),
		logx.String("store", a.backend.Driver),
		logx.Int("variants", len(a.reinit.Variants())),
		logx.Int("feeds", len(set.defs)),
		logx.String("scope", set.scope),
		logx.Bool("journal", js != nil))
	return a, nil
}

// Client reads the current store client; use it for one operation only.
func (a *App) Client() store.Client { return a.reinit.Current() }

// Retry is the shared retry wrapper for ad-hoc store operations.
func (a *App) Retry() *retry.Wrapper { return a.retry }

func (a *App) Monitor() *health.Monitor { return a.monitor }

func (a *App) Subscriptions() *subs.Orchestrator { return a.subs }

func (a *App) Backend() *Backend { return a.backend }

// Start brings the runtime up. It returns once the client is installed and
// checked; the live feeds come up in the background.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return nil
	}
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	runCtx := a.sup.Context()

	if err := a.reinit.Bootstrap(ctx); err != nil {
		return err
	}
	if st := a.monitor.CheckNow(ctx); st == conn.StateOffline {
		a.log.Warn("store unreachable at startup; rebuilding client")
		a.recover(ctx)
	}

	a.unsubState = a.monitor.OnCheck(a.onState)
	a.monitor.Start(runCtx)

	if a.journal != nil {
		rec := journal.NewRecorder(a.journal, a.bus, a.log)
		a.sup.Go("journal.recorder", rec.Run)
	}
	a.sup.Go("conn.recover", a.recoverLoop)
	a.sup.Go("subs.start", func(c context.Context) error {
		a.resubscribe(c, "startup", true)
		return nil
	})

	if err := a.refresh.Start(runCtx); err != nil {
		a.log.Warn("refresh scheduler not started", logx.Err(err))
	}
	a.debug.Start(runCtx)

	a.cfgC = a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.set.systemd.Notify {
		a.notify(sdReady)
	}
	if a.set.systemd.Watchdog {
		a.sup.Go("systemd.watchdog", a.watchdog)
	}

	a.log.Info("app started", logx.String("state", a.monitor.State().String()))
	return nil
}

// Stop shuts everything down in reverse dependency order. Each step is bounded
// so a stuck component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.release()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.set.systemd.Notify {
		a.notify(sdStopping)
	}
	a.sup.Cancel()
	if a.unsubState != nil {
		a.unsubState()
	}

	a.step(ctx, "refresh", 2*time.Second, func(c context.Context) error { a.refresh.Stop(c); return nil })
	a.step(ctx, "debugsrv", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "subscriptions", 2*time.Second, func(context.Context) error { a.subs.Stop(); return nil })
	a.step(ctx, "monitor", 2*time.Second, func(c context.Context) error { a.monitor.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "client", time.Second, func(context.Context) error { return a.reinit.Close() })

	a.log.Info("stopped")
	a.release()
	return nil
}

func (a *App) release() {
	if a.ownBackend {
		a.ownBackend = false
		if err := a.backend.Close(); err != nil {
			a.log.Warn("closing store backend failed", logx.Err(err))
		}
	}
	a.closeJournal()
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) closeJournal() {
	if a.journal == nil {
		return
	}
	if err := a.journal.Close(); err != nil {
		a.log.Warn("closing journal failed", logx.Err(err))
	}
	a.journal = nil
}

// step runs fn with an upper bound that never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
	}
}
