// Package subs orchestrates the named live queries of one scope (a site).
//
// Start fans out every subscription concurrently, each bounded by a setup
// timeout, and degrades failed ones to a no-op handle instead of failing the
// group. A generation counter fences every callback: once a scope is replaced
// or stopped, late deliveries and late setups are discarded and cancelled.
package subs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sitesync/internal/conn/retry"
	"sitesync/internal/eventbus"
	"sitesync/internal/observability/metrics"
	"sitesync/internal/store"
	logx "sitesync/pkg/logx"
)

var (
	ErrNotStarted   = errors.New("subs: not started")
	ErrSetupTimeout = errors.New("subscription setup timed out")
	ErrAllFailed    = errors.New("all subscriptions failed")
)

type handle struct {
	id        string
	name      string
	state     State
	cancel    store.CancelFunc
	err       error
	updates   uint64
	startedAt time.Time
	activeAt  time.Time
}

func (h *handle) info() HandleInfo {
	hi := HandleInfo{ID: h.id, Name: h.name, State: h.state, Updates: h.updates, StartedAt: h.startedAt, ActiveAt: h.activeAt}
	if h.err != nil {
		hi.Error = h.err.Error()
	}
	return hi
}

type Option func(*Orchestrator)

func WithLogger(log logx.Logger) Option { return func(o *Orchestrator) { o.log = log } }
func WithBus(b eventbus.Bus) Option { return func(o *Orchestrator) { o.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithRetry(w *retry.Wrapper) Option { return func(o *Orchestrator) { o.retry = w } }

type Orchestrator struct {
	defs []Definition
	src  store.Source

	retry   *retry.Wrapper
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	// startMu serializes Start calls; Stop never waits on it.
	startMu sync.Mutex

	mu        sync.RWMutex
	cfg       Config
	gen       uint64
	genCancel context.CancelFunc
	scope     string
	started   bool
	handles   map[string]*handle
	data      map[string][]store.Document
	loading   bool
	err       error
	updatedAt time.Time

	lmu       sync.Mutex
	listeners map[uint64]func(Result)
	nextID    uint64
}

func New(src store.Source, defs []Definition, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		defs:      append([]Definition(nil), defs...),
		src:       src,
		cfg:       cfg.withDefaults(),
		handles:   map[string]*handle{},
		data:      map[string][]store.Document{},
		listeners: map[uint64]func(Result){},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	o.log = o.log.With(logx.String("comp", "subs"))
	if o.retry == nil {
		o.retry = retry.New(src, retry.WithLogger(o.log))
	}
	return o
}

// Names returns the registered subscription names in definition order.
func (o *Orchestrator) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.defs))
	for _, d := range o.defs {
		out = append(out, d.Name)
	}
	return out
}

// SetDefinitions replaces the feed set. It takes effect on the next Start;
// the running registry keeps its handles.
func (o *Orchestrator) SetDefinitions(defs []Definition) {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	o.mu.Lock()
	o.defs = append([]Definition(nil), defs...)
	o.mu.Unlock()
}

// Apply swaps timeouts and the refresh policy; it affects the next Start/Refresh.
func (o *Orchestrator) Apply(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
}

func (o *Orchestrator) Scope() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.scope
}

// Start replaces the registry with fresh subscriptions for scope.
//
// Any previous registry is torn down first. Start returns once every setup
// resolved (active or failed) or the start budget ran out; it never fails
// because of individual subscriptions. Snapshot().Err is set only when every
// subscription failed.
func (o *Orchestrator) Start(ctx context.Context, scope string) {
	if ctx == nil {
		ctx = context.Background()
	}
	o.startMu.Lock()
	defer o.startMu.Unlock()

	now := time.Now()
	gctx, gcancel := context.WithCancel(context.Background())

	o.mu.Lock()
	old := o.detachLocked()
	g := o.gen
	o.genCancel = gcancel
	o.scope = scope
	o.started = true
	defs := o.defs
	o.loading = len(defs) > 0
	o.err = nil
	o.data = map[string][]store.Document{}
	o.updatedAt = now
	cfg := o.cfg
	infos := make([]HandleInfo, 0, len(defs))
	for _, d := range defs {
		h := &handle{id: uuid.NewString(), name: d.Name, state: StatePending, cancel: store.NopCancel, startedAt: now}
		o.handles[d.Name] = h
		infos = append(infos, h.info())
	}
	o.mu.Unlock()

	o.teardown(old)
	o.log.Info("starting subscriptions", logx.String("scope", scope), logx.Int("count", len(infos)))
	for _, hi := range infos {
		o.publishState(scope, hi)
	}
	o.changed()

	var client store.Client
	if o.src != nil {
		client = o.src.Current()
	}

	bctx, bcancel := context.WithTimeout(ctx, cfg.StartBudget)
	defer bcancel()

	var wg sync.WaitGroup
	for i, d := range defs {
		wg.Add(1)
		go func(d Definition, id string) {
			defer wg.Done()
			o.setup(bctx, gctx, g, scope, d, id, client, cfg.SetupTimeout)
		}(d, infos[i].ID)
	}
	wg.Wait()

	o.mu.Lock()
	if o.gen == g {
		o.loading = false
		o.err = o.aggregateErrLocked()
	}
	o.mu.Unlock()
	o.changed()
}

// setup subscribes one feed and waits for its first snapshot.
func (o *Orchestrator) setup(ctx, gctx context.Context, g uint64, scope string, d Definition, id string, c store.Client, timeout time.Duration) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	first := make(chan struct{})
	var firstOnce sync.Once
	failed := make(chan error, 1)

	onUpdate := func(snap store.Snapshot) {
		if o.deliver(g, id, snap) {
			firstOnce.Do(func() { close(first) })
		}
	}
	onError := func(err error) {
		select {
		case failed <- err:
		default:
		}
		o.subError(g, id, err)
	}

	if c == nil {
		o.fail(g, id, errors.New("no client"))
		return
	}

	type subResult struct {
		cancel store.CancelFunc
		err    error
	}
	resC := make(chan subResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resC <- subResult{err: fmt.Errorf("subscribe panicked: %v", r)}
			}
		}()
		cf, err := c.Subscribe(gctx, d.Query(scope), onUpdate, onError)
		resC <- subResult{cancel: cf, err: err}
	}()

	select {
	case r := <-resC:
		if r.err != nil {
			o.fail(g, id, r.err)
			return
		}
		if !o.adopt(g, id, r.cancel) {
			safeCancel(r.cancel)
			return
		}
	case <-sctx.Done():
		o.fail(g, id, ErrSetupTimeout)
		// A late subscription is cancelled as soon as it arrives.
		go func() {
			if r := <-resC; r.err == nil {
				safeCancel(r.cancel)
			}
		}()
		return
	}

	select {
	case <-first:
	case err := <-failed:
		safeCancel(o.fail(g, id, err))
	case <-sctx.Done():
		safeCancel(o.fail(g, id, ErrSetupTimeout))
	}
}

// adopt stores the live cancel func on the handle. It reports false when the
// handle is stale or already failed, in which case the caller cancels.
func (o *Orchestrator) adopt(g uint64, id string, cf store.CancelFunc) bool {
	if cf == nil {
		cf = store.NopCancel
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.currentLocked(g, id)
	if h == nil || h.state == StateFailed {
		return false
	}
	h.cancel = cf
	return true
}

// fail marks a pending handle Failed and swaps in a no-op cancel. It returns
// the live cancel func it replaced (nil when nothing changed).
func (o *Orchestrator) fail(g uint64, id string, err error) store.CancelFunc {
	o.mu.Lock()
	h := o.currentLocked(g, id)
	if h == nil || h.state != StatePending {
		o.mu.Unlock()
		return nil
	}
	h.state = StateFailed
	h.err = err
	cf := h.cancel
	h.cancel = store.NopCancel
	info, scope := h.info(), o.scope
	o.mu.Unlock()

	o.log.Warn("subscription failed", logx.String("scope", scope), logx.String("name", info.Name), logx.Err(err))
	o.publishState(scope, info)
	return cf
}

func (o *Orchestrator) deliver(g uint64, id string, snap store.Snapshot) bool {
	o.mu.Lock()
	h := o.currentLocked(g, id)
	if h == nil || h.state == StateFailed || h.state == StateTornDown {
		o.mu.Unlock()
		return false
	}
	activated := h.state == StatePending
	if activated {
		h.state = StateActive
		h.activeAt = time.Now()
	}
	h.updates++
	o.data[h.name] = snap.Docs
	o.updatedAt = time.Now()
	info, scope := h.info(), o.scope
	o.mu.Unlock()

	if activated {
		o.log.Debug("subscription active", logx.String("scope", scope), logx.String("name", info.Name))
		o.publishState(scope, info)
	}
	o.changed()
	return true
}

// subError handles listener errors after setup; errors during setup are
// handled by setup itself through the failed channel.
func (o *Orchestrator) subError(g uint64, id string, err error) {
	o.mu.Lock()
	h := o.currentLocked(g, id)
	if h == nil || h.state != StateActive {
		o.mu.Unlock()
		return
	}
	h.state = StateFailed
	h.err = err
	info, scope := h.info(), o.scope
	if !o.loading {
		o.err = o.aggregateErrLocked()
	}
	o.mu.Unlock()

	o.log.Warn("subscription error", logx.String("scope", scope), logx.String("name", info.Name), logx.Err(err))
	o.publishState(scope, info)
	o.changed()
}

func (o *Orchestrator) currentLocked(g uint64, id string) *handle {
	if o.gen != g {
		return nil
	}
	for _, h := range o.handles {
		if h.id == id {
			return h
		}
	}
	return nil
}

func (o *Orchestrator) aggregateErrLocked() error {
	if len(o.handles) == 0 {
		return nil
	}
	var errs []error
	for _, h := range o.handles {
		if h.state != StateFailed {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", h.name, h.err))
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// detachLocked fences the current generation and hands back its handles.
func (o *Orchestrator) detachLocked() []*handle {
	o.gen++
	if o.genCancel != nil {
		o.genCancel()
		o.genCancel = nil
	}
	old := make([]*handle, 0, len(o.handles))
	for _, h := range o.handles {
		old = append(old, h)
	}
	o.handles = map[string]*handle{}
	return old
}

func (o *Orchestrator) teardown(hs []*handle) {
	for _, h := range hs {
		safeCancel(h.cancel)
		o.metrics.SetSubscriptionState(h.name, StateTornDown.String(), allStates())
	}
}

// Stop cancels every handle and clears the registry. Safe to call repeatedly
// and before any Start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	old := o.detachLocked()
	scope := o.scope
	wasStarted := o.started
	o.scope = ""
	o.started = false
	o.loading = false
	o.err = nil
	o.data = map[string][]store.Document{}
	o.mu.Unlock()

	o.teardown(old)
	if wasStarted {
		o.log.Info("subscriptions stopped", logx.String("scope", scope), logx.Int("count", len(old)))
		o.changed()
	}
}

// Refresh re-fetches every feed once, in parallel, through the retry wrapper
// and overwrites the shared result. Live subscriptions are left alone.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.RLock()
	g, scope, started, pol, defs := o.gen, o.scope, o.started, o.cfg.RefreshPolicy, o.defs
	o.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	t0 := time.Now()
	type feedResult struct {
		name string
		docs []store.Document
		err  error
	}
	results := make([]feedResult, len(defs))
	var wg sync.WaitGroup
	for i, d := range defs {
		wg.Add(1)
		go func(i int, d Definition) {
			defer wg.Done()
			p := pol
			p.Label = pol.Label + "." + d.Name
			docs, err := retry.Execute(ctx, o.retry, p, func(ctx context.Context, c store.Client) ([]store.Document, error) {
				if c == nil {
					return nil, store.Errorf(store.CodeUnavailable, "query", d.Name, "no client")
				}
				return c.Query(ctx, d.Query(scope))
			})
			results[i] = feedResult{name: d.Name, docs: docs, err: err}
		}(i, d)
	}
	wg.Wait()

	ev := RefreshEvent{Scope: scope, Took: time.Since(t0)}
	var errs []error
	o.mu.Lock()
	stale := o.gen != g
	for _, r := range results {
		o.metrics.ObserveRefresh(r.name, r.err == nil)
		if r.err != nil {
			ev.Failed = append(ev.Failed, r.name)
			errs = append(errs, fmt.Errorf("%s: %w", r.name, r.err))
			continue
		}
		ev.OK = append(ev.OK, r.name)
		if !stale {
			o.data[r.name] = r.docs
			o.updatedAt = time.Now()
		}
	}
	if !stale && len(errs) == 0 {
		o.err = nil
	}
	o.mu.Unlock()

	if stale {
		return fmt.Errorf("subs: scope %q replaced during refresh", scope)
	}
	eventbus.Publish(o.bus, eventbus.TypeSubRefresh, ev)
	o.changed()
	if len(errs) > 0 {
		o.log.Warn("refresh incomplete", logx.String("scope", scope), logx.Any("failed", ev.Failed))
	} else {
		o.log.Debug("refresh done", logx.String("scope", scope), logx.Duration("took", ev.Took))
	}
	return errors.Join(errs...)
}

// Snapshot returns a copy of the shared result.
func (o *Orchestrator) Snapshot() Result {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Result {
	r := Result{
		Scope:     o.scope,
		Data:      make(map[string][]store.Document, len(o.data)),
		Loading:   o.loading,
		Err:       o.err,
		UpdatedAt: o.updatedAt,
	}
	for k, v := range o.data {
		r.Data[k] = append([]store.Document(nil), v...)
	}
	if o.err != nil {
		r.Error = o.err.Error()
	}
	return r
}

// States returns the registered handles sorted by name.
func (o *Orchestrator) States() []HandleInfo {
	o.mu.RLock()
	out := make([]HandleInfo, 0, len(o.handles))
	for _, h := range o.handles {
		out = append(out, h.info())
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsConnected is "started, not loading and no error".
func (o *Orchestrator) IsConnected() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.started && !o.loading && o.err == nil
}

// LiveHandles counts handles that hold a live subscription.
func (o *Orchestrator) LiveHandles() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, h := range o.handles {
		if h.state == StateActive || h.state == StatePending {
			n++
		}
	}
	return n
}

// OnChange registers fn for result changes. fn must not block.
func (o *Orchestrator) OnChange(fn func(Result)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	o.lmu.Lock()
	o.nextID++
	id := o.nextID
	o.listeners[id] = fn
	o.lmu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			o.lmu.Lock()
			delete(o.listeners, id)
			o.lmu.Unlock()
		})
	}
}

func (o *Orchestrator) changed() {
	o.lmu.Lock()
	if len(o.listeners) == 0 {
		o.lmu.Unlock()
		return
	}
	fns := make([]func(Result), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.lmu.Unlock()

	r := o.Snapshot()
	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					o.log.Error("result listener panicked", logx.Any("panic", p))
				}
			}()
			fn(r)
		}()
	}
}

func (o *Orchestrator) publishState(scope string, hi HandleInfo) {
	o.metrics.SetSubscriptionState(hi.Name, hi.State.String(), allStates())
	eventbus.Publish(o.bus, eventbus.TypeSubState, StateEvent{Scope: scope, Name: hi.Name, ID: hi.ID, State: hi.State, Error: hi.Error})
}

func safeCancel(cf store.CancelFunc) {
	if cf == nil {
		return
	}
	defer func() { _ = recover() }()
	_ = cf()
}
