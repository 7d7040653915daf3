// Package memstore is an in-memory store.Client with fault injection.
//
// A DB plays the role of the remote server: several clients (one per build)
// can point at the same DB, and live queries on any client see writes made
// through the DB. Behavior controls latency, hangs and injected failures per
// client so connectivity scenarios can be reproduced deterministically.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sitesync/internal/store"
)

// Op names a client operation for fault injection and call counting.
type Op string

const (
	OpRead      Op = "read"
	OpQuery     Op = "query"
	OpSubscribe Op = "subscribe"
)

// Behavior shapes how a client responds.
type Behavior struct {
	// Latency is added before every operation.
	Latency time.Duration
	// Hang blocks operations until the context ends (or the client closes).
	Hang bool
	// IgnoreContext makes Latency/Hang ignore ctx, like a client that does not
	// honor cancellation. Hang still ends when the client is closed.
	IgnoreContext bool
	// Fault, when non-nil, may return an error for an operation.
	Fault func(op Op, target string) error
	// Silent lists collections whose live queries never deliver a snapshot.
	Silent map[string]bool
}

// DB holds documents shared by all clients built on it.
type DB struct {
	mu   sync.RWMutex
	docs map[string]store.Document

	smu  sync.Mutex
	subs map[uint64]*liveSub
	seq  atomic.Uint64
}

func NewDB() *DB {
	return &DB{docs: map[string]store.Document{}, subs: map[uint64]*liveSub{}}
}

// Put writes (or replaces) a document and notifies live queries.
func (db *DB) Put(path string, data map[string]any) {
	doc := store.Document{Path: path, Data: cloneMap(data), UpdateTime: time.Now()}
	db.mu.Lock()
	db.docs[path] = doc
	db.mu.Unlock()
	db.notify()
}

// Delete removes a document and notifies live queries.
func (db *DB) Delete(path string) {
	db.mu.Lock()
	_, ok := db.docs[path]
	delete(db.docs, path)
	db.mu.Unlock()
	if ok {
		db.notify()
	}
}

func (db *DB) get(path string) (store.Document, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	d, ok := db.docs[path]
	return d, ok
}

func (db *DB) query(q store.Query) []store.Document {
	db.mu.RLock()
	all := make([]store.Document, 0, len(db.docs))
	for _, d := range db.docs {
		all = append(all, d)
	}
	db.mu.RUnlock()
	return q.Apply(all)
}

func (db *DB) notify() {
	db.smu.Lock()
	subs := make([]*liveSub, 0, len(db.subs))
	for _, s := range db.subs {
		subs = append(subs, s)
	}
	db.smu.Unlock()
	for _, s := range subs {
		s.push(db.query(s.q))
	}
}

func (db *DB) addSub(s *liveSub) uint64 {
	id := db.seq.Add(1)
	db.smu.Lock()
	db.subs[id] = s
	db.smu.Unlock()
	return id
}

func (db *DB) removeSub(id uint64) {
	db.smu.Lock()
	delete(db.subs, id)
	db.smu.Unlock()
}

// Client is an in-memory store.Client.
type Client struct {
	db      *DB
	variant store.Variant

	mu     sync.RWMutex
	beh    Behavior
	closed bool
	done   chan struct{}

	subs map[uint64]*liveSub

	reads, queries, subscribes atomic.Int64
}

// NewClient returns a client over db.
func NewClient(db *DB, b Behavior) *Client {
	if db == nil {
		db = NewDB()
	}
	return &Client{db: db, beh: b, done: make(chan struct{}), subs: map[uint64]*liveSub{}}
}

// Variant returns the variant this client was built with (zero for NewClient).
func (c *Client) Variant() store.Variant { return c.variant }

// SetBehavior swaps the behavior for subsequent operations.
func (c *Client) SetBehavior(b Behavior) {
	c.mu.Lock()
	c.beh = b
	c.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (c *Client) Calls(op Op) int64 {
	switch op {
	case OpRead:
		return c.reads.Load()
	case OpQuery:
		return c.queries.Load()
	case OpSubscribe:
		return c.subscribes.Load()
	}
	return 0
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// LiveSubscriptions returns the number of live queries not yet cancelled.
func (c *Client) LiveSubscriptions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

func (c *Client) behavior() (Behavior, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.beh, c.closed
}

// gate applies latency/hang/fault for op. It returns a store error or nil.
func (c *Client) gate(ctx context.Context, op Op, target string) error {
	b, closed := c.behavior()
	if closed {
		return store.ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	wait := func(d time.Duration) error {
		var timer <-chan time.Time
		if d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			timer = t.C
		}
		ctxDone := ctx.Done()
		if b.IgnoreContext {
			ctxDone = nil
		}
		select {
		case <-timer:
			return nil
		case <-ctxDone:
			return &store.Error{Code: store.CodeOf(ctx.Err()), Op: string(op), Path: target, Err: ctx.Err()}
		case <-c.done:
			return store.ErrClosed
		}
	}
	if b.Hang {
		if err := wait(0); err != nil {
			return err
		}
	} else if b.Latency > 0 {
		if err := wait(b.Latency); err != nil {
			return err
		}
	}
	if b.Fault != nil {
		if err := b.Fault(op, target); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) ReadOne(ctx context.Context, path string) (store.Document, bool, error) {
	c.reads.Add(1)
	if err := c.gate(ctx, OpRead, path); err != nil {
		return store.Document{}, false, err
	}
	d, ok := c.db.get(path)
	return d, ok, nil
}

func (c *Client) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	c.queries.Add(1)
	if err := c.gate(ctx, OpQuery, q.Collection); err != nil {
		return nil, err
	}
	return c.db.query(q), nil
}

func (c *Client) Subscribe(ctx context.Context, q store.Query, onUpdate func(store.Snapshot), onError func(error)) (store.CancelFunc, error) {
	c.subscribes.Add(1)
	if err := c.gate(ctx, OpSubscribe, q.Collection); err != nil {
		return nil, err
	}
	b, _ := c.behavior()

	s := newLiveSub(q, onUpdate, onError, b.Silent[q.Collection])
	dbID := c.db.addSub(s)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.db.removeSub(dbID)
		s.stop()
		return nil, store.ErrClosed
	}
	c.subs[dbID] = s
	c.mu.Unlock()

	go s.run()
	s.push(c.db.query(q))

	var once sync.Once
	return func() error {
		once.Do(func() {
			c.db.removeSub(dbID)
			c.mu.Lock()
			delete(c.subs, dbID)
			c.mu.Unlock()
			s.stop()
		})
		return nil
	}, nil
}

// FailSubscriptions delivers err to every live query's onError callback.
func (c *Client) FailSubscriptions(err error) {
	c.mu.RLock()
	subs := make([]*liveSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.RUnlock()
	for _, s := range subs {
		s.fail(err)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	subs := c.subs
	c.subs = map[uint64]*liveSub{}
	c.mu.Unlock()

	for id, s := range subs {
		c.db.removeSub(id)
		s.stop()
	}
	return nil
}

// liveSub delivers snapshots to one listener in push order.
type liveSub struct {
	q        store.Query
	onUpdate func(store.Snapshot)
	onError  func(error)
	silent   bool

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newLiveSub(q store.Query, onUpdate func(store.Snapshot), onError func(error), silent bool) *liveSub {
	return &liveSub{
		q:        q,
		onUpdate: onUpdate,
		onError:  onError,
		silent:   silent,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *liveSub) enqueue(fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *liveSub) push(docs []store.Document) {
	if s.silent || s.onUpdate == nil {
		return
	}
	snap := store.Snapshot{Docs: docs, ReadTime: time.Now()}
	s.enqueue(func() { s.onUpdate(snap) })
}

func (s *liveSub) fail(err error) {
	if s.onError == nil {
		return
	}
	s.enqueue(func() { s.onError(err) })
}

func (s *liveSub) stop() { s.once.Do(func() { close(s.done) }) }

func (s *liveSub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			fn := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			fn()
		}
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
