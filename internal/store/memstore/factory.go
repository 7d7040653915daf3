package memstore

import (
	"context"
	"sync"

	"sitesync/internal/store"
)

// Factory builds in-memory clients over a shared DB.
//
// Behaviors are looked up by variant name so a test can make, say, only the
// third variant of a reinit ladder reachable.
type Factory struct {
	DB *DB

	mu        sync.Mutex
	def       Behavior
	behaviors map[string]Behavior
	buildErrs map[string]error
	built     []*Client
}

func NewFactory(db *DB) *Factory {
	if db == nil {
		db = NewDB()
	}
	return &Factory{DB: db, behaviors: map[string]Behavior{}, buildErrs: map[string]error{}}
}

// SetDefault sets the behavior for variants without an explicit one.
func (f *Factory) SetDefault(b Behavior) {
	f.mu.Lock()
	f.def = b
	f.mu.Unlock()
}

// SetBehavior sets the behavior of clients built from the named variant.
func (f *Factory) SetBehavior(variant string, b Behavior) {
	f.mu.Lock()
	f.behaviors[variant] = b
	f.mu.Unlock()
}

// FailBuild makes Build return err for the named variant.
func (f *Factory) FailBuild(variant string, err error) {
	f.mu.Lock()
	f.buildErrs[variant] = err
	f.mu.Unlock()
}

func (f *Factory) Build(ctx context.Context, v store.Variant) (store.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.buildErrs[v.Name]; err != nil {
		return nil, err
	}
	b, ok := f.behaviors[v.Name]
	if !ok {
		b = f.def
	}
	c := NewClient(f.DB, b)
	c.variant = v
	f.built = append(f.built, c)
	return c, nil
}

// Built returns every client built so far, oldest first.
func (f *Factory) Built() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.built...)
}

// Last returns the most recently built client (nil if none).
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}
