package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Document is a single stored item.
type Document struct {
	Path       string         `json:"path"`
	Data       map[string]any `json:"data"`
	UpdateTime time.Time      `json:"update_time"`
}

// Collection returns the parent collection of the document path
// ("sites/a/tasks/t1" -> "sites/a/tasks").
func (d Document) Collection() string { return CollectionOf(d.Path) }

// ID returns the last path segment.
func (d Document) ID() string {
	i := strings.LastIndex(d.Path, "/")
	if i < 0 {
		return d.Path
	}
	return d.Path[i+1:]
}

// CollectionOf returns everything before the last path segment.
func CollectionOf(path string) string {
	p := strings.Trim(path, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

// Filter is an equality constraint on a top-level document field.
type Filter struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Query is the descriptor of a one-shot or live query.
//
// It is deliberately small: equality filters, a single order-by field and an
// optional limit cover every live query the runtime orchestrates.
type Query struct {
	Collection string   `json:"collection"`
	Where      []Filter `json:"where,omitempty"`
	OrderBy    string   `json:"order_by,omitempty"`
	Desc       bool     `json:"desc,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	for _, f := range q.Where {
		fmt.Fprintf(&b, " %s==%v", f.Field, f.Value)
	}
	if q.OrderBy != "" {
		b.WriteString(" order:")
		b.WriteString(q.OrderBy)
		if q.Desc {
			b.WriteString(" desc")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " limit:%d", q.Limit)
	}
	return b.String()
}

// Matches reports whether doc belongs to the query's result set (ignoring order/limit).
func (q Query) Matches(doc Document) bool {
	if CollectionOf(doc.Path) != strings.Trim(q.Collection, "/") {
		return false
	}
	for _, f := range q.Where {
		v, ok := doc.Data[f.Field]
		if !ok || !looseEqual(v, f.Value) {
			return false
		}
	}
	return true
}

// Apply filters, orders and limits docs according to q. The input slice is not modified.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy == "" {
			return out[i].Path < out[j].Path
		}
		a := fmt.Sprint(out[i].Data[q.OrderBy])
		b := fmt.Sprint(out[j].Data[q.OrderBy])
		if q.Desc {
			return a > b
		}
		return a < b
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// looseEqual compares decoded JSON values with numeric tolerance (int vs float64).
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// Snapshot is one delivery of a live query: the full current result set.
type Snapshot struct {
	Docs     []Document `json:"docs"`
	ReadTime time.Time  `json:"read_time"`
}

// CancelFunc tears down a live query. It must be safe to call more than once.
type CancelFunc func() error

// NopCancel is installed for subscriptions that never came up.
func NopCancel() error { return nil }

// Client is the abstract remote-store client.
//
// Implementations must be safe for concurrent use. Callbacks of one live query
// are delivered sequentially in the order the query emits them.
type Client interface {
	// ReadOne reads a single document. A missing document is (zero, false, nil)
	// unless the store reports it as a NotFound error.
	ReadOne(ctx context.Context, path string) (Document, bool, error)
	// Query runs a one-shot query.
	Query(ctx context.Context, q Query) ([]Document, error)
	// Subscribe opens a live query. onUpdate receives snapshots until the
	// returned CancelFunc is invoked; onError receives terminal or transient
	// listener errors.
	Subscribe(ctx context.Context, q Query, onUpdate func(Snapshot), onError func(error)) (CancelFunc, error)
	// Close releases the client. Further calls fail with ErrClosed.
	Close() error
}

// Variant is a named client configuration used to (re)build a Client.
type Variant struct {
	Name string `json:"name"`
	// CacheSizeBytes bounds the local cache; 0 keeps the client default.
	CacheSizeBytes int64 `json:"cache_size_bytes,omitempty"`
	// LongPolling forces long-polling instead of streaming transports.
	LongPolling bool `json:"long_polling,omitempty"`
	// PollInterval is used by polling transports for live queries.
	PollInterval time.Duration `json:"poll_interval,omitempty"`
	// Persistence enables the client's offline persistence layer.
	Persistence bool `json:"persistence,omitempty"`
}

func (v Variant) String() string {
	if v.Name == "" {
		return "default"
	}
	return v.Name
}

// DefaultVariants is the escalation ladder used when none is configured:
// the most minimal configuration first, then progressively different transports.
func DefaultVariants() []Variant {
	return []Variant{
		{Name: "minimal"},
		{Name: "bounded-cache", CacheSizeBytes: 40 << 20},
		{Name: "long-polling", LongPolling: true, PollInterval: 2 * time.Second},
	}
}

// Factory builds clients from variants.
type Factory interface {
	Build(ctx context.Context, v Variant) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, v Variant) (Client, error)

func (f FactoryFunc) Build(ctx context.Context, v Variant) (Client, error) { return f(ctx, v) }

// Source is the single indirection point for the current client.
//
// Consumers call Current() on every use and never keep the result beyond one
// operation, so a replacement is visible to everyone immediately.
type Source interface {
	Current() Client
}

// StaticSource always returns the same client.
type StaticSource struct{ C Client }

func (s StaticSource) Current() Client { return s.C }
