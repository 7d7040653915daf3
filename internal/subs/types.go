package subs

import (
	"strings"
	"time"

	"sitesync/internal/conn/retry"
	"sitesync/internal/store"
)

// State is the lifecycle of one live query handle.
type State int

const (
	StateUninitialized State = iota
	StatePending
	StateActive
	StateFailed
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateTornDown:
		return "torn_down"
	default:
		return "uninitialized"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func allStates() []string {
	return []string{
		StateUninitialized.String(), StatePending.String(), StateActive.String(),
		StateFailed.String(), StateTornDown.String(),
	}
}

// ScopePlaceholder is replaced by the scope key in query templates.
const ScopePlaceholder = "{scope}"

// Definition is one named live query. Query builds the descriptor for a scope.
type Definition struct {
	Name  string
	Query func(scope string) store.Query
}

// FromTemplate returns a Definition whose collection and string filter values
// have ScopePlaceholder replaced by the scope key.
func FromTemplate(name string, tmpl store.Query) Definition {
	return Definition{
		Name: name,
		Query: func(scope string) store.Query {
			q := tmpl
			q.Collection = strings.ReplaceAll(tmpl.Collection, ScopePlaceholder, scope)
			if len(tmpl.Where) > 0 {
				q.Where = make([]store.Filter, len(tmpl.Where))
				for i, f := range tmpl.Where {
					if s, ok := f.Value.(string); ok {
						f.Value = strings.ReplaceAll(s, ScopePlaceholder, scope)
					}
					q.Where[i] = f
				}
			}
			return q
		},
	}
}

const (
	DefaultSetupTimeout = 10 * time.Second
	DefaultStartBudget  = 15 * time.Second
)

type Config struct {
	// SetupTimeout bounds each subscription's wait for its first snapshot.
	SetupTimeout time.Duration
	// StartBudget bounds the whole fan-out of one Start.
	StartBudget time.Duration
	// RefreshPolicy drives the one-shot queries of Refresh.
	RefreshPolicy retry.Policy
}

func (c Config) withDefaults() Config {
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = DefaultSetupTimeout
	}
	if c.StartBudget <= 0 {
		c.StartBudget = DefaultStartBudget
	}
	if c.StartBudget < c.SetupTimeout {
		c.StartBudget = c.SetupTimeout
	}
	if c.RefreshPolicy.MaxAttempts == 0 {
		c.RefreshPolicy = retry.DefaultPolicy()
	}
	if c.RefreshPolicy.Label == "" {
		c.RefreshPolicy.Label = "refresh"
	}
	return c
}

// Result is the shared, aggregated view of all feeds.
type Result struct {
	Scope     string                      `json:"scope"`
	Data      map[string][]store.Document `json:"data"`
	Loading   bool                        `json:"loading"`
	Err       error                       `json:"-"`
	Error     string                      `json:"error,omitempty"`
	UpdatedAt time.Time                   `json:"updated_at,omitempty"`
}

// HandleInfo describes one registered handle.
type HandleInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Updates   uint64    `json:"updates"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	ActiveAt  time.Time `json:"active_at,omitempty"`
}

// StateEvent is the payload of subs.state events.
type StateEvent struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
	ID    string `json:"id"`
	State State  `json:"state"`
	Error string `json:"error,omitempty"`
}

// RefreshEvent is the payload of subs.refresh events.
type RefreshEvent struct {
	Scope  string        `json:"scope"`
	OK     []string      `json:"ok,omitempty"`
	Failed []string      `json:"failed,omitempty"`
	Took   time.Duration `json:"took"`
}
