// Package journal persists connectivity history: state changes, client
// rebuilds, exhausted retries and subscription failures.
//
// Drivers:
//   - "file":   JSON Lines, compacted to the newest MaxEntries records
//   - "sqlite": SQLite table, pruned to the newest MaxEntries rows
//
// An empty driver or "none" disables the journal (Open returns nil, nil).
package journal

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("journal disabled")

const DefaultMaxEntries = 10000

type Config struct {
	Driver      string
	Path        string
	MaxEntries  int
	BusyTimeout time.Duration // sqlite only
}

// Entry is one journal record. Keep it compact and schema-stable.
type Entry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`    // event type, e.g. "conn.state"
	Subject string    `json:"subject"` // state, variant, label or subscription name
	OK      bool      `json:"ok"`
	Detail  string    `json:"detail,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to n entries, newest first.
	Recent(ctx context.Context, n int) ([]Entry, error)
	Close() error
}
