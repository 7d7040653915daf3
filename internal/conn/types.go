// Package conn holds the connectivity vocabulary shared by the resilience
// runtime (states, error classes, probe results) plus the probe executor.
//
// The error classification here is the crux of the runtime: "not found" and
// "permission denied" prove the store is reachable, timeouts and unavailability
// are transient, and everything else is unknown.
package conn

import (
	"strings"
	"time"
)

// State is the connectivity state published by the health monitor.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
	StateChecking
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateChecking:
		return "checking"
	default:
		return "unknown"
	}
}

// AllStates lists every state (metrics label set).
func AllStates() []string {
	return []string{StateUnknown.String(), StateOnline.String(), StateOffline.String(), StateChecking.String()}
}

// Class is the classification of an operation error.
type Class int

const (
	// ClassNone means the operation succeeded.
	ClassNone Class = iota
	// ClassDefinitive is "not found" or "permission denied": the request
	// reached the server and was adjudicated.
	ClassDefinitive
	ClassTimeout
	ClassUnavailable
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassDefinitive:
		return "expected_not_found_or_permission"
	case ClassTimeout:
		return "timeout"
	case ClassUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Transient reports whether the class is worth retrying.
func (c Class) Transient() bool { return c == ClassTimeout || c == ClassUnavailable }

// Outcome is the verdict of a single probe.
type Outcome int

const (
	Reachable Outcome = iota
	Unreachable
	Inconclusive
)

func (o Outcome) String() string {
	switch o {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "inconclusive"
	}
}

// UnknownPolicy decides what an Inconclusive probe means.
type UnknownPolicy int

const (
	// FailOpen treats unclassified errors as proof of reachability.
	FailOpen UnknownPolicy = iota
	// FailClosed treats unclassified errors as unreachability.
	FailClosed
)

func (p UnknownPolicy) String() string {
	if p == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// ParseUnknownPolicy accepts "fail_open"/"open" and "fail_closed"/"closed".
// Empty or unrecognized values default to FailOpen.
func ParseUnknownPolicy(s string) UnknownPolicy {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "fail_closed", "closed":
		return FailClosed
	default:
		return FailOpen
	}
}

// ProbeResult is produced per probe and consumed immediately by the caller.
type ProbeResult struct {
	ID      string        `json:"id"`
	Outcome Outcome       `json:"outcome"`
	Class   Class         `json:"class"`
	Elapsed time.Duration `json:"elapsed"`
	Err     error         `json:"-"`
}

// Reachable reports whether the result counts as "online" under policy.
func (r ProbeResult) Reachable(policy UnknownPolicy) bool {
	switch r.Outcome {
	case Reachable:
		return true
	case Inconclusive:
		return policy == FailOpen
	default:
		return false
	}
}

// ErrString is the error text for logs/events ("" when nil).
func (r ProbeResult) ErrString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func (s State) MarshalText() ([]byte, error)   { return []byte(s.String()), nil }
func (c Class) MarshalText() ([]byte, error)   { return []byte(c.String()), nil }
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }
