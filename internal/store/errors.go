package store

import (
	"context"
	"errors"
	"fmt"
)

// Code is a status code reported by a store client.
//
// The set mirrors the status codes managed document stores return; only the
// ones the connectivity runtime cares about are distinguished.
type Code int

const (
	CodeUnknown Code = iota
	CodeNotFound
	CodePermissionDenied
	CodeDeadlineExceeded
	CodeUnavailable
	CodeCanceled
	CodeInternal
	CodeInvalidArgument
)

func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "not-found"
	case CodePermissionDenied:
		return "permission-denied"
	case CodeDeadlineExceeded:
		return "deadline-exceeded"
	case CodeUnavailable:
		return "unavailable"
	case CodeCanceled:
		return "canceled"
	case CodeInternal:
		return "internal"
	case CodeInvalidArgument:
		return "invalid-argument"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned by operations on a client after Close.
	ErrClosed = &Error{Code: CodeUnavailable, Op: "client", Err: errors.New("client is closed")}
)

// Error is a store failure carrying a status code.
//
// Match it with errors.As, or use CodeOf.
type Error struct {
	Code Code
	Op   string // "read", "query", "subscribe", ...
	Path string // document path or collection (may be empty)
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("store %s %s: %s (%s)", e.Op, e.Path, msg, e.Code)
	case e.Op != "":
		return fmt.Sprintf("store %s: %s (%s)", e.Op, msg, e.Code)
	default:
		return fmt.Sprintf("store: %s (%s)", msg, e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted cause.
func Errorf(code Code, op, path, format string, args ...any) error {
	return &Error{Code: code, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the status code from err.
//
// Context errors map to DeadlineExceeded/Canceled so callers that only see a
// context failure still get a useful code.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeUnknown
}
