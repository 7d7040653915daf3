package conn

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"sitesync/internal/store"
)

// signature maps a lower-cased error text fragment to a class. It covers
// errors that reach us without a store.Code (wrapped SDK or transport errors).
type signature struct {
	frag  string
	class Class
}

var signatures = []signature{
	{"not-found", ClassDefinitive},
	{"not found", ClassDefinitive},
	{"permission-denied", ClassDefinitive},
	{"permission denied", ClassDefinitive},
	{"missing or insufficient permissions", ClassDefinitive},
	{"deadline-exceeded", ClassTimeout},
	{"deadline exceeded", ClassTimeout},
	{"timed out", ClassTimeout},
	{"timeout", ClassTimeout},
	{"unavailable", ClassUnavailable},
	{"client is offline", ClassUnavailable},
	{"offline", ClassUnavailable},
	{"connection refused", ClassUnavailable},
	{"connection reset", ClassUnavailable},
	{"network is unreachable", ClassUnavailable},
	{"no such host", ClassUnavailable},
}

// Classify maps an operation error onto the runtime's error taxonomy.
//
// Structured signals win over text: store codes first, then net/syscall
// errors, then the signature table. Caller cancellation is never transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	switch store.CodeOf(err) {
	case store.CodeNotFound, store.CodePermissionDenied:
		return ClassDefinitive
	case store.CodeDeadlineExceeded:
		return ClassTimeout
	case store.CodeUnavailable:
		return ClassUnavailable
	case store.CodeCanceled, store.CodeInternal, store.CodeInvalidArgument:
		return ClassUnknown
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return ClassUnavailable
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return ClassUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, s := range signatures {
		if strings.Contains(msg, s.frag) {
			return s.class
		}
	}
	return ClassUnknown
}
