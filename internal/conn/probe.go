package conn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitesync/internal/store"
)

const (
	// DefaultSentinelPath is the well-known document read by probes. It does
	// not need to exist: "not found" is as good a proof of reachability as data.
	DefaultSentinelPath = "_health/ping"
	DefaultProbeTimeout = 5 * time.Second
)

var (
	ErrProbeTimeout = errors.New("probe timed out")
	ErrNoClient     = errors.New("no client installed")
)

// Prober runs single bounded-time reachability checks.
//
// It has no mutable state and is safe for concurrent use.
type Prober struct {
	path string
	def  time.Duration
}

// NewProber returns a prober reading path (DefaultSentinelPath if empty).
func NewProber(path string, defaultTimeout time.Duration) *Prober {
	if path == "" {
		path = DefaultSentinelPath
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultProbeTimeout
	}
	return &Prober{path: path, def: defaultTimeout}
}

func (p *Prober) Path() string { return p.path }

// Probe reads the sentinel document through c, racing it against timeout.
//
// The returned result is final: if the timer fires first the read keeps running
// in the background and its late completion is discarded. Probe never panics
// and never blocks longer than timeout (or ctx).
func (p *Prober) Probe(ctx context.Context, c store.Client, timeout time.Duration) ProbeResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = p.def
	}
	start := time.Now()
	res := ProbeResult{ID: uuid.NewString()}
	finish := func(o Outcome, cl Class, err error) ProbeResult {
		res.Outcome = o
		res.Class = cl
		res.Err = err
		res.Elapsed = time.Since(start)
		return res
	}

	if c == nil {
		return finish(Unreachable, ClassUnavailable, ErrNoClient)
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe read panicked: %v", r)
			}
		}()
		_, _, err := c.ReadOne(pctx, p.path)
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return finish(Unreachable, ClassTimeout, ctx.Err())
		}
		switch cl := Classify(err); cl {
		case ClassNone, ClassDefinitive:
			return finish(Reachable, cl, err)
		case ClassTimeout, ClassUnavailable:
			return finish(Unreachable, cl, err)
		default:
			return finish(Inconclusive, ClassUnknown, err)
		}
	case <-timer.C:
		return finish(Unreachable, ClassTimeout, ErrProbeTimeout)
	case <-ctx.Done():
		return finish(Unreachable, ClassTimeout, ctx.Err())
	}
}
