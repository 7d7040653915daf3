package journal

import (
	"context"
	"fmt"
	"time"

	"sitesync/internal/conn"
	"sitesync/internal/conn/health"
	"sitesync/internal/conn/reinit"
	"sitesync/internal/conn/retry"
	"sitesync/internal/eventbus"
	"sitesync/internal/subs"
	logx "sitesync/pkg/logx"
)

// Recorder copies connectivity events from the bus into a Store.
type Recorder struct {
	st       Store
	bus      eventbus.Bus
	log      logx.Logger
	throttle *logx.Throttle
}

func NewRecorder(st Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		st:       st,
		bus:      bus,
		log:      log.With(logx.String("comp", "journal.recorder")),
		throttle: logx.NewThrottle(time.Minute, 1),
	}
}

// Run consumes events until ctx ends. It returns nil when there is nothing to
// record.
func (r *Recorder) Run(ctx context.Context) error {
	if r.st == nil || r.bus == nil {
		return nil
	}
	ch, unsub := r.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			e, keep := ToEntry(ev)
			if !keep {
				continue
			}
			actx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.st.Append(actx, e)
			cancel()
			if err != nil {
				r.throttle.Warn(r.log, "append", "journal append failed", logx.String("kind", e.Kind), logx.Err(err))
			}
		}
	}
}

// ToEntry maps a bus event to a journal entry. Probe events are not recorded.
func ToEntry(ev eventbus.Event) (Entry, bool) {
	e := Entry{At: ev.Time, Kind: ev.Type}
	switch d := ev.Data.(type) {
	case health.StateChange:
		e.Subject = d.To.String()
		e.OK = d.To == conn.StateOnline
		e.Detail = fmt.Sprintf("from=%s class=%s", d.From, d.Result.Class)
		e.Error = d.Error
	case reinit.Event:
		e.Subject = d.Variant
		e.OK = d.OK
		e.Detail = fmt.Sprintf("index=%d class=%s elapsed=%s", d.Index, d.Class, d.Elapsed.Round(time.Millisecond))
		e.Error = d.Error
	case retry.Event:
		e.Subject = d.Label
		e.Detail = fmt.Sprintf("attempts=%d class=%s reinit=%t", d.Attempts, d.Class, d.Reinit)
		e.Error = d.Error
	case subs.StateEvent:
		if d.State != subs.StateActive && d.State != subs.StateFailed {
			return Entry{}, false
		}
		e.Subject = d.Name
		e.OK = d.State == subs.StateActive
		e.Detail = fmt.Sprintf("scope=%s state=%s", d.Scope, d.State)
		e.Error = d.Error
	case subs.RefreshEvent:
		e.Subject = d.Scope
		e.OK = len(d.Failed) == 0
		e.Detail = fmt.Sprintf("ok=%d failed=%v took=%s", len(d.OK), d.Failed, d.Took.Round(time.Millisecond))
	default:
		return Entry{}, false
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return e, true
}
