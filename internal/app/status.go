package app

import (
	"errors"
	"fmt"
	"time"

	"sitesync/internal/conn"
	"sitesync/internal/conn/health"
	"sitesync/internal/conn/reinit"
	"sitesync/internal/refresh"
	rtsup "sitesync/internal/runtime/supervisor"
	"sitesync/internal/subs"
)

// Status is the /status document.
type Status struct {
	StartedAt     time.Time                 `json:"started_at"`
	Uptime        string                    `json:"uptime"`
	Store         string                    `json:"store"`
	Connection    health.Status             `json:"connection"`
	Client        reinit.Status             `json:"client"`
	Retry         RetryStatus               `json:"retry"`
	Subscriptions SubsStatus                `json:"subscriptions"`
	Refresh       refresh.Status            `json:"refresh"`
	Loops         map[string]rtsup.Snapshot `json:"loops"`
}

type RetryStatus struct {
	MaxAttempts     int    `json:"max_attempts"`
	Delay           string `json:"delay"`
	ReinitOnAttempt int    `json:"reinit_on_attempt"`
	FailFastOffline bool   `json:"fail_fast_offline"`
}

type SubsStatus struct {
	Scope     string            `json:"scope"`
	Connected bool              `json:"connected"`
	Live      int               `json:"live"`
	Handles   []subs.HandleInfo `json:"handles"`
	Error     string            `json:"error,omitempty"`
}

func (a *App) Status() Status {
	p := a.retry.Policy()
	res := a.subs.Snapshot()
	st := Status{
		StartedAt:  a.startedAt,
		Store:      a.backend.Driver,
		Connection: a.monitor.Status(),
		Client:     a.reinit.Status(),
		Retry: RetryStatus{
			MaxAttempts:     p.MaxAttempts,
			Delay:           p.Delay.String(),
			ReinitOnAttempt: p.ReinitOnAttempt,
			FailFastOffline: p.FailFastOffline,
		},
		Subscriptions: SubsStatus{
			Scope:     a.subs.Scope(),
			Connected: a.subs.IsConnected(),
			Live:      a.subs.LiveHandles(),
			Handles:   a.subs.States(),
			Error:     res.Error,
		},
		Refresh: a.refresh.Status(),
		Loops:   map[string]rtsup.Snapshot{},
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	if a.sup != nil {
		st.Loops["app"] = a.sup.Snapshot()
	}
	if s := a.monitor.Supervisor(); s != nil {
		st.Loops["monitor"] = s.Snapshot()
	}
	if s := a.debug.Supervisor(); s != nil {
		st.Loops["debugsrv"] = s.Snapshot()
	}
	return st
}

// ready answers /readyz: the store must be online.
func (a *App) ready() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if st := a.monitor.State(); st != conn.StateOnline {
		return fmt.Errorf("store %s", st)
	}
	return nil
}
