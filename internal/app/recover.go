package app

import (
	"context"
	"time"

	"sitesync/internal/conn"
	"sitesync/internal/subs"
	logx "sitesync/pkg/logx"
)

// onState runs after every monitor check and must not block. Offline ticks
// keep arriving while the store stays down, so a failed rebuild is retried
// on the next one.
func (a *App) onState(st conn.State) {
	select {
	case a.stateC <- st:
	default:
		// a pending state already wakes the loop; it re-reads the monitor
	}
}

// recoverLoop reacts to connection state changes: offline rebuilds the
// client, online makes sure the live feeds run on the current client.
func (a *App) recoverLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stateC:
		}
		switch a.monitor.State() {
		case conn.StateOffline:
			a.recover(ctx)
			a.drainStates()
		case conn.StateOnline:
			if a.feedsStale() {
				a.resubscribe(ctx, "online", false)
			}
		}
	}
}

// drainStates drops wakeups queued while a rebuild ran; the next check
// after it re-arms the loop.
func (a *App) drainStates() {
	for {
		select {
		case <-a.stateC:
		default:
			return
		}
	}
}

// recover rebuilds the client and, if that works, re-checks and resubscribes.
func (a *App) recover(ctx context.Context) {
	start := time.Now()
	c, ok := a.reinit.Reinitialize(ctx)
	if !ok {
		a.log.Warn("client rebuild failed; keeping previous client",
			logx.Duration("took", time.Since(start)))
		return
	}
	_, variant := a.reinit.Variant()
	a.log.Info("client rebuilt", logx.String("variant", variant), logx.Duration("took", time.Since(start)))

	if st := a.monitor.CheckNow(ctx); st != conn.StateOnline {
		a.log.Warn("store still not online after rebuild", logx.String("state", st.String()))
	}
	a.subsMu.Lock()
	stale := a.subsClient != nil && a.subsClient != c
	a.subsMu.Unlock()
	if stale {
		a.resubscribe(ctx, "reinit", false)
	}
}

// feedsStale reports whether the live feeds were started on an older client
// or have a failed listener.
func (a *App) feedsStale() bool {
	a.subsMu.Lock()
	started := a.subsClient
	a.subsMu.Unlock()
	if started == nil {
		return false
	}
	if started != a.reinit.Current() {
		return true
	}
	for _, h := range a.subs.States() {
		if h.State == subs.StateFailed {
			return true
		}
	}
	return false
}

// resubscribe restarts the live feeds for the configured scope on the current
// client. With initial set it only runs if nothing was started yet.
func (a *App) resubscribe(ctx context.Context, why string, initial bool) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	if initial && a.subsClient != nil {
		return
	}
	scope := a.scope()
	c := a.reinit.Current()
	if c == nil {
		return
	}
	a.subs.Start(ctx, scope)
	a.subsClient = c

	res := a.subs.Snapshot()
	fields := []logx.Field{
		logx.String("why", why),
		logx.String("scope", scope),
		logx.Int("live", a.subs.LiveHandles()),
	}
	if res.Err != nil {
		a.log.Warn("subscriptions started with errors", append(fields, logx.Err(res.Err))...)
		return
	}
	a.log.Info("subscriptions started", fields...)
}

func (a *App) scope() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.set.scope
}
