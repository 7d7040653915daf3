package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "sitesync/pkg/logx"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
)

// notify sends state to systemd. Outside a unit it is a no-op.
func (a *App) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the unit's WatchdogSec while the store
// check loop is alive. A monitor that stopped checking stops the pings.
func (a *App) watchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		return nil
	}
	if every <= 0 {
		a.log.Info("systemd watchdog not enabled for this unit")
		return nil
	}
	every /= 2
	t := time.NewTicker(every)
	defer t.Stop()
	a.log.Info("systemd watchdog enabled", logx.Duration("every", every))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if !a.monitorAlive(4 * every) {
				a.log.Warn("store monitor stalled; withholding watchdog ping")
				continue
			}
			a.notify(daemon.SdNotifyWatchdog)
		}
	}
}

func (a *App) monitorAlive(within time.Duration) bool {
	st := a.monitor.Status()
	if st.InFlight {
		return true
	}
	limit := st.Interval + within
	return st.LastCheck.IsZero() || time.Since(st.LastCheck) <= limit
}
