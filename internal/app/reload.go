package app

import (
	"context"

	"sitesync/internal/config"
	logx "sitesync/pkg/logx"
)

// validate is the config manager's last check before a reload is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	_, err := mapSettings(cfg)
	return err
}

func (a *App) reloadLoop(ctx context.Context) error {
	ch := a.cfgC
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			// coalesce bursts; only the newest matters
			for more := true; more; {
				select {
				case next, ok := <-ch:
					if !ok {
						more = false
						break
					}
					cfg = next
				default:
					more = false
				}
			}
			a.applyConfig(ctx, cfg)
		}
	}
}

// applyConfig pushes a committed config into the running components.
// Sections that need a restart are logged and left alone.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	set, err := mapSettings(cfg)
	if err != nil {
		a.log.Warn("reload ignored: config does not map", logx.Err(err))
		return
	}

	a.mu.Lock()
	prevCfg := a.cfg
	prev := a.set
	// restart-required sections keep their running values
	set.storeDriver, set.sqlite, set.sentinel = prev.storeDriver, prev.sqlite, prev.sentinel
	set.reinit, set.journal, set.systemd = prev.reinit, prev.journal, prev.systemd
	a.set = set
	a.cfg = cfg
	a.mu.Unlock()

	change, fields := config.SummarizeConfigChange(prevCfg, cfg)
	if change.Empty() {
		a.log.Debug("reload: nothing changed")
		return
	}
	a.log.Info("config reloaded", fields...)

	a.logs.Apply(set.logs)
	a.monitor.Apply(set.monitor)
	a.retry.Apply(set.retry)
	a.subs.Apply(set.subs)
	if change.FeedsChanged {
		a.subs.SetDefinitions(set.defs)
	}
	if change.ScopeChanged || change.FeedsChanged {
		a.resubscribe(ctx, "reload", false)
	}
	if err := a.refresh.Apply(set.refresh); err != nil {
		a.log.Warn("refresh schedule not applied", logx.Err(err))
	}
	a.debug.Reconfigure(ctx, set.debug)

	if len(change.RestartRequired) > 0 {
		a.log.Warn("some changes take effect only after restart", logx.Any("sections", change.RestartRequired))
	}
}
