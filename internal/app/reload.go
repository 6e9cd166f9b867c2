package app

import (
	"context"
	"slices"
	"strings"

	"recurpay/internal/config"
	logx "recurpay/pkg/logx"
	"recurpay/pkg/systemd"
)

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig pushes the live sections of newCfg into the running
// components. Sections read only at startup are logged and left alone.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("applying config", fields...)

	if _, err := systemd.Reloading(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}
	defer func() {
		if _, err := systemd.Ready(); err != nil {
			a.log.Debug("systemd notify failed", logx.Err(err))
		}
	}()

	has := func(name string) bool { return slices.Contains(sections, name) }

	if has("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if has("telegram") {
		a.log.Warn("telegram token changed; restart required for alerts to use it")
	}
	if has("task_engine") {
		if ecfg, err := mapTaskEngineConfig(newCfg); err != nil {
			a.log.Warn("task engine config rejected", logx.Err(err))
		} else {
			a.engine.Apply(ctx, ecfg)
		}
	}
	if has("scheduler") || has("dispatch") {
		bcfg, err := mapBatchConfig(newCfg)
		if err != nil {
			a.log.Warn("dispatch config rejected", logx.Err(err))
		} else {
			a.setBatch(bcfg)
			a.sched.Apply(ctx, mapSchedulerConfig(newCfg))
			if err := a.registerSchedules(); err != nil {
				a.log.Error("schedule update failed", logx.Err(err))
			}
		}
	}
	if has("notifier") {
		if ncfg, err := mapNotifierConfig(newCfg); err != nil {
			a.log.Warn("notifier config rejected", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
		}
	}
	if has("status") {
		if scfg, err := mapStatusConfig(newCfg); err != nil {
			a.log.Warn("status config rejected", logx.Err(err))
		} else {
			a.status.Reconfigure(ctx, scfg)
		}
	}
	if has("restart_required") {
		a.log.Warn("ledger, storage or lock config changed; restart required for changes to take effect")
	}
}
