package app

import (
	"context"
	"reflect"
	"slices"
	"strings"

	"imbus/internal/config"
	logx "imbus/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
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
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig applies what can change live: logging, channels, request
// options and the ops server. Transport and backoff settings are fixed for
// the lifetime of the bus.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(logConfig(newCfg))
	}

	if slices.Contains(sections, "channels") {
		added, removed := config.DiffChannels(oldCfg.Bus.Channels, newCfg.Bus.Channels)
		for _, id := range added {
			a.bus.AddChannel(id)
		}
		for _, id := range removed {
			if _, ok := a.pinned[id]; ok {
				continue
			}
			a.bus.DeleteChannel(id)
		}
	}

	if slices.Contains(sections, "bus") {
		a.applyOptions(oldCfg.Bus.Options, newCfg.Bus.Options)
		if needsRestart(oldCfg.Bus, newCfg.Bus) {
			a.log.Warn("bus transport settings changed; restart required for them to take effect")
		}
	}

	if slices.Contains(sections, "ops") {
		if s, err := newCfg.Ops.Settings(); err != nil {
			a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
		} else {
			a.ops.Reconfigure(ctx, mapOpsConfig(s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyOptions(oldOpts, newOpts map[string]any) {
	for k := range oldOpts {
		if _, ok := newOpts[k]; !ok {
			a.bus.SetOption(k, nil)
		}
	}
	for k, v := range newOpts {
		if ov, ok := oldOpts[k]; !ok || !reflect.DeepEqual(ov, v) {
			a.bus.SetOption(k, v)
		}
	}
}

func needsRestart(o, n config.BusConfig) bool {
	return strings.TrimSpace(o.Endpoint) != strings.TrimSpace(n.Endpoint) ||
		strings.TrimSpace(o.ErrorDelay) != strings.TrimSpace(n.ErrorDelay) ||
		strings.TrimSpace(o.MinPollInterval) != strings.TrimSpace(n.MinPollInterval) ||
		o.DropStale != n.DropStale ||
		o.MaxResponseBytes != n.MaxResponseBytes ||
		!reflect.DeepEqual(o.Headers, n.Headers)
}
