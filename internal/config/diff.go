package config

import (
	"reflect"
	"strings"

	logx "imbus/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging. Header values are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 3)
	attrs := make([]logx.Field, 0, 12)

	ob, nb := oldCfg.Bus, newCfg.Bus
	if strings.TrimSpace(ob.Endpoint) != strings.TrimSpace(nb.Endpoint) ||
		strings.TrimSpace(ob.ErrorDelay) != strings.TrimSpace(nb.ErrorDelay) ||
		strings.TrimSpace(ob.MinPollInterval) != strings.TrimSpace(nb.MinPollInterval) ||
		ob.DropStale != nb.DropStale ||
		ob.MaxResponseBytes != nb.MaxResponseBytes ||
		!reflect.DeepEqual(ob.Options, nb.Options) ||
		!reflect.DeepEqual(ob.Headers, nb.Headers) {
		changed = append(changed, "bus")
		attrs = append(attrs,
			logx.String("bus.endpoint", strings.TrimSpace(nb.Endpoint)),
			logx.String("bus.error_delay", strings.TrimSpace(nb.ErrorDelay)),
			logx.String("bus.min_poll_interval", strings.TrimSpace(nb.MinPollInterval)),
			logx.Bool("bus.drop_stale", nb.DropStale),
			logx.Int64("bus.max_response_bytes", nb.MaxResponseBytes),
			logx.Int("bus.header_count", len(nb.Headers)),
		)
	}

	added, removed := DiffChannels(ob.Channels, nb.Channels)
	if len(added) > 0 || len(removed) > 0 {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Strings("channels.added", added),
			logx.Strings("channels.removed", removed),
		)
	}

	ol, nl := oldCfg.Logging, newCfg.Logging
	if ol.Level != nl.Level || ol.Console != nl.Console ||
		ol.File.Enabled != nl.File.Enabled ||
		strings.TrimSpace(ol.File.Path) != strings.TrimSpace(nl.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}

	return changed, attrs
}

// DiffChannels returns the ids present only in newIDs (added) and only in
// oldIDs (removed). Blank ids are ignored; order follows the input.
func DiffChannels(oldIDs, newIDs []string) (added, removed []string) {
	oldSet := channelSet(oldIDs)
	newSet := channelSet(newIDs)
	for _, id := range newIDs {
		id = strings.TrimSpace(id)
		if _, ok := oldSet[id]; !ok && id != "" {
			added = append(added, id)
			oldSet[id] = struct{}{}
		}
	}
	for _, id := range oldIDs {
		id = strings.TrimSpace(id)
		if _, ok := newSet[id]; !ok && id != "" {
			removed = append(removed, id)
			newSet[id] = struct{}{}
		}
	}
	return added, removed
}

func channelSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			m[id] = struct{}{}
		}
	}
	return m
}
