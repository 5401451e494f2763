package config

import (
	"reflect"
	"sort"
	"strings"

	logx "broadcastd/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Secrets (tokens, DSNs, broker URLs) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.IsProduction() != newCfg.IsProduction() {
		changed = append(changed, "env")
		attrs = append(attrs, logx.Bool("env.production", newCfg.IsProduction()))
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.RatePerSec != nt.RatePerSec ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		(ot.Token != "") != (nt.Token != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.token_set", nt.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oldS, ns := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oldS.Driver) != strings.TrimSpace(ns.Driver) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(ns.Path) ||
		oldS.DSN != ns.DSN ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(ns.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.dsn_set", ns.DSN != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.disabled", newCfg.Broadcast.Disabled),
			logx.String("broadcast.tick_base", strings.TrimSpace(newCfg.Broadcast.TickBase)),
			logx.Int("broadcast.batch_size", newCfg.Broadcast.BatchSize),
		)
	}

	on, _ := oldCfg.ResolveNotifier()
	nn, _ := newCfg.ResolveNotifier()
	if on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}

	oa, na := oldCfg.Events.AMQP, newCfg.Events.AMQP
	if oa.Enabled != na.Enabled || oa.URL != na.URL || strings.TrimSpace(oa.Exchange) != strings.TrimSpace(na.Exchange) {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.amqp_enabled", na.Enabled),
			logx.Bool("events.amqp_url_set", na.URL != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
