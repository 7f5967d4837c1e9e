package config

import (
	"reflect"
	"sort"
	"strings"

	logx "alertflow/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
		)
	}

	// Telegram (never log the token, only whether it changed/is set)
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.retry_delay", newCfg.Dispatch.RetryDelay),
			logx.Int("dispatch.max_retries", newCfg.Dispatch.MaxRetries),
			logx.Bool("dispatch.persist_dedup", newCfg.Dispatch.PersistDedup),
		)
	}

	// Storage: nil means disabled.
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) ||
		!reflect.DeepEqual(oldCfg.Topics, newCfg.Topics) ||
		!reflect.DeepEqual(oldCfg.Categories, newCfg.Categories) {
		changed = append(changed, "routing")
		attrs = append(attrs,
			logx.Int("routing.channels", len(newCfg.Channels)),
			logx.Int("routing.topics", len(newCfg.Topics)),
			logx.Int("routing.categories", len(newCfg.Categories)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Recipients, newCfg.Recipients) {
		changed = append(changed, "recipients")
		attrs = append(attrs, logx.Int("recipients.count", len(newCfg.Recipients)))
	}

	if !reflect.DeepEqual(oldCfg.Monitors, newCfg.Monitors) {
		changed = append(changed, "monitors")
	}

	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		changed = append(changed, "poller")
		enabled := 0
		for _, s := range newCfg.Poller.Sources {
			if s.Enabled {
				enabled++
			}
		}
		attrs = append(attrs, logx.Int("poller.enabled_sources", enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}
