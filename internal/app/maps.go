package app

import (
	"fmt"
	"strings"
	"time"

	"alertflow/internal/config"
	"alertflow/internal/monitor/perf"
	"alertflow/internal/monitor/security"
	"alertflow/internal/monitor/wager"
	"alertflow/internal/notify"
	"alertflow/internal/notify/dispatch"
	"alertflow/internal/notify/registry"
	"alertflow/internal/poller"
	"alertflow/internal/storage"
)

// Mapping functions translate the raw config file (strings for durations,
// plain ints for priorities) into the typed configs each component takes.
// They are also the validation surface: the config watcher calls them before
// committing a reload.

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	retryDelay, err := config.ParseDurationField("dispatch.retry_delay", d.RetryDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	sweep, err := config.ParseDurationField("dispatch.sweep_interval", d.SweepInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	gc, err := config.ParseDurationField("dispatch.gc_interval", d.GCInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	if d.MaxRetries < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.max_retries must be >= 0")
	}
	return dispatch.Config{
		RetryDelay:      retryDelay,
		MaxRetries:      d.MaxRetries,
		SweepInterval:   sweep,
		GCInterval:      gc,
		SendTimeout:     sendTimeout,
		DedupMaxEntries: d.DedupMaxEntries,
		RecentErrors:    d.RecentErrors,
		PersistDedup:    d.PersistDedup,
	}, nil
}

func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	out := registry.Config{
		Channels:   make([]registry.ChannelConfig, 0, len(cfg.Channels)),
		Topics:     make([]registry.TopicConfig, 0, len(cfg.Topics)),
		Categories: make([]registry.CategoryConfig, 0, len(cfg.Categories)),
	}

	for _, c := range cfg.Channels {
		rc := registry.ChannelConfig{
			ID:         c.ID,
			Type:       notify.ChannelType(strings.ToLower(strings.TrimSpace(c.Type))),
			Enabled:    c.Enabled,
			RatePerSec: c.RatePerSec,
		}
		if c.QuietHours != nil {
			rc.Quiet = &registry.QuietHours{
				Start:            c.QuietHours.Start,
				End:              c.QuietHours.End,
				UTCOffsetMinutes: c.QuietHours.UTCOffsetMinutes,
			}
		}
		if c.Webhook != nil {
			timeout, err := config.ParseDurationField("channels."+c.ID+".webhook.timeout", c.Webhook.Timeout)
			if err != nil {
				return registry.Config{}, err
			}
			rc.Webhook = &registry.WebhookSettings{
				URLs:    append([]string(nil), c.Webhook.URLs...),
				Headers: c.Webhook.Headers,
				Timeout: timeout,
			}
		}
		if c.Telegram != nil {
			ts := &registry.TelegramSettings{
				DefaultChat:    c.Telegram.DefaultChat,
				EscalationChat: c.Telegram.EscalationChat,
			}
			if len(c.Telegram.TopicChats) > 0 {
				ts.TopicChats = make(map[notify.Topic]int64, len(c.Telegram.TopicChats))
				for topic, chat := range c.Telegram.TopicChats {
					ts.TopicChats[notify.Topic(topic)] = chat
				}
			}
			rc.Telegram = ts
		}
		out.Channels = append(out.Channels, rc)
	}

	for _, t := range cfg.Topics {
		window, err := config.ParseDurationField("topics."+t.ID+".dedup_window", t.DedupWindow)
		if err != nil {
			return registry.Config{}, err
		}
		if t.EscalationThreshold != 0 && !notify.Priority(t.EscalationThreshold).Valid() {
			return registry.Config{}, fmt.Errorf("topics.%s.escalation_threshold: invalid priority %d", t.ID, t.EscalationThreshold)
		}
		out.Topics = append(out.Topics, registry.TopicConfig{
			ID:                  notify.Topic(t.ID),
			Channels:            append([]string(nil), t.Channels...),
			DedupWindow:         window,
			EscalationThreshold: notify.Priority(t.EscalationThreshold),
			Category:            t.Category,
		})
	}

	for _, c := range cfg.Categories {
		delay, err := config.ParseDurationField("categories."+c.ID+".escalation_delay", c.EscalationDelay)
		if err != nil {
			return registry.Config{}, err
		}
		topics := make([]notify.Topic, 0, len(c.Topics))
		for _, t := range c.Topics {
			topics = append(topics, notify.Topic(t))
		}
		out.Categories = append(out.Categories, registry.CategoryConfig{
			ID:                 c.ID,
			Topics:             topics,
			ConsolidatedReport: c.ConsolidatedReport,
			EscalationDelay:    delay,
		})
	}
	return out, nil
}

var priorityNames = map[string]notify.Priority{
	"low":      notify.PriorityLow,
	"medium":   notify.PriorityMedium,
	"high":     notify.PriorityHigh,
	"critical": notify.PriorityCritical,
}

func mapRecipients(cfg *config.Config) ([]notify.Recipient, error) {
	out := make([]notify.Recipient, 0, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		if strings.TrimSpace(r.ID) == "" {
			return nil, fmt.Errorf("recipient with empty id")
		}
		ct := notify.ChannelType(strings.ToLower(strings.TrimSpace(r.Channel)))
		if ct != notify.ChannelTelegram && ct != notify.ChannelWebhook {
			return nil, fmt.Errorf("recipients.%s: unknown channel %q", r.ID, r.Channel)
		}
		minPrio := notify.PriorityLow
		if s := strings.ToLower(strings.TrimSpace(r.MinPriority)); s != "" {
			p, ok := priorityNames[s]
			if !ok {
				return nil, fmt.Errorf("recipients.%s: unknown min_priority %q", r.ID, r.MinPriority)
			}
			minPrio = p
		}
		topics := make([]notify.Topic, 0, len(r.Topics))
		for _, t := range r.Topics {
			topic := notify.Topic(t)
			if !topic.Valid() {
				return nil, fmt.Errorf("recipients.%s: unknown topic %q", r.ID, t)
			}
			topics = append(topics, topic)
		}
		filters := make([]notify.Filter, 0, len(r.Filters))
		for _, f := range r.Filters {
			filters = append(filters, notify.Filter{
				Field: f.Field,
				Op:    notify.FilterOp(f.Op),
				Value: f.Value,
			})
		}
		out = append(out, notify.Recipient{
			ID:          r.ID,
			Channel:     ct,
			Target:      r.Target,
			Topics:      topics,
			MinPriority: minPrio,
			Enabled:     r.Enabled,
			Filters:     filters,
		})
	}
	return out, nil
}

func mapSecurityConfig(cfg *config.Config) security.Config {
	m := cfg.Monitors.Security
	return security.Config{
		SeverityEnabled: m.SeverityEnabled,
		BatchListLimit:  m.BatchListLimit,
	}
}

func mapPerfConfig(cfg *config.Config) (perf.Config, error) {
	m := cfg.Monitors.Performance
	cooldown, err := config.ParseDurationField("monitors.performance.cooldown", m.Cooldown)
	if err != nil {
		return perf.Config{}, err
	}
	var thresholds map[string]perf.Threshold
	if len(m.Thresholds) > 0 {
		thresholds = make(map[string]perf.Threshold, len(m.Thresholds))
		for name, t := range m.Thresholds {
			dir := strings.ToLower(strings.TrimSpace(t.Direction))
			if dir != "" && dir != "above" && dir != "below" {
				return perf.Config{}, fmt.Errorf("monitors.performance.thresholds.%s: unknown direction %q", name, t.Direction)
			}
			thresholds[name] = perf.Threshold{
				Warning:   t.Warning,
				Critical:  t.Critical,
				Direction: dir,
			}
		}
	}
	return perf.Config{
		HistoryLimit:        m.HistoryLimit,
		Cooldown:            cooldown,
		BaselineWindow:      m.BaselineWindow,
		Thresholds:          thresholds,
		TrendEnabled:        m.TrendEnabled,
		TrendSamples:        m.TrendSamples,
		TrendDegradationPct: m.TrendDegradationPct,
	}, nil
}

func mapWagerConfig(cfg *config.Config) (wager.Config, error) {
	m := cfg.Monitors.Wagers
	rapidGap, err := config.ParseDurationField("monitors.wagers.rapid_gap", m.RapidGap)
	if err != nil {
		return wager.Config{}, err
	}
	minInterval, err := config.ParseDurationField("monitors.wagers.analysis_min_interval", m.AnalysisMinInterval)
	if err != nil {
		return wager.Config{}, err
	}
	out := wager.Config{
		LargeBetAmount:        m.LargeBetAmount,
		EstablishedAgentCount: m.EstablishedAgentCount,
		VolumeSpikeMultiplier: m.VolumeSpikeMultiplier,
		AgentPatternCount:     m.AgentPatternCount,
		CustomerPatternCount:  m.CustomerPatternCount,
		RapidGap:              rapidGap,
		StructuringMinAmount:  m.StructuringMinAmount,
		StructuringCount:      m.StructuringCount,
		AnalysisMinInterval:   minInterval,
		HistoryLimit:          m.HistoryLimit,
		EntityHistoryLimit:    m.EntityHistoryLimit,
	}
	if len(m.StakeTiers) > 0 {
		if len(m.StakeTiers) != len(out.StakeTiers) {
			return wager.Config{}, fmt.Errorf("monitors.wagers.stake_tiers: want %d ascending bounds", len(out.StakeTiers))
		}
		copy(out.StakeTiers[:], m.StakeTiers)
	}
	if len(m.PayoutTiers) > 0 {
		if len(m.PayoutTiers) != len(out.PayoutTiers) {
			return wager.Config{}, fmt.Errorf("monitors.wagers.payout_tiers: want %d ascending bounds", len(out.PayoutTiers))
		}
		copy(out.PayoutTiers[:], m.PayoutTiers)
	}
	return out, nil
}

func mapWagerCleanupIdle(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("monitors.wagers.cleanup_max_idle",
		cfg.Monitors.Wagers.CleanupMaxIdle, 24*time.Hour)
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	defTimeout, err := config.ParseDurationField("poller.default_timeout", cfg.Poller.DefaultTimeout)
	if err != nil {
		return poller.Config{}, err
	}
	out := poller.Config{DefaultTimeout: defTimeout}

	for name, src := range cfg.Poller.Sources {
		interval, err := config.ParseDurationField("poller.sources."+name+".interval", src.Interval)
		if err != nil {
			return poller.Config{}, err
		}
		timeout, err := config.ParseDurationField("poller.sources."+name+".timeout", src.Timeout)
		if err != nil {
			return poller.Config{}, err
		}
		if src.Enabled && interval <= 0 {
			return poller.Config{}, fmt.Errorf("poller.sources.%s: interval is required when enabled", name)
		}
		sc := poller.SourceConfig{
			Enabled:  src.Enabled,
			URL:      strings.TrimSpace(src.URL),
			Interval: interval,
			Timeout:  timeout,
		}
		switch name {
		case "security":
			out.Security = sc
		case "performance":
			out.Performance = sc
		case "health":
			out.Health = sc
		case "build":
			out.Build = sc
		case "wagers":
			out.Wagers = sc
		default:
			return poller.Config{}, fmt.Errorf("poller.sources: unknown source %q", name)
		}
	}
	return out, nil
}

func metricsAddr(cfg *config.Config) string {
	addr := strings.TrimSpace(cfg.Metrics.Addr)
	if addr == "" {
		addr = "127.0.0.1:9290"
	}
	return addr
}
