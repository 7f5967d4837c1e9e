package config

// Config is the full configuration file. JSON and YAML are both accepted;
// YAML is coerced to JSON and decoded strictly, so unknown keys fail early.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Metrics  MetricsConfig   `json:"metrics,omitempty"`
	Telegram TelegramConfig  `json:"telegram,omitempty"`
	Dispatch DispatchConfig  `json:"dispatch,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Channels []ChannelConfig `json:"channels"`
	Topics   []TopicConfig   `json:"topics"`

	Categories []CategoryConfig  `json:"categories,omitempty"`
	Recipients []RecipientConfig `json:"recipients"`
	Monitors   MonitorsConfig    `json:"monitors,omitempty"`
	Poller     PollerConfig      `json:"poller,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9290"
}

type TelegramConfig struct {
	Token string `json:"token"`
}

// DispatchConfig tunes the notification core.
type DispatchConfig struct {
	RetryDelay      string `json:"retry_delay,omitempty"`
	MaxRetries      int    `json:"max_retries,omitempty"`
	SweepInterval   string `json:"sweep_interval,omitempty"`
	GCInterval      string `json:"gc_interval,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	RecentErrors    int    `json:"recent_errors,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional dedup persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./alertflow_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// ChannelConfig is one delivery transport instance.
type ChannelConfig struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"` // telegram, webhook
	Enabled    bool            `json:"enabled"`
	RatePerSec int             `json:"rate_per_sec,omitempty"`
	QuietHours *QuietHours     `json:"quiet_hours,omitempty"`
	Webhook    *WebhookTarget  `json:"webhook,omitempty"`
	Telegram   *TelegramTarget `json:"telegram,omitempty"`
}

type QuietHours struct {
	Start            string `json:"start"` // "HH:MM"
	End              string `json:"end"`
	UTCOffsetMinutes int    `json:"utc_offset_minutes,omitempty"`
}

type WebhookTarget struct {
	URLs    []string          `json:"urls"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

type TelegramTarget struct {
	DefaultChat    int64            `json:"default_chat"`
	EscalationChat int64            `json:"escalation_chat,omitempty"`
	TopicChats     map[string]int64 `json:"topic_chats,omitempty"` // topic -> chat id
}

type TopicConfig struct {
	ID                  string   `json:"id"`
	Channels            []string `json:"channels"`
	DedupWindow         string   `json:"dedup_window,omitempty"`
	EscalationThreshold int      `json:"escalation_threshold,omitempty"`
	Category            string   `json:"category,omitempty"`
}

type CategoryConfig struct {
	ID                 string   `json:"id"`
	Topics             []string `json:"topics,omitempty"`
	ConsolidatedReport bool     `json:"consolidated_report,omitempty"`
	EscalationDelay    string   `json:"escalation_delay,omitempty"`
}

type RecipientConfig struct {
	ID          string         `json:"id"`
	Channel     string         `json:"channel"` // channel type: telegram, webhook
	Target      string         `json:"target,omitempty"`
	Topics      []string       `json:"topics"`
	MinPriority string         `json:"min_priority,omitempty"` // low, medium, high, critical
	Enabled     bool           `json:"enabled"`
	Filters     []FilterConfig `json:"filters,omitempty"`
}

type FilterConfig struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

type MonitorsConfig struct {
	Security    SecurityMonitorConfig `json:"security,omitempty"`
	Performance PerfMonitorConfig     `json:"performance,omitempty"`
	Wagers      WagerMonitorConfig    `json:"wagers,omitempty"`
}

type SecurityMonitorConfig struct {
	SeverityEnabled map[string]bool `json:"severity_enabled,omitempty"`
	BatchListLimit  int             `json:"batch_list_limit,omitempty"`
}

type PerfMonitorConfig struct {
	HistoryLimit        int                        `json:"history_limit,omitempty"`
	Cooldown            string                     `json:"cooldown,omitempty"`
	BaselineWindow      int                        `json:"baseline_window,omitempty"`
	Thresholds          map[string]ThresholdConfig `json:"thresholds,omitempty"`
	TrendEnabled        bool                       `json:"trend_enabled,omitempty"`
	TrendSamples        int                        `json:"trend_samples,omitempty"`
	TrendDegradationPct float64                    `json:"trend_degradation_pct,omitempty"`
}

type ThresholdConfig struct {
	Warning   float64 `json:"warning"`
	Critical  float64 `json:"critical"`
	Direction string  `json:"direction,omitempty"` // above (default), below
}

// WagerMonitorConfig exposes every transaction-pattern threshold. The
// defaults are illustrative heuristics; deployments are expected to tune
// them.
type WagerMonitorConfig struct {
	LargeBetAmount        float64   `json:"large_bet_amount,omitempty"`
	StakeTiers            []float64 `json:"stake_tiers,omitempty"`  // 3 ascending bounds
	PayoutTiers           []float64 `json:"payout_tiers,omitempty"` // 2 ascending bounds
	EstablishedAgentCount int       `json:"established_agent_count,omitempty"`
	VolumeSpikeMultiplier float64   `json:"volume_spike_multiplier,omitempty"`
	AgentPatternCount     int       `json:"agent_pattern_count,omitempty"`
	CustomerPatternCount  int       `json:"customer_pattern_count,omitempty"`
	RapidGap              string    `json:"rapid_gap,omitempty"`
	StructuringMinAmount  float64   `json:"structuring_min_amount,omitempty"`
	StructuringCount      int       `json:"structuring_count,omitempty"`
	AnalysisMinInterval   string    `json:"analysis_min_interval,omitempty"`
	HistoryLimit          int       `json:"history_limit,omitempty"`
	EntityHistoryLimit    int       `json:"entity_history_limit,omitempty"`
	CleanupMaxIdle        string    `json:"cleanup_max_idle,omitempty"`
}

type PollerConfig struct {
	DefaultTimeout string                  `json:"default_timeout,omitempty"`
	Sources        map[string]SourceConfig `json:"sources,omitempty"` // security, performance, health, build, wagers
}

type SourceConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Interval string `json:"interval"`
	Timeout  string `json:"timeout,omitempty"`
}
