package app

import (
	"strings"
	"testing"
	"time"

	"alertflow/internal/config"
	"alertflow/internal/notify"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		wantErr string
	}{
		{"absent", nil, false, ""},
		{"none", &config.StorageConfig{Driver: "none"}, false, ""},
		{"file", &config.StorageConfig{Driver: "file", Path: "./store"}, true, ""},
		{"file without path", &config.StorageConfig{Driver: "file"}, false, "storage.path"},
		{"sqlite3 alias", &config.StorageConfig{Driver: "sqlite3", Path: "./a.db"}, true, ""},
		{"unknown driver", &config.StorageConfig{Driver: "redis", Path: "x"}, false, "unknown storage.driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if enabled != tc.enabled {
				t.Fatalf("enabled = %v, want %v", enabled, tc.enabled)
			}
			if tc.name == "sqlite3 alias" && sc.Driver != "sqlite" {
				t.Fatalf("driver = %q, want normalized sqlite", sc.Driver)
			}
		})
	}
}

func TestMapDispatchConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Dispatch: config.DispatchConfig{
		RetryDelay: "45s", MaxRetries: 4, SweepInterval: "30s", SendTimeout: "5s",
	}}
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		t.Fatalf("mapDispatchConfig: %v", err)
	}
	if dc.RetryDelay != 45*time.Second || dc.MaxRetries != 4 || dc.SendTimeout != 5*time.Second {
		t.Fatalf("mapped = %+v", dc)
	}

	cfg.Dispatch.MaxRetries = -1
	if _, err := mapDispatchConfig(cfg); err == nil {
		t.Fatalf("negative max_retries accepted")
	}

	cfg.Dispatch.MaxRetries = 0
	cfg.Dispatch.RetryDelay = "soonish"
	if _, err := mapDispatchConfig(cfg); err == nil {
		t.Fatalf("invalid retry_delay accepted")
	}
}

func TestMapRegistryConfigTelegramTopicChats(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Channels: []config.ChannelConfig{{
			ID: "tg", Type: "Telegram", Enabled: true,
			Telegram: &config.TelegramTarget{
				DefaultChat: 1,
				TopicChats:  map[string]int64{"security": 42},
			},
		}},
		Topics: []config.TopicConfig{
			{ID: "security", Channels: []string{"tg"}, DedupWindow: "10m", EscalationThreshold: int(notify.PriorityCritical)},
		},
	}
	rc, err := mapRegistryConfig(cfg)
	if err != nil {
		t.Fatalf("mapRegistryConfig: %v", err)
	}
	if rc.Channels[0].Type != notify.ChannelTelegram {
		t.Fatalf("channel type not normalized: %q", rc.Channels[0].Type)
	}
	if rc.Channels[0].Telegram.TopicChats[notify.TopicSecurity] != 42 {
		t.Fatalf("topic chat not mapped: %+v", rc.Channels[0].Telegram)
	}
	if rc.Topics[0].DedupWindow != 10*time.Minute {
		t.Fatalf("dedup window = %v", rc.Topics[0].DedupWindow)
	}

	cfg.Topics[0].EscalationThreshold = 99
	if _, err := mapRegistryConfig(cfg); err == nil {
		t.Fatalf("invalid escalation threshold accepted")
	}
}

func TestMapRecipients(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Recipients: []config.RecipientConfig{{
		ID: "ops", Channel: "telegram", Topics: []string{"security"}, MinPriority: "high", Enabled: true,
	}}}
	rs, err := mapRecipients(cfg)
	if err != nil {
		t.Fatalf("mapRecipients: %v", err)
	}
	if rs[0].MinPriority != notify.PriorityHigh || rs[0].Channel != notify.ChannelTelegram {
		t.Fatalf("mapped = %+v", rs[0])
	}

	bad := []config.RecipientConfig{
		{ID: "", Channel: "telegram", Enabled: true},
		{ID: "x", Channel: "carrier-pigeon", Enabled: true},
		{ID: "x", Channel: "telegram", MinPriority: "urgent", Enabled: true},
		{ID: "x", Channel: "telegram", Topics: []string{"weather"}, Enabled: true},
	}
	for i, r := range bad {
		if _, err := mapRecipients(&config.Config{Recipients: []config.RecipientConfig{r}}); err == nil {
			t.Fatalf("bad recipient %d accepted: %+v", i, r)
		}
	}
}

func TestMapWagerConfigTiers(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Monitors: config.MonitorsConfig{Wagers: config.WagerMonitorConfig{
		StakeTiers:  []float64{1000, 5000, 10000},
		PayoutTiers: []float64{20000, 50000},
		RapidGap:    "2m",
	}}}
	wc, err := mapWagerConfig(cfg)
	if err != nil {
		t.Fatalf("mapWagerConfig: %v", err)
	}
	if wc.StakeTiers[2] != 10000 || wc.PayoutTiers[1] != 50000 || wc.RapidGap != 2*time.Minute {
		t.Fatalf("mapped = %+v", wc)
	}

	cfg.Monitors.Wagers.StakeTiers = []float64{1000}
	if _, err := mapWagerConfig(cfg); err == nil {
		t.Fatalf("short stake_tiers accepted")
	}
}

func TestMapPollerConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Poller: config.PollerConfig{
		DefaultTimeout: "10s",
		Sources: map[string]config.SourceConfig{
			"security": {Enabled: true, URL: "https://feeds.test/sec", Interval: "5m"},
			"health":   {Enabled: false, URL: "https://feeds.test/health"},
		},
	}}
	pc, err := mapPollerConfig(cfg)
	if err != nil {
		t.Fatalf("mapPollerConfig: %v", err)
	}
	if !pc.Security.Enabled || pc.Security.Interval != 5*time.Minute || pc.DefaultTimeout != 10*time.Second {
		t.Fatalf("mapped = %+v", pc)
	}
	if pc.Health.Enabled {
		t.Fatalf("disabled source enabled")
	}

	cfg.Poller.Sources["weather"] = config.SourceConfig{Enabled: true, Interval: "1m"}
	if _, err := mapPollerConfig(cfg); err == nil {
		t.Fatalf("unknown source accepted")
	}
	delete(cfg.Poller.Sources, "weather")

	cfg.Poller.Sources["security"] = config.SourceConfig{Enabled: true, URL: "https://feeds.test/sec"}
	if _, err := mapPollerConfig(cfg); err == nil {
		t.Fatalf("enabled source without interval accepted")
	}
}

func TestMetricsAddrDefault(t *testing.T) {
	t.Parallel()
	if got := metricsAddr(&config.Config{}); got != "127.0.0.1:9290" {
		t.Fatalf("default addr = %q", got)
	}
	if got := metricsAddr(&config.Config{Metrics: config.MetricsConfig{Addr: " :9000 "}}); got != ":9000" {
		t.Fatalf("addr = %q", got)
	}
}
