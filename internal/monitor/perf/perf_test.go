package perf

import (
	"context"
	"sync"
	"testing"
	"time"

	"alertflow/internal/notify"
	logx "alertflow/pkg/logx"
)

type captureSender struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *captureSender) Send(_ context.Context, n notify.Notification) []notify.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return []notify.Result{{Success: true}}
}

func (c *captureSender) all() []notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notify.Notification, len(c.sent))
	copy(out, c.sent)
	return out
}

func latencyConfig() Config {
	return Config{
		Thresholds: map[string]Threshold{
			"latency_ms": {Warning: 150, Critical: 300, Direction: "above"},
		},
	}
}

func TestStaticThresholds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		value     float64
		wantSent  int
		wantPrio  notify.Priority
		wantBound float64
	}{
		{"critical breach", 320, 1, notify.PriorityCritical, 300},
		{"warning breach", 200, 1, notify.PriorityHigh, 150},
		{"no breach", 100, 0, 0, 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cs := &captureSender{}
			m := New(latencyConfig(), cs, logx.Nop())

			m.RecordMetric(context.Background(), "latency_ms", tc.value, "ms")

			sent := cs.all()
			if len(sent) != tc.wantSent {
				t.Fatalf("sent = %d, want %d", len(sent), tc.wantSent)
			}
			if tc.wantSent == 0 {
				return
			}
			n := sent[0]
			if n.Priority != tc.wantPrio {
				t.Fatalf("priority = %s, want %s", n.Priority, tc.wantPrio)
			}
			if n.Performance == nil {
				t.Fatal("missing performance detail")
			}
			if n.Performance.Value != tc.value || n.Performance.Threshold != tc.wantBound {
				t.Fatalf("detail = value %g threshold %g, want %g/%g",
					n.Performance.Value, n.Performance.Threshold, tc.value, tc.wantBound)
			}
		})
	}
}

func TestDirectionBelow(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	m := New(Config{
		Thresholds: map[string]Threshold{
			"cache_hit_pct": {Warning: 80, Critical: 50, Direction: "below"},
		},
	}, cs, logx.Nop())

	m.RecordMetric(context.Background(), "cache_hit_pct", 45, "%")

	sent := cs.all()
	if len(sent) != 1 || sent[0].Priority != notify.PriorityCritical {
		t.Fatalf("sent = %+v, want one critical", sent)
	}
}

func TestCooldownSuppressesRepeatAlerts(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	cfg := latencyConfig()
	cfg.Cooldown = time.Hour
	m := New(cfg, cs, logx.Nop())

	m.RecordMetric(context.Background(), "latency_ms", 320, "ms")
	m.RecordMetric(context.Background(), "latency_ms", 340, "ms")

	if got := len(cs.all()); got != 1 {
		t.Fatalf("sent = %d, want 1 (second breach inside cooldown)", got)
	}
}

func TestTrendDegradation(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	m := New(Config{
		TrendEnabled:        true,
		TrendSamples:        3,
		TrendDegradationPct: 20,
	}, cs, logx.Nop())

	for _, v := range []float64{100, 100, 100, 140, 150, 160} {
		m.RecordMetric(context.Background(), "p95_ms", v, "ms")
	}

	sent := cs.all()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1 trend alert", len(sent))
	}
	n := sent[0]
	if n.Priority != notify.PriorityMedium {
		t.Fatalf("priority = %s, want medium", n.Priority)
	}
	if n.Performance == nil || n.Performance.Trend != "degrading" {
		t.Fatalf("trend detail = %+v, want degrading", n.Performance)
	}
	pct, ok := n.Data["degradation_pct"].(float64)
	if !ok || pct < 49 || pct > 51 {
		t.Fatalf("degradation_pct = %v, want ~50", n.Data["degradation_pct"])
	}
}

func TestBaselineExcludesOutliers(t *testing.T) {
	t.Parallel()
	m := New(Config{}, &captureSender{}, logx.Nop())

	for i := 0; i < 7; i++ {
		m.RecordMetric(context.Background(), "rps", 10, "")
	}
	m.RecordMetric(context.Background(), "rps", 1000, "")

	if got := m.Baseline("rps"); got != 10 {
		t.Fatalf("baseline = %g, want 10 (outlier excluded)", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	m := New(Config{HistoryLimit: 10}, &captureSender{}, logx.Nop())

	for i := 0; i < 25; i++ {
		m.RecordMetric(context.Background(), "rps", float64(i), "")
	}
	if got := m.HistoryLen("rps"); got != 10 {
		t.Fatalf("history = %d, want 10", got)
	}
}

func TestTrendLabel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		values []float64
		dir    string
		want   string
	}{
		{"rising above", []float64{100, 110, 120}, "above", "degrading"},
		{"falling above", []float64{120, 110, 100}, "above", "improving"},
		{"falling below", []float64{120, 110, 100}, "below", "degrading"},
		{"noise floor", []float64{100, 100.4, 100.5}, "above", "stable"},
		{"too few", []float64{100, 120}, "above", "stable"},
	}
	for _, tc := range tests {
		if got := trendLabel(tc.values, tc.dir); got != tc.want {
			t.Fatalf("%s: trendLabel = %q, want %q", tc.name, got, tc.want)
		}
	}
}
