// Package perf watches performance metric samples for static threshold
// breaches and gradual trend degradation, with an outlier-trimmed baseline
// per metric.
package perf

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"alertflow/internal/metrics"
	"alertflow/internal/notify"
	logx "alertflow/pkg/logx"
)

// Sender is the dispatch surface the monitor needs.
type Sender interface {
	Send(ctx context.Context, n notify.Notification) []notify.Result
}

// Threshold is the static bound set for one metric. Direction "above" alerts
// when the value exceeds a bound, "below" when it falls under.
type Threshold struct {
	Warning   float64
	Critical  float64
	Direction string // above, below
}

type Config struct {
	// HistoryLimit caps the rolling sample window per metric.
	HistoryLimit int
	// Cooldown is the minimum gap between alerts for the same metric.
	Cooldown time.Duration
	// BaselineWindow is how many recent samples feed the IQR-fenced baseline.
	BaselineWindow int
	// Thresholds maps metric name to its static bounds. Metrics without an
	// entry only get trend analysis.
	Thresholds map[string]Threshold
	// TrendEnabled turns on recent-vs-prior mean comparison.
	TrendEnabled bool
	// TrendSamples is the N in mean(last N) vs mean(prior N).
	TrendSamples int
	// TrendDegradationPct is the percentage worsening that triggers a trend
	// alert.
	TrendDegradationPct float64
}

func (c *Config) applyDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = 20
	}
	if c.TrendSamples <= 0 {
		c.TrendSamples = 5
	}
	if c.TrendDegradationPct <= 0 {
		c.TrendDegradationPct = 20
	}
}

type sample struct {
	value float64
	at    time.Time
}

type series struct {
	unit      string
	samples   []sample
	lastAlert time.Time
}

// Monitor keeps a bounded rolling history per metric name.
type Monitor struct {
	cfg    Config
	sender Sender
	log    logx.Logger

	mu     sync.Mutex
	series map[string]*series
}

func New(cfg Config, sender Sender, log logx.Logger) *Monitor {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:    cfg,
		sender: sender,
		log:    log,
		series: map[string]*series{},
	}
}

// Apply swaps in a new configuration (config hot reload). Existing sample
// history is kept.
func (m *Monitor) Apply(cfg Config) {
	cfg.applyDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// RecordMetric appends one sample and runs the alert checks: static
// thresholds first, trend degradation second, both gated by the per-metric
// cooldown.
func (m *Monitor) RecordMetric(ctx context.Context, name string, value float64, unit string) {
	now := time.Now()

	m.mu.Lock()
	cfg := m.cfg
	s := m.series[name]
	if s == nil {
		s = &series{}
		m.series[name] = s
	}
	if unit != "" {
		s.unit = unit
	}
	s.samples = append(s.samples, sample{value: value, at: now})
	if len(s.samples) > cfg.HistoryLimit {
		s.samples = s.samples[len(s.samples)-cfg.HistoryLimit:]
	}

	inCooldown := !s.lastAlert.IsZero() && now.Sub(s.lastAlert) < cfg.Cooldown
	values := make([]float64, len(s.samples))
	for i, sm := range s.samples {
		values[i] = sm.value
	}
	su := s.unit
	m.mu.Unlock()

	if inCooldown {
		return
	}

	th, hasTh := cfg.Thresholds[name]
	dir := strings.ToLower(th.Direction)
	if dir == "" {
		dir = "above"
	}

	baseline := iqrBaseline(values, cfg.BaselineWindow)
	trend := trendLabel(values, dir)

	if hasTh {
		if breached(value, th.Critical, dir) {
			m.alert(ctx, name, value, th.Critical, su, trend, baseline, notify.PriorityCritical, "threshold")
			return
		}
		if breached(value, th.Warning, dir) {
			m.alert(ctx, name, value, th.Warning, su, trend, baseline, notify.PriorityHigh, "threshold")
			return
		}
	}

	if cfg.TrendEnabled {
		if pct, ok := degradationPct(values, dir, cfg.TrendSamples); ok && pct > cfg.TrendDegradationPct {
			m.trendAlert(ctx, name, value, su, trend, baseline, pct, cfg.TrendSamples)
		}
	}
}

func breached(value, bound float64, dir string) bool {
	if dir == "below" {
		return value < bound
	}
	return value > bound
}

// degradationPct compares the mean of the most recent N samples against the
// mean of the N before them, signed so positive means worse.
func degradationPct(values []float64, dir string, n int) (float64, bool) {
	if len(values) < 2*n {
		return 0, false
	}
	recent := mean(values[len(values)-n:])
	prior := mean(values[len(values)-2*n : len(values)-n])
	if prior == 0 {
		return 0, false
	}
	pct := (recent - prior) / prior * 100
	if dir == "below" {
		pct = -pct
	}
	return pct, true
}

func (m *Monitor) alert(ctx context.Context, name string, value, threshold float64, unit, trend string, baseline float64, prio notify.Priority, kind string) {
	m.touchLastAlert(name)

	title := fmt.Sprintf("%s breach: %s", prio, name)
	msg := fmt.Sprintf("%s is %s (threshold %s)", name, formatValue(value, unit), formatValue(threshold, unit))

	n := notify.New(notify.TopicPerformance, prio, title, msg)
	n.Performance = &notify.PerformanceDetail{
		Metric:    name,
		Value:     value,
		Threshold: threshold,
		Unit:      unit,
		Trend:     trend,
		Baseline:  baseline,
	}

	metrics.MonitorAlerts.WithLabelValues("perf", kind).Inc()
	m.sender.Send(ctx, n)
}

func (m *Monitor) trendAlert(ctx context.Context, name string, value float64, unit, trend string, baseline, pct float64, samples int) {
	m.touchLastAlert(name)

	title := fmt.Sprintf("Degrading trend: %s", name)
	msg := fmt.Sprintf("%s worsened %.1f%% over the last %d samples (now %s)",
		name, pct, samples, formatValue(value, unit))

	n := notify.New(notify.TopicPerformance, notify.PriorityMedium, title, msg)
	n.Performance = &notify.PerformanceDetail{
		Metric:   name,
		Value:    value,
		Unit:     unit,
		Trend:    trend,
		Baseline: baseline,
	}
	n.Data["degradation_pct"] = pct

	metrics.MonitorAlerts.WithLabelValues("perf", "trend").Inc()
	m.sender.Send(ctx, n)
}

func (m *Monitor) touchLastAlert(name string) {
	m.mu.Lock()
	if s := m.series[name]; s != nil {
		s.lastAlert = time.Now()
	}
	m.mu.Unlock()
}

// Baseline reports the IQR-fenced moving average for a metric, 0 if unknown.
func (m *Monitor) Baseline(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.series[name]
	if s == nil {
		return 0
	}
	values := make([]float64, len(s.samples))
	for i, sm := range s.samples {
		values[i] = sm.value
	}
	return iqrBaseline(values, m.cfg.BaselineWindow)
}

// HistoryLen reports the current sample count for a metric.
func (m *Monitor) HistoryLen(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.series[name]; s != nil {
		return len(s.samples)
	}
	return 0
}

// iqrBaseline averages the last window samples after dropping values outside
// [Q1-1.5*IQR, Q3+1.5*IQR].
func iqrBaseline(values []float64, window int) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) > window {
		values = values[len(values)-window:]
	}
	if len(values) < 4 {
		return mean(values)
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 := median(sorted[:len(sorted)/2])
	q3 := median(sorted[(len(sorted)+1)/2:])
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr

	var sum float64
	var kept int
	for _, v := range values {
		if v < lo || v > hi {
			continue
		}
		sum += v
		kept++
	}
	if kept == 0 {
		return mean(values)
	}
	return sum / float64(kept)
}

// trendLabel classifies direction from the last 3 samples, with a 1% noise
// floor. "Worse" depends on the metric's threshold direction.
func trendLabel(values []float64, dir string) string {
	if len(values) < 3 {
		return "stable"
	}
	last3 := values[len(values)-3:]
	first, last := last3[0], last3[2]
	if first == 0 {
		return "stable"
	}
	pct := (last - first) / math.Abs(first) * 100
	if math.Abs(pct) < 1 {
		return "stable"
	}
	worse := pct > 0
	if dir == "below" {
		worse = pct < 0
	}
	if worse {
		return "degrading"
	}
	return "improving"
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func formatValue(v float64, unit string) string {
	s := fmt.Sprintf("%g", v)
	if unit != "" {
		s += " " + unit
	}
	return s
}
