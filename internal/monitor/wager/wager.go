// Package wager watches a wager/transaction stream for risky single bets and
// stream-level patterns: volume spikes, oversized agent activity, rapid-fire
// customer automation and structuring (many identical near-threshold
// amounts).
package wager

import (
	"context"
	"fmt"
	"sort"
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

// Wager is one transaction record.
type Wager struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	CustomerID  string    `json:"customer_id"`
	Amount      float64   `json:"amount"`
	PayoutRatio float64   `json:"payout_ratio,omitempty"`
	Type        string    `json:"type,omitempty"`
	VIP         bool      `json:"vip,omitempty"`
	At          time.Time `json:"at"`
}

// Config holds every pattern threshold. The defaults are illustrative
// starting points, not validated compliance rules; tune them per deployment.
type Config struct {
	// LargeBetAmount triggers the immediate risk-scored alert.
	LargeBetAmount float64
	// StakeTiers are the three ascending stake bounds that each add a risk
	// point.
	StakeTiers [3]float64
	// PayoutTiers are the two ascending payout-ratio bounds that each add a
	// risk point.
	PayoutTiers [2]float64
	// EstablishedAgentCount is the historical wager count above which an
	// agent deducts a risk point.
	EstablishedAgentCount int
	// VolumeSpikeMultiplier compares the trailing hour against the historical
	// hourly average.
	VolumeSpikeMultiplier float64
	// AgentPatternCount is the trailing-hour wager count above which an agent
	// is examined for oversized bets.
	AgentPatternCount int
	// CustomerPatternCount is the trailing-hour wager count above which a
	// customer is examined for rapid fire.
	CustomerPatternCount int
	// RapidGap is the inter-wager gap treated as an automation signature.
	RapidGap time.Duration
	// StructuringMinAmount is the reporting minimum for structuring checks.
	StructuringMinAmount float64
	// StructuringCount is how many identical amounts in 24h trigger the
	// structuring alert.
	StructuringCount int
	// AnalysisMinInterval throttles Analyze.
	AnalysisMinInterval time.Duration
	// HistoryLimit caps the global wager history.
	HistoryLimit int
	// EntityHistoryLimit caps per-agent and per-customer history.
	EntityHistoryLimit int
}

func (c *Config) applyDefaults() {
	if c.LargeBetAmount <= 0 {
		c.LargeBetAmount = 10000
	}
	if c.StakeTiers == ([3]float64{}) {
		c.StakeTiers = [3]float64{10000, 50000, 100000}
	}
	if c.PayoutTiers == ([2]float64{}) {
		c.PayoutTiers = [2]float64{10, 50}
	}
	if c.EstablishedAgentCount <= 0 {
		c.EstablishedAgentCount = 100
	}
	if c.VolumeSpikeMultiplier <= 0 {
		c.VolumeSpikeMultiplier = 3
	}
	if c.AgentPatternCount <= 0 {
		c.AgentPatternCount = 10
	}
	if c.CustomerPatternCount <= 0 {
		c.CustomerPatternCount = 10
	}
	if c.RapidGap <= 0 {
		c.RapidGap = 30 * time.Second
	}
	if c.StructuringMinAmount <= 0 {
		c.StructuringMinAmount = 9000
	}
	if c.StructuringCount <= 0 {
		c.StructuringCount = 5
	}
	if c.AnalysisMinInterval <= 0 {
		c.AnalysisMinInterval = 5 * time.Minute
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10000
	}
	if c.EntityHistoryLimit <= 0 {
		c.EntityHistoryLimit = 200
	}
}

// aggregate is the running state for one agent or customer.
type aggregate struct {
	volume       float64
	count        int
	lastActivity time.Time
	history      []Wager
}

func (a *aggregate) avgAmount() float64 {
	if a.count == 0 {
		return 0
	}
	return a.volume / float64(a.count)
}

// Monitor ingests wagers and runs the pattern analyses.
type Monitor struct {
	cfg    Config
	sender Sender
	log    logx.Logger

	mu           sync.Mutex
	history      []Wager
	firstSeen    time.Time
	agents       map[string]*aggregate
	customers    map[string]*aggregate
	lastAnalysis time.Time
	structAlerts map[float64]time.Time // amount -> last structuring alert
}

func New(cfg Config, sender Sender, log logx.Logger) *Monitor {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:          cfg,
		sender:       sender,
		log:          log,
		agents:       map[string]*aggregate{},
		customers:    map[string]*aggregate{},
		structAlerts: map[float64]time.Time{},
	}
}

// Apply swaps in new thresholds (config hot reload). History and aggregates
// are kept.
func (m *Monitor) Apply(cfg Config) {
	cfg.applyDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Record ingests one wager, updates the aggregates and runs the immediate
// large-bet check.
func (m *Monitor) Record(ctx context.Context, w Wager) {
	if w.At.IsZero() {
		w.At = time.Now()
	}

	m.mu.Lock()
	cfg := m.cfg
	if m.firstSeen.IsZero() || w.At.Before(m.firstSeen) {
		m.firstSeen = w.At
	}
	m.history = append(m.history, w)
	if len(m.history) > cfg.HistoryLimit {
		m.history = m.history[len(m.history)-cfg.HistoryLimit:]
	}
	agentCountBefore := 0
	if w.AgentID != "" {
		agg := m.agents[w.AgentID]
		if agg == nil {
			agg = &aggregate{}
			m.agents[w.AgentID] = agg
		}
		agentCountBefore = agg.count
		m.ingestLocked(agg, w)
	}
	if w.CustomerID != "" {
		agg := m.customers[w.CustomerID]
		if agg == nil {
			agg = &aggregate{}
			m.customers[w.CustomerID] = agg
		}
		m.ingestLocked(agg, w)
	}
	m.mu.Unlock()

	if w.Amount >= cfg.LargeBetAmount {
		m.largeBetAlert(ctx, cfg, w, agentCountBefore)
	}
}

func (m *Monitor) ingestLocked(a *aggregate, w Wager) {
	a.volume += w.Amount
	a.count++
	if w.At.After(a.lastActivity) {
		a.lastActivity = w.At
	}
	a.history = append(a.history, w)
	if len(a.history) > m.cfg.EntityHistoryLimit {
		a.history = a.history[len(a.history)-m.cfg.EntityHistoryLimit:]
	}
}

// riskScore sums tiered stake and payout contributions and deducts a point
// each for VIP customers and established agents.
func riskScore(cfg Config, w Wager, agentHistoryCount int) int {
	score := 0
	for _, tier := range cfg.StakeTiers {
		if w.Amount >= tier {
			score++
		}
	}
	for _, tier := range cfg.PayoutTiers {
		if w.PayoutRatio >= tier {
			score++
		}
	}
	if w.VIP {
		score--
	}
	if agentHistoryCount > cfg.EstablishedAgentCount {
		score--
	}
	return score
}

func riskLevel(score int) string {
	switch {
	case score <= 1:
		return "low"
	case score == 2:
		return "medium"
	case score == 3:
		return "high"
	default:
		return "critical"
	}
}

func riskPriority(level string) notify.Priority {
	switch level {
	case "critical":
		return notify.PriorityCritical
	case "high":
		return notify.PriorityHigh
	case "medium":
		return notify.PriorityMedium
	default:
		return notify.PriorityLow
	}
}

func (m *Monitor) largeBetAlert(ctx context.Context, cfg Config, w Wager, agentHistoryCount int) {
	level := riskLevel(riskScore(cfg, w, agentHistoryCount))

	title := fmt.Sprintf("Large wager: %.2f", w.Amount)
	msg := fmt.Sprintf("Wager %s by customer %s via agent %s, risk %s",
		w.ID, w.CustomerID, w.AgentID, level)

	n := notify.New(notify.TopicBetting, riskPriority(level), title, msg)
	n.Wager = &notify.WagerDetail{
		WagerID:     w.ID,
		AgentID:     w.AgentID,
		CustomerID:  w.CustomerID,
		Amount:      w.Amount,
		RiskLevel:   level,
		AnomalyType: "large_bet",
	}

	metrics.MonitorAlerts.WithLabelValues("wager", "large_bet").Inc()
	m.sender.Send(ctx, n)
}

// Analyze runs the batch pattern checks, throttled by AnalysisMinInterval.
// Returns false when skipped by the throttle.
func (m *Monitor) Analyze(ctx context.Context) bool {
	now := time.Now()

	m.mu.Lock()
	cfg := m.cfg
	if !m.lastAnalysis.IsZero() && now.Sub(m.lastAnalysis) < cfg.AnalysisMinInterval {
		m.mu.Unlock()
		return false
	}
	m.lastAnalysis = now
	m.mu.Unlock()

	m.checkVolumeSpike(ctx, cfg, now)
	m.checkAgentPatterns(ctx, cfg, now)
	m.checkCustomerPatterns(ctx, cfg, now)
	m.checkStructuring(ctx, cfg, now)
	return true
}

// checkVolumeSpike compares the trailing hour's stake total to the
// historical average per hour.
func (m *Monitor) checkVolumeSpike(ctx context.Context, cfg Config, now time.Time) {
	m.mu.Lock()
	var total, trailing float64
	cutoff := now.Add(-time.Hour)
	for _, w := range m.history {
		total += w.Amount
		if w.At.After(cutoff) {
			trailing += w.Amount
		}
	}
	first := m.firstSeen
	m.mu.Unlock()

	if first.IsZero() {
		return
	}
	hours := now.Sub(first).Hours()
	if hours < 1 {
		hours = 1
	}
	avg := total / hours
	if avg <= 0 || trailing <= avg*cfg.VolumeSpikeMultiplier {
		return
	}

	title := "Wager volume spike"
	msg := fmt.Sprintf("Trailing hour volume %.2f exceeds %.1fx the hourly average (%.2f)",
		trailing, cfg.VolumeSpikeMultiplier, avg)

	n := notify.New(notify.TopicBetting, notify.PriorityHigh, title, msg)
	n.Wager = &notify.WagerDetail{Amount: trailing, RiskLevel: "high", AnomalyType: "volume_spike"}

	metrics.MonitorAlerts.WithLabelValues("wager", "volume_spike").Inc()
	m.sender.Send(ctx, n)
}

// checkAgentPatterns flags agents with a busy trailing hour where at least
// three wagers exceed 3x the agent's own average size.
func (m *Monitor) checkAgentPatterns(ctx context.Context, cfg Config, now time.Time) {
	cutoff := now.Add(-time.Hour)

	m.mu.Lock()
	type hit struct {
		id        string
		recent    int
		oversized int
		avg       float64
	}
	var hits []hit
	for id, agg := range m.agents {
		avg := agg.avgAmount()
		if avg <= 0 {
			continue
		}
		recent, oversized := 0, 0
		for _, w := range agg.history {
			if !w.At.After(cutoff) {
				continue
			}
			recent++
			if w.Amount > 3*avg {
				oversized++
			}
		}
		if recent > cfg.AgentPatternCount && oversized >= 3 {
			hits = append(hits, hit{id: id, recent: recent, oversized: oversized, avg: avg})
		}
	}
	m.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].id < hits[j].id })
	for _, h := range hits {
		title := fmt.Sprintf("Unusual agent activity: %s", h.id)
		msg := fmt.Sprintf("%d wagers in the last hour, %d over 3x the agent average (%.2f)",
			h.recent, h.oversized, h.avg)

		n := notify.New(notify.TopicBetting, notify.PriorityHigh, title, msg)
		n.Wager = &notify.WagerDetail{AgentID: h.id, RiskLevel: "high", AnomalyType: "agent_pattern"}

		metrics.MonitorAlerts.WithLabelValues("wager", "agent_pattern").Inc()
		m.sender.Send(ctx, n)
	}
}

// checkCustomerPatterns flags customers with a busy trailing hour containing
// at least three consecutive inter-wager gaps under RapidGap.
func (m *Monitor) checkCustomerPatterns(ctx context.Context, cfg Config, now time.Time) {
	cutoff := now.Add(-time.Hour)

	m.mu.Lock()
	type hit struct {
		id     string
		recent int
	}
	var hits []hit
	for id, agg := range m.customers {
		var recent []Wager
		for _, w := range agg.history {
			if w.At.After(cutoff) {
				recent = append(recent, w)
			}
		}
		if len(recent) <= cfg.CustomerPatternCount {
			continue
		}
		sort.Slice(recent, func(i, j int) bool { return recent[i].At.Before(recent[j].At) })
		run, best := 0, 0
		for i := 1; i < len(recent); i++ {
			if recent[i].At.Sub(recent[i-1].At) < cfg.RapidGap {
				run++
				if run > best {
					best = run
				}
			} else {
				run = 0
			}
		}
		if best >= 3 {
			hits = append(hits, hit{id: id, recent: len(recent)})
		}
	}
	m.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].id < hits[j].id })
	for _, h := range hits {
		title := fmt.Sprintf("Rapid-fire betting: customer %s", h.id)
		msg := fmt.Sprintf("%d wagers in the last hour with sub-%s gaps (automation signature)",
			h.recent, cfg.RapidGap)

		n := notify.New(notify.TopicBetting, notify.PriorityHigh, title, msg)
		n.Wager = &notify.WagerDetail{CustomerID: h.id, RiskLevel: "high", AnomalyType: "rapid_fire"}

		metrics.MonitorAlerts.WithLabelValues("wager", "rapid_fire").Inc()
		m.sender.Send(ctx, n)
	}
}

// checkStructuring groups trailing-24h wagers by exact amount and raises a
// critical financial alert for any group of StructuringCount or more at or
// above the reporting minimum. Each amount alerts at most once per day.
func (m *Monitor) checkStructuring(ctx context.Context, cfg Config, now time.Time) {
	cutoff := now.Add(-24 * time.Hour)

	m.mu.Lock()
	groups := map[float64]int{}
	for _, w := range m.history {
		if w.At.After(cutoff) && w.Amount >= cfg.StructuringMinAmount {
			groups[w.Amount]++
		}
	}
	var amounts []float64
	for amount, count := range groups {
		if count < cfg.StructuringCount {
			continue
		}
		if last, ok := m.structAlerts[amount]; ok && now.Sub(last) < 24*time.Hour {
			continue
		}
		m.structAlerts[amount] = now
		amounts = append(amounts, amount)
	}
	for amount, last := range m.structAlerts {
		if now.Sub(last) >= 24*time.Hour {
			delete(m.structAlerts, amount)
		}
	}
	counts := make(map[float64]int, len(amounts))
	for _, a := range amounts {
		counts[a] = groups[a]
	}
	m.mu.Unlock()

	sort.Float64s(amounts)
	for _, amount := range amounts {
		title := fmt.Sprintf("Possible structuring: %.2f", amount)
		msg := fmt.Sprintf("%d wagers of exactly %.2f in the last 24h (reporting minimum %.2f)",
			counts[amount], amount, cfg.StructuringMinAmount)

		n := notify.New(notify.TopicFinancial, notify.PriorityCritical, title, msg)
		n.Wager = &notify.WagerDetail{Amount: amount, RiskLevel: "critical", AnomalyType: "structuring"}

		metrics.MonitorAlerts.WithLabelValues("wager", "structuring").Inc()
		m.sender.Send(ctx, n)
	}
}

// Cleanup drops aggregates idle longer than maxIdle and history older than
// 24 hours. Returns how many entities were pruned.
func (m *Monitor) Cleanup(maxIdle time.Duration) int {
	now := time.Now()
	cutoff := now.Add(-24 * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, agg := range m.agents {
		if now.Sub(agg.lastActivity) > maxIdle {
			delete(m.agents, id)
			pruned++
		}
	}
	for id, agg := range m.customers {
		if now.Sub(agg.lastActivity) > maxIdle {
			delete(m.customers, id)
			pruned++
		}
	}

	kept := m.history[:0]
	for _, w := range m.history {
		if w.At.After(cutoff) {
			kept = append(kept, w)
		}
	}
	m.history = kept
	return pruned
}

// HistoryLen reports the global history size.
func (m *Monitor) HistoryLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// EntityCount reports tracked (agents, customers).
func (m *Monitor) EntityCount() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents), len(m.customers)
}
