package wager

import (
	"context"
	"fmt"
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

func (c *captureSender) byAnomaly(kind string) []notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Notification
	for _, n := range c.sent {
		if n.Wager != nil && n.Wager.AnomalyType == kind {
			out = append(out, n)
		}
	}
	return out
}

func TestLargeBetRiskScoring(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		w         Wager
		wantLevel string
		wantPrio  notify.Priority
	}{
		{
			"single tier",
			Wager{ID: "w1", Amount: 10000},
			"low", notify.PriorityLow,
		},
		{
			"two stake tiers",
			Wager{ID: "w2", Amount: 50000},
			"medium", notify.PriorityMedium,
		},
		{
			"all tiers",
			Wager{ID: "w3", Amount: 120000, PayoutRatio: 60},
			"critical", notify.PriorityCritical,
		},
		{
			"vip deduction",
			Wager{ID: "w4", Amount: 120000, VIP: true},
			"medium", notify.PriorityMedium,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cs := &captureSender{}
			m := New(Config{}, cs, logx.Nop())

			m.Record(context.Background(), tc.w)

			alerts := cs.byAnomaly("large_bet")
			if len(alerts) != 1 {
				t.Fatalf("large_bet alerts = %d, want 1", len(alerts))
			}
			n := alerts[0]
			if n.Topic != notify.TopicBetting {
				t.Fatalf("topic = %s, want betting", n.Topic)
			}
			if n.Wager.RiskLevel != tc.wantLevel {
				t.Fatalf("risk = %s, want %s", n.Wager.RiskLevel, tc.wantLevel)
			}
			if n.Priority != tc.wantPrio {
				t.Fatalf("priority = %s, want %s", n.Priority, tc.wantPrio)
			}
		})
	}
}

func TestSmallBetNoAlert(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	m := New(Config{}, cs, logx.Nop())

	m.Record(context.Background(), Wager{ID: "w1", Amount: 500})
	if got := cs.byAnomaly("large_bet"); len(got) != 0 {
		t.Fatalf("alerts = %d, want 0", len(got))
	}
}

func TestStructuringDetection(t *testing.T) {
	t.Parallel()
	now := time.Now()

	run := func(records int) []notify.Notification {
		cs := &captureSender{}
		m := New(Config{}, cs, logx.Nop())
		for i := 0; i < records; i++ {
			m.Record(context.Background(), Wager{
				ID:         fmt.Sprintf("w%d", i),
				CustomerID: fmt.Sprintf("c%d", i),
				Amount:     9500,
				At:         now.Add(-time.Duration(i) * time.Hour),
			})
		}
		m.Analyze(context.Background())
		return cs.byAnomaly("structuring")
	}

	if got := run(5); len(got) != 1 {
		t.Fatalf("5 identical amounts: alerts = %d, want 1", len(got))
	} else {
		n := got[0]
		if n.Topic != notify.TopicFinancial || n.Priority != notify.PriorityCritical {
			t.Fatalf("alert = %s/%s, want financial/critical", n.Topic, n.Priority)
		}
		if n.Wager.Amount != 9500 {
			t.Fatalf("amount = %g, want 9500", n.Wager.Amount)
		}
	}
	if got := run(4); len(got) != 0 {
		t.Fatalf("4 identical amounts: alerts = %d, want 0", len(got))
	}
}

func TestStructuringAlertsOncePerDay(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	m := New(Config{AnalysisMinInterval: time.Nanosecond}, cs, logx.Nop())

	now := time.Now()
	for i := 0; i < 6; i++ {
		m.Record(context.Background(), Wager{
			ID: fmt.Sprintf("w%d", i), Amount: 9500, At: now.Add(-time.Duration(i) * time.Minute),
		})
	}
	m.Analyze(context.Background())
	time.Sleep(time.Millisecond)
	m.Analyze(context.Background())

	if got := cs.byAnomaly("structuring"); len(got) != 1 {
		t.Fatalf("alerts = %d, want 1 (second analysis suppressed)", len(got))
	}
}

func TestCustomerRapidFire(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	m := New(Config{CustomerPatternCount: 10}, cs, logx.Nop())

	now := time.Now()
	for i := 0; i < 11; i++ {
		m.Record(context.Background(), Wager{
			ID:         fmt.Sprintf("w%d", i),
			CustomerID: "cust-1",
			Amount:     100,
			At:         now.Add(-time.Duration(11-i) * 10 * time.Second),
		})
	}
	m.Analyze(context.Background())

	alerts := cs.byAnomaly("rapid_fire")
	if len(alerts) != 1 {
		t.Fatalf("rapid_fire alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Wager.CustomerID != "cust-1" {
		t.Fatalf("customer = %s", alerts[0].Wager.CustomerID)
	}
}

func TestCustomerSlowBettingNoAlert(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	m := New(Config{CustomerPatternCount: 10}, cs, logx.Nop())

	now := time.Now()
	for i := 0; i < 12; i++ {
		m.Record(context.Background(), Wager{
			ID:         fmt.Sprintf("w%d", i),
			CustomerID: "cust-1",
			Amount:     100,
			At:         now.Add(-time.Duration(12-i) * 4 * time.Minute),
		})
	}
	m.Analyze(context.Background())

	if got := cs.byAnomaly("rapid_fire"); len(got) != 0 {
		t.Fatalf("alerts = %d, want 0 (gaps above rapid threshold)", len(got))
	}
}

func TestAgentPattern(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	m := New(Config{AgentPatternCount: 10}, cs, logx.Nop())

	now := time.Now()
	amounts := []float64{100, 100, 100, 100, 100, 100, 100, 100, 2000, 2000, 2000}
	for i, amt := range amounts {
		m.Record(context.Background(), Wager{
			ID:      fmt.Sprintf("w%d", i),
			AgentID: "agent-1",
			Amount:  amt,
			At:      now.Add(-time.Duration(len(amounts)-i) * 3 * time.Minute),
		})
	}
	m.Analyze(context.Background())

	alerts := cs.byAnomaly("agent_pattern")
	if len(alerts) != 1 {
		t.Fatalf("agent_pattern alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Wager.AgentID != "agent-1" {
		t.Fatalf("agent = %s", alerts[0].Wager.AgentID)
	}
}

func TestAnalyzeThrottled(t *testing.T) {
	t.Parallel()
	m := New(Config{AnalysisMinInterval: time.Hour}, &captureSender{}, logx.Nop())

	if !m.Analyze(context.Background()) {
		t.Fatal("first analysis should run")
	}
	if m.Analyze(context.Background()) {
		t.Fatal("second analysis should be throttled")
	}
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	m := New(Config{}, &captureSender{}, logx.Nop())

	old := time.Now().Add(-48 * time.Hour)
	m.Record(context.Background(), Wager{ID: "w1", AgentID: "a1", CustomerID: "c1", Amount: 100, At: old})
	m.Record(context.Background(), Wager{ID: "w2", AgentID: "a2", CustomerID: "c2", Amount: 100})

	pruned := m.Cleanup(24 * time.Hour)
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2 (stale agent + customer)", pruned)
	}
	agents, customers := m.EntityCount()
	if agents != 1 || customers != 1 {
		t.Fatalf("entities = %d/%d, want 1/1", agents, customers)
	}
	if got := m.HistoryLen(); got != 1 {
		t.Fatalf("history = %d, want 1 (48h-old record dropped)", got)
	}
}
