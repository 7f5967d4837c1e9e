// Package poller pulls external sources on independent schedules and feeds
// the anomaly monitors: security audits, performance samples, wager streams,
// build status and service health.
package poller

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"alertflow/internal/monitor/security"
	"alertflow/internal/monitor/wager"
	"alertflow/internal/notify"
	logx "alertflow/pkg/logx"
)

// Sender is the dispatch surface for direct system/build notifications.
type Sender interface {
	Send(ctx context.Context, n notify.Notification) []notify.Result
}

// SecuritySink consumes audit results.
type SecuritySink interface {
	ProcessAudit(ctx context.Context, res security.AuditResult)
	CheckPatches(ctx context.Context, prev, cur security.AuditResult)
}

// PerfSink consumes metric samples.
type PerfSink interface {
	RecordMetric(ctx context.Context, name string, value float64, unit string)
}

// WagerSink consumes transaction records and runs the batch analysis.
type WagerSink interface {
	Record(ctx context.Context, w wager.Wager)
	Analyze(ctx context.Context) bool
}

// SourceConfig is one polled endpoint.
type SourceConfig struct {
	Enabled  bool
	URL      string
	Interval time.Duration
	Timeout  time.Duration
}

func (s SourceConfig) active() bool {
	return s.Enabled && s.URL != "" && s.Interval > 0
}

type Config struct {
	Security    SourceConfig
	Performance SourceConfig
	Health      SourceConfig
	Build       SourceConfig
	Wagers      SourceConfig
	// DefaultTimeout applies to sources without their own.
	DefaultTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 15 * time.Second
	}
}

// Sinks are the downstream consumers, one per source kind.
type Sinks struct {
	Security SecuritySink
	Perf     PerfSink
	Wagers   WagerSink
	Notify   Sender
}

// Poller owns one cron entry per active source. Start/Stop own the whole
// timer set; a single Stop tears everything down.
type Poller struct {
	cfg    Config
	sinks  Sinks
	log    logx.Logger
	client *http.Client

	mu        sync.Mutex
	c         *cron.Cron
	prevAudit *security.AuditResult
	buildSeen map[string]string // build id -> last notified status
	healthy   bool
}

func New(cfg Config, sinks Sinks, log logx.Logger) *Poller {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		cfg:       cfg,
		sinks:     sinks,
		log:       log,
		client:    &http.Client{},
		buildSeen: map[string]string{},
		healthy:   true,
	}
}

// Start registers an @every entry per active source and starts the cron.
// Idempotent.
func (p *Poller) Start(ctx context.Context) {
	_ = ctx

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return
	}
	p.c = cron.New()

	type entry struct {
		name string
		src  SourceConfig
		poll func(context.Context) error
	}
	entries := []entry{
		{"security", p.cfg.Security, p.PollSecurityNow},
		{"performance", p.cfg.Performance, p.PollPerformanceNow},
		{"health", p.cfg.Health, p.PollHealthNow},
		{"build", p.cfg.Build, p.PollBuildNow},
		{"wagers", p.cfg.Wagers, p.PollWagersNow},
	}
	registered := 0
	for _, e := range entries {
		if !e.src.active() {
			continue
		}
		e := e
		_, err := p.c.AddFunc("@every "+e.src.Interval.String(), func() {
			if err := e.poll(context.Background()); err != nil {
				p.log.Warn("poll cycle skipped", logx.String("source", e.name), logx.Err(err))
			}
		})
		if err != nil {
			p.log.Error("schedule source", logx.String("source", e.name), logx.Err(err))
			continue
		}
		registered++
	}
	p.c.Start()
	p.log.Info("poller started", logx.Int("sources", registered))
}

// Stop halts scheduling and waits for running jobs, bounded by ctx.
func (p *Poller) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	p.log.Info("poller stopped")
}

func (p *Poller) timeout(src SourceConfig) time.Duration {
	if src.Timeout > 0 {
		return src.Timeout
	}
	return p.cfg.DefaultTimeout
}
