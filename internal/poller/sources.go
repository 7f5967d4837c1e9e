package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"alertflow/internal/metrics"
	"alertflow/internal/monitor/security"
	"alertflow/internal/monitor/wager"
	"alertflow/internal/notify"
	logx "alertflow/pkg/logx"
)

// auditDoc is the security source payload: vulnerabilities keyed by package.
type auditDoc struct {
	Vulnerabilities map[string]vulnDoc `json:"vulnerabilities"`
}

type vulnDoc struct {
	Severity     string `json:"severity"`
	CVE          string `json:"cve,omitempty"`
	Version      string `json:"version,omitempty"`
	Range        string `json:"range,omitempty"`
	Title        string `json:"title,omitempty"`
	AdvisoryURL  string `json:"advisory_url,omitempty"`
	FixAvailable bool   `json:"fix_available"`
	PatchedIn    string `json:"patched_in,omitempty"`
}

// metricsDoc is the performance source payload.
type metricsDoc struct {
	Metrics []metricSample `json:"metrics"`
}

type metricSample struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// healthDoc is the health/telemetry payload.
type healthDoc struct {
	Status     string         `json:"status"` // healthy, degraded, unhealthy
	Components []componentDoc `json:"components,omitempty"`
}

type componentDoc struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// buildsDoc is the build status payload.
type buildsDoc struct {
	Builds []buildDoc `json:"builds"`
}

type buildDoc struct {
	ID      string `json:"id"`
	Project string `json:"project,omitempty"`
	Branch  string `json:"branch,omitempty"`
	Status  string `json:"status"` // success, failed, running, ...
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WagerRecord is the transaction source payload element.
type WagerRecord struct {
	ID          string  `json:"id"`
	AgentID     string  `json:"agent_id"`
	CustomerID  string  `json:"customer_id"`
	Amount      float64 `json:"amount"`
	PayoutRatio float64 `json:"payout_ratio,omitempty"`
	Type        string  `json:"type,omitempty"`
	VIP         bool    `json:"vip,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"` // RFC3339
}

type wagersDoc struct {
	Wagers []WagerRecord `json:"wagers"`
}

// fetchJSON GETs url and decodes the body. Transport failures and non-2xx
// responses wrap notify.ErrSourceUnavailable so a cycle is skipped rather
// than escalated.
func (p *Poller) fetchJSON(ctx context.Context, url string, timeout time.Duration, out any) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", notify.ErrSourceUnavailable, url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: status %d", notify.ErrSourceUnavailable, url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// PollSecurityNow fetches the audit endpoint once and feeds the security
// monitor, including the patched-since-last-audit comparison.
func (p *Poller) PollSecurityNow(ctx context.Context) error {
	src := p.cfg.Security
	var doc auditDoc
	if err := p.fetchJSON(ctx, src.URL, p.timeout(src), &doc); err != nil {
		metrics.PollCycles.WithLabelValues("security", cycleStatus(err)).Inc()
		return err
	}

	cur := security.AuditResult{Source: "security-audit", At: time.Now()}
	for pkg, v := range doc.Vulnerabilities {
		version := v.Version
		if version == "" {
			version = v.Range
		}
		cur.Vulnerabilities = append(cur.Vulnerabilities, security.Vulnerability{
			Package:        pkg,
			Version:        version,
			Severity:       v.Severity,
			CVE:            v.CVE,
			Title:          v.Title,
			PatchedVersion: v.PatchedIn,
			AdvisoryURL:    v.AdvisoryURL,
			FixAvailable:   v.FixAvailable,
		})
	}

	p.mu.Lock()
	prev := p.prevAudit
	p.prevAudit = &cur
	p.mu.Unlock()

	if prev != nil {
		p.sinks.Security.CheckPatches(ctx, *prev, cur)
	}
	p.sinks.Security.ProcessAudit(ctx, cur)
	metrics.PollCycles.WithLabelValues("security", "success").Inc()
	return nil
}

// PollPerformanceNow fetches one batch of metric samples.
func (p *Poller) PollPerformanceNow(ctx context.Context) error {
	src := p.cfg.Performance
	var doc metricsDoc
	if err := p.fetchJSON(ctx, src.URL, p.timeout(src), &doc); err != nil {
		metrics.PollCycles.WithLabelValues("performance", cycleStatus(err)).Inc()
		return err
	}
	for _, s := range doc.Metrics {
		if s.Name == "" {
			continue
		}
		p.sinks.Perf.RecordMetric(ctx, s.Name, s.Value, s.Unit)
	}
	metrics.PollCycles.WithLabelValues("performance", "success").Inc()
	return nil
}

// PollHealthNow fetches the health document and synthesizes system
// notifications on degraded or unhealthy states. An unreachable endpoint is
// itself reported as a system notification, once per outage.
func (p *Poller) PollHealthNow(ctx context.Context) error {
	src := p.cfg.Health
	var doc healthDoc
	if err := p.fetchJSON(ctx, src.URL, p.timeout(src), &doc); err != nil {
		metrics.PollCycles.WithLabelValues("health", cycleStatus(err)).Inc()
		p.reportUnreachable(ctx, src.URL, err)
		return err
	}
	p.setHealthy(true)

	status := strings.ToLower(doc.Status)
	if status == "degraded" || status == "unhealthy" {
		prio := notify.PriorityHigh
		if status == "unhealthy" {
			prio = notify.PriorityCritical
		}
		var bad []string
		for _, c := range doc.Components {
			cs := strings.ToLower(c.Status)
			if cs != "" && cs != "healthy" && cs != "ok" {
				line := c.Name + ": " + c.Status
				if c.Message != "" {
					line += " (" + c.Message + ")"
				}
				bad = append(bad, line)
			}
		}
		msg := "Reported status: " + doc.Status
		if len(bad) > 0 {
			msg += "\n" + strings.Join(bad, "\n")
		}

		n := notify.New(notify.TopicSystem, prio, "Service health "+status, msg)
		n.Meta.Source = "health-poll"
		p.sinks.Notify.Send(ctx, n)
	}
	metrics.PollCycles.WithLabelValues("health", "success").Inc()
	return nil
}

// reportUnreachable emits one system notification per transition into the
// unreachable state, not one per failed tick.
func (p *Poller) reportUnreachable(ctx context.Context, url string, err error) {
	p.mu.Lock()
	was := p.healthy
	p.healthy = false
	p.mu.Unlock()
	if !was {
		return
	}
	n := notify.New(notify.TopicSystem, notify.PriorityCritical,
		"Health endpoint unreachable", fmt.Sprintf("%s: %v", url, err))
	n.Meta.Source = "health-poll"
	p.sinks.Notify.Send(ctx, n)
}

func (p *Poller) setHealthy(v bool) {
	p.mu.Lock()
	p.healthy = v
	p.mu.Unlock()
}

// PollBuildNow fetches build status and notifies on newly failed builds.
func (p *Poller) PollBuildNow(ctx context.Context) error {
	src := p.cfg.Build
	var doc buildsDoc
	if err := p.fetchJSON(ctx, src.URL, p.timeout(src), &doc); err != nil {
		metrics.PollCycles.WithLabelValues("build", cycleStatus(err)).Inc()
		return err
	}

	for _, b := range doc.Builds {
		status := strings.ToLower(b.Status)
		failed := status == "failed" || status == "failure" || status == "error"

		p.mu.Lock()
		already := p.buildSeen[b.ID] == status
		p.buildSeen[b.ID] = status
		p.mu.Unlock()
		if !failed || already {
			continue
		}

		title := "Build failed: " + b.ID
		if b.Project != "" {
			title = fmt.Sprintf("Build failed: %s (%s)", b.Project, b.Branch)
		}
		msg := "Build " + b.ID + " reported " + b.Status
		if b.Error != "" {
			msg += "\n" + b.Error
		}
		if b.URL != "" {
			msg += "\n" + b.URL
		}

		n := notify.New(notify.TopicBuild, notify.PriorityHigh, title, msg)
		n.Meta.Source = "build-poll"
		n.Meta.CorrelationID = b.ID
		p.sinks.Notify.Send(ctx, n)
	}
	metrics.PollCycles.WithLabelValues("build", "success").Inc()
	return nil
}

// PollWagersNow fetches one batch of transaction records, feeds the wager
// monitor and triggers its (self-throttled) batch analysis.
func (p *Poller) PollWagersNow(ctx context.Context) error {
	src := p.cfg.Wagers
	var doc wagersDoc
	if err := p.fetchJSON(ctx, src.URL, p.timeout(src), &doc); err != nil {
		metrics.PollCycles.WithLabelValues("wagers", cycleStatus(err)).Inc()
		return err
	}

	for _, rec := range doc.Wagers {
		at := time.Time{}
		if rec.Timestamp != "" {
			if t, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil {
				at = t
			} else {
				p.log.Debug("bad wager timestamp", logx.String("wager", rec.ID), logx.Err(err))
			}
		}
		p.sinks.Wagers.Record(ctx, wager.Wager{
			ID:          rec.ID,
			AgentID:     rec.AgentID,
			CustomerID:  rec.CustomerID,
			Amount:      rec.Amount,
			PayoutRatio: rec.PayoutRatio,
			Type:        rec.Type,
			VIP:         rec.VIP,
			At:          at,
		})
	}
	p.sinks.Wagers.Analyze(ctx)
	metrics.PollCycles.WithLabelValues("wagers", "success").Inc()
	return nil
}

func cycleStatus(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, notify.ErrSourceUnavailable) {
		return "unavailable"
	}
	return "decode_error"
}
