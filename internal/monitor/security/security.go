// Package security turns vulnerability audit results into notifications:
// batched per severity tier, individual alerts for the serious ones, an
// immediate path for known exploits and patched-version notices.
package security

import (
	"context"
	"fmt"
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

// Vulnerability is one finding from an audit document.
type Vulnerability struct {
	Package        string `json:"package"`
	Version        string `json:"version"`
	Severity       string `json:"severity"` // low, medium, high, critical
	CVE            string `json:"cve,omitempty"`
	Title          string `json:"title,omitempty"`
	PatchedVersion string `json:"patched_version,omitempty"`
	AdvisoryURL    string `json:"advisory_url,omitempty"`
	FixAvailable   bool   `json:"fix_available"`
}

// AuditResult is the full output of one audit run.
type AuditResult struct {
	Source          string
	At              time.Time
	Vulnerabilities []Vulnerability
}

type Config struct {
	// SeverityEnabled gates batch alerts per tier. Missing tiers default to
	// the built-in map (low off, everything else on).
	SeverityEnabled map[string]bool
	// BatchListLimit truncates the package list in batch messages.
	BatchListLimit int
}

func (c *Config) applyDefaults() {
	if c.SeverityEnabled == nil {
		c.SeverityEnabled = map[string]bool{
			"low":      false,
			"medium":   true,
			"high":     true,
			"critical": true,
		}
	}
	if c.BatchListLimit <= 0 {
		c.BatchListLimit = 5
	}
}

// severityOrder is the emission order for batch alerts, most urgent first.
var severityOrder = []string{"critical", "high", "medium", "low"}

func severityPriority(sev string) notify.Priority {
	switch strings.ToLower(sev) {
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

// Monitor tracks which vulnerabilities have already been notified so a
// repeated audit does not re-alert on the same findings.
type Monitor struct {
	cfg    Config
	sender Sender
	log    logx.Logger

	mu   sync.Mutex
	seen map[string]time.Time // vuln key -> first notified
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
		seen:   map[string]time.Time{},
	}
}

// Apply swaps in a new configuration (config hot reload).
func (m *Monitor) Apply(cfg Config) {
	cfg.applyDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Monitor) snapshotCfg() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// key identifies a vulnerability: CVE when assigned, package@version otherwise.
func key(v Vulnerability) string {
	if v.CVE != "" {
		return v.CVE
	}
	return v.Package + "@" + v.Version
}

// ProcessAudit notifies on every unseen vulnerability in the result: one
// batch notification per enabled severity tier present, plus an individual
// notification per high or critical finding.
func (m *Monitor) ProcessAudit(ctx context.Context, res AuditResult) {
	cfg := m.snapshotCfg()
	fresh := m.markUnseen(res.Vulnerabilities, time.Now())
	if len(fresh) == 0 {
		return
	}

	byTier := map[string][]Vulnerability{}
	for _, v := range fresh {
		sev := strings.ToLower(v.Severity)
		byTier[sev] = append(byTier[sev], v)
	}

	for _, tier := range severityOrder {
		vulns := byTier[tier]
		if len(vulns) == 0 || !cfg.SeverityEnabled[tier] {
			continue
		}
		m.sendBatch(ctx, res.Source, tier, vulns, cfg.BatchListLimit)
		if tier == "high" || tier == "critical" {
			for _, v := range vulns {
				m.sendIndividual(ctx, res.Source, v)
			}
		}
	}
}

// markUnseen filters to vulnerabilities not yet notified and records them.
func (m *Monitor) markUnseen(vulns []Vulnerability, now time.Time) []Vulnerability {
	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := make([]Vulnerability, 0, len(vulns))
	for _, v := range vulns {
		k := key(v)
		if _, ok := m.seen[k]; ok {
			continue
		}
		m.seen[k] = now
		fresh = append(fresh, v)
	}
	return fresh
}

func (m *Monitor) sendBatch(ctx context.Context, source, tier string, vulns []Vulnerability, limit int) {
	title := fmt.Sprintf("%d new %s vulnerabilities", len(vulns), tier)
	if len(vulns) == 1 {
		title = fmt.Sprintf("New %s vulnerability", tier)
	}

	lines := make([]string, 0, limit+1)
	for i, v := range vulns {
		if i == limit {
			lines = append(lines, fmt.Sprintf("+%d more", len(vulns)-limit))
			break
		}
		lines = append(lines, describeVuln(v))
	}

	n := notify.New(notify.TopicSecurity, severityPriority(tier), title, strings.Join(lines, "\n"))
	n.Meta.Source = source
	n.Security = &notify.SecurityDetail{Severity: tier}
	n.Data["count"] = len(vulns)

	metrics.MonitorAlerts.WithLabelValues("security", "audit_batch").Inc()
	m.sender.Send(ctx, n)
}

func (m *Monitor) sendIndividual(ctx context.Context, source string, v Vulnerability) {
	title := fmt.Sprintf("Vulnerability in %s", v.Package)
	if v.CVE != "" {
		title = fmt.Sprintf("%s: %s", v.CVE, v.Package)
	}
	msg := describeVuln(v)
	if v.AdvisoryURL != "" {
		msg += "\n" + v.AdvisoryURL
	}

	n := notify.New(notify.TopicSecurity, severityPriority(v.Severity), title, msg)
	n.Meta.Source = source
	n.Security = &notify.SecurityDetail{
		Severity:       strings.ToLower(v.Severity),
		CVE:            v.CVE,
		Package:        v.Package,
		PatchedVersion: v.PatchedVersion,
	}

	metrics.MonitorAlerts.WithLabelValues("security", "audit_individual").Inc()
	m.sender.Send(ctx, n)
}

// ReportExploit bypasses batching: a finding with a known exploit is always
// an immediate critical alert, even if the vulnerability itself was already
// notified.
func (m *Monitor) ReportExploit(ctx context.Context, source string, v Vulnerability) {
	m.mu.Lock()
	m.seen[key(v)] = time.Now()
	m.mu.Unlock()

	title := fmt.Sprintf("Exploit available for %s", v.Package)
	if v.CVE != "" {
		title = fmt.Sprintf("Exploit available: %s (%s)", v.CVE, v.Package)
	}

	n := notify.New(notify.TopicSecurity, notify.PriorityCritical, title, describeVuln(v))
	n.Meta.Source = source
	n.Security = &notify.SecurityDetail{
		Severity:         "critical",
		CVE:              v.CVE,
		Package:          v.Package,
		PatchedVersion:   v.PatchedVersion,
		ExploitAvailable: true,
	}

	metrics.MonitorAlerts.WithLabelValues("security", "exploit").Inc()
	m.sender.Send(ctx, n)
}

// CheckPatches compares two audits and reports every vulnerability present
// before and absent now as patched. Patched findings leave the seen set so
// a regression re-alerts.
func (m *Monitor) CheckPatches(ctx context.Context, prev, cur AuditResult) {
	current := make(map[string]bool, len(cur.Vulnerabilities))
	for _, v := range cur.Vulnerabilities {
		current[key(v)] = true
	}

	for _, v := range prev.Vulnerabilities {
		k := key(v)
		if current[k] {
			continue
		}
		m.mu.Lock()
		delete(m.seen, k)
		m.mu.Unlock()

		title := fmt.Sprintf("Patched: %s", v.Package)
		msg := fmt.Sprintf("%s is no longer reported", describeVuln(v))
		if v.PatchedVersion != "" {
			msg = fmt.Sprintf("%s fixed in %s", describeVuln(v), v.PatchedVersion)
		}

		n := notify.New(notify.TopicSecurity, notify.PriorityMedium, title, msg)
		n.Meta.Source = cur.Source
		n.Security = &notify.SecurityDetail{
			Severity:       strings.ToLower(v.Severity),
			CVE:            v.CVE,
			Package:        v.Package,
			PatchedVersion: v.PatchedVersion,
		}

		metrics.MonitorAlerts.WithLabelValues("security", "patched").Inc()
		m.sender.Send(ctx, n)
	}
}

// SeenCount reports how many vulnerabilities have been notified so far.
func (m *Monitor) SeenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func describeVuln(v Vulnerability) string {
	var b strings.Builder
	b.WriteString(v.Package)
	if v.Version != "" {
		b.WriteString("@")
		b.WriteString(v.Version)
	}
	if v.CVE != "" {
		b.WriteString(" (")
		b.WriteString(v.CVE)
		b.WriteString(")")
	}
	if v.Title != "" {
		b.WriteString(": ")
		b.WriteString(v.Title)
	}
	return b.String()
}
