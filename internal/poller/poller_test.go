package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"alertflow/internal/monitor/security"
	"alertflow/internal/monitor/wager"
	"alertflow/internal/notify"
	logx "alertflow/pkg/logx"
)

type fakeSecurity struct {
	mu      sync.Mutex
	audits  []security.AuditResult
	patches int
}

func (f *fakeSecurity) ProcessAudit(_ context.Context, res security.AuditResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, res)
}

func (f *fakeSecurity) CheckPatches(_ context.Context, _, _ security.AuditResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches++
}

type fakePerf struct {
	mu      sync.Mutex
	samples map[string]float64
}

func (f *fakePerf) RecordMetric(_ context.Context, name string, value float64, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.samples == nil {
		f.samples = map[string]float64{}
	}
	f.samples[name] = value
}

type fakeWagers struct {
	mu       sync.Mutex
	records  []wager.Wager
	analyzed int
}

func (f *fakeWagers) Record(_ context.Context, w wager.Wager) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, w)
}

func (f *fakeWagers) Analyze(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzed++
	return true
}

type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeSender) Send(_ context.Context, n notify.Notification) []notify.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return []notify.Result{{Success: true}}
}

func (f *fakeSender) all() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notify.Notification, len(f.sent))
	copy(out, f.sent)
	return out
}

func serve(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPollSecurityTransformsAudit(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"vulnerabilities":{
		"left-pad":{"severity":"critical","cve":"CVE-2024-1111","version":"1.3.0","patched_in":"1.3.1"},
		"underscore":{"severity":"low","range":"<1.12.1"}
	}}`)

	sec := &fakeSecurity{}
	p := New(Config{Security: SourceConfig{URL: srv.URL}},
		Sinks{Security: sec, Notify: &fakeSender{}}, logx.Nop())

	if err := p.PollSecurityNow(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	sec.mu.Lock()
	defer sec.mu.Unlock()
	if len(sec.audits) != 1 {
		t.Fatalf("audits = %d, want 1", len(sec.audits))
	}
	vulns := sec.audits[0].Vulnerabilities
	if len(vulns) != 2 {
		t.Fatalf("vulns = %d, want 2", len(vulns))
	}
	byPkg := map[string]security.Vulnerability{}
	for _, v := range vulns {
		byPkg[v.Package] = v
	}
	if v := byPkg["left-pad"]; v.CVE != "CVE-2024-1111" || v.PatchedVersion != "1.3.1" {
		t.Fatalf("left-pad = %+v", v)
	}
	if v := byPkg["underscore"]; v.Version != "<1.12.1" {
		t.Fatalf("underscore version = %q, want range fallback", v.Version)
	}
	if sec.patches != 0 {
		t.Fatalf("patches checked on first audit")
	}
}

func TestPollSecurityComparesWithPrevious(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"vulnerabilities":{"liba":{"severity":"high","cve":"CVE-2024-0001"}}}`)

	sec := &fakeSecurity{}
	p := New(Config{Security: SourceConfig{URL: srv.URL}},
		Sinks{Security: sec, Notify: &fakeSender{}}, logx.Nop())

	for i := 0; i < 2; i++ {
		if err := p.PollSecurityNow(context.Background()); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	sec.mu.Lock()
	defer sec.mu.Unlock()
	if sec.patches != 1 {
		t.Fatalf("patch checks = %d, want 1 (second poll only)", sec.patches)
	}
}

func TestPollPerformance(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"metrics":[
		{"name":"latency_ms","value":220,"unit":"ms"},
		{"name":"rps","value":1500}
	]}`)

	perf := &fakePerf{}
	p := New(Config{Performance: SourceConfig{URL: srv.URL}}, Sinks{Perf: perf}, logx.Nop())

	if err := p.PollPerformanceNow(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	perf.mu.Lock()
	defer perf.mu.Unlock()
	if perf.samples["latency_ms"] != 220 || perf.samples["rps"] != 1500 {
		t.Fatalf("samples = %v", perf.samples)
	}
}

func TestPollHealthDegraded(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"status":"degraded","components":[
		{"name":"db","status":"healthy"},
		{"name":"queue","status":"down","message":"no consumers"}
	]}`)

	sender := &fakeSender{}
	p := New(Config{Health: SourceConfig{URL: srv.URL}}, Sinks{Notify: sender}, logx.Nop())

	if err := p.PollHealthNow(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	sent := sender.all()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	n := sent[0]
	if n.Topic != notify.TopicSystem || n.Priority != notify.PriorityHigh {
		t.Fatalf("notification = %s/%s, want system/high", n.Topic, n.Priority)
	}
}

func TestPollHealthUnreachableOncePerOutage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	srv.Close() // connection refused from now on

	sender := &fakeSender{}
	p := New(Config{Health: SourceConfig{URL: srv.URL, Timeout: time.Second}},
		Sinks{Notify: sender}, logx.Nop())

	for i := 0; i < 3; i++ {
		if err := p.PollHealthNow(context.Background()); !errors.Is(err, notify.ErrSourceUnavailable) {
			t.Fatalf("poll %d: err = %v, want source unavailable", i, err)
		}
	}
	sent := sender.all()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1 unreachable notification per outage", len(sent))
	}
	if sent[0].Priority != notify.PriorityCritical {
		t.Fatalf("priority = %s, want critical", sent[0].Priority)
	}
}

func TestPollBuildNotifiesNewFailuresOnly(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"builds":[
		{"id":"b1","project":"api","branch":"main","status":"failed","error":"tests"},
		{"id":"b2","project":"api","branch":"dev","status":"success"}
	]}`)

	sender := &fakeSender{}
	p := New(Config{Build: SourceConfig{URL: srv.URL}}, Sinks{Notify: sender}, logx.Nop())

	for i := 0; i < 2; i++ {
		if err := p.PollBuildNow(context.Background()); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	sent := sender.all()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1 (repeat failure not re-notified)", len(sent))
	}
	n := sent[0]
	if n.Topic != notify.TopicBuild || n.Meta.CorrelationID != "b1" {
		t.Fatalf("notification = %s corr %s", n.Topic, n.Meta.CorrelationID)
	}
}

func TestPollWagers(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"wagers":[
		{"id":"w1","agent_id":"a1","customer_id":"c1","amount":9500,"timestamp":"2026-08-29T10:00:00Z"},
		{"id":"w2","agent_id":"a1","customer_id":"c2","amount":120}
	]}`)

	wg := &fakeWagers{}
	p := New(Config{Wagers: SourceConfig{URL: srv.URL}}, Sinks{Wagers: wg}, logx.Nop())

	if err := p.PollWagersNow(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	wg.mu.Lock()
	defer wg.mu.Unlock()
	if len(wg.records) != 2 {
		t.Fatalf("records = %d, want 2", len(wg.records))
	}
	if wg.records[0].At.IsZero() {
		t.Fatal("timestamp not parsed")
	}
	if wg.analyzed != 1 {
		t.Fatalf("analyzed = %d, want 1", wg.analyzed)
	}
}

func TestFetchNon2xxIsSourceUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	p := New(Config{Performance: SourceConfig{URL: srv.URL}}, Sinks{Perf: &fakePerf{}}, logx.Nop())
	err := p.PollPerformanceNow(context.Background())
	if !errors.Is(err, notify.ErrSourceUnavailable) {
		t.Fatalf("err = %v, want source unavailable", err)
	}
}
