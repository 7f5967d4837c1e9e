package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"alertflow/internal/notify"
	"alertflow/internal/notify/registry"
	logx "alertflow/pkg/logx"
)

// fakeAdapter is an in-memory transport. A recipient whose Target is "hang"
// blocks until the context expires; fail makes every send error.
type fakeAdapter struct {
	typ notify.ChannelType
	id  string

	mu   sync.Mutex
	sent []string // recipient ids
	fail error
}

func (f *fakeAdapter) Type() notify.ChannelType { return f.typ }
func (f *fakeAdapter) ChannelID() string        { return f.id }

func (f *fakeAdapter) Send(ctx context.Context, n notify.Notification, r notify.Recipient) error {
	if r.Target == "hang" {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, r.ID)
	return nil
}

func (f *fakeAdapter) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAdapter) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func testRegistry(t *testing.T, channels ...registry.ChannelConfig) *registry.Registry {
	t.Helper()
	if len(channels) == 0 {
		channels = []registry.ChannelConfig{{ID: "tg", Type: notify.ChannelTelegram, Enabled: true}}
	}
	ids := make([]string, 0, len(channels))
	for _, c := range channels {
		ids = append(ids, c.ID)
	}
	reg, err := registry.FromConfig(registry.Config{
		Channels: channels,
		Topics: []registry.TopicConfig{
			{ID: notify.TopicSystem, Channels: ids, DedupWindow: time.Minute},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func recipient(id string, target string) notify.Recipient {
	return notify.Recipient{
		ID:          id,
		Channel:     notify.ChannelTelegram,
		Target:      target,
		Topics:      []notify.Topic{notify.TopicSystem},
		MinPriority: notify.PriorityLow,
		Enabled:     true,
	}
}

func TestSendFansOutConcurrently(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{typ: notify.ChannelTelegram, id: "tg"}
	d := New(Config{SendTimeout: 100 * time.Millisecond}, testRegistry(t), nil, logx.Nop(), nil, nil)
	d.RegisterAdapter(ad)
	d.AddRecipient(recipient("a", ""))
	d.AddRecipient(recipient("b", ""))
	d.AddRecipient(recipient("slow", "hang"))

	start := time.Now()
	results := d.Send(context.Background(), notify.New(notify.TopicSystem, notify.PriorityHigh, "disk filling", "90%"))
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("fan-out took %v; one hanging recipient must not block the others", elapsed)
	}

	okCount, failCount := 0, 0
	for _, r := range results {
		if r.Success {
			okCount++
		} else {
			failCount++
			if r.RecipientID != "slow" {
				t.Fatalf("unexpected failure for %s: %v", r.RecipientID, r.Err)
			}
			var de *notify.DeliveryError
			if !errors.As(r.Err, &de) {
				t.Fatalf("hang failure should be a DeliveryError, got %T", r.Err)
			}
		}
	}
	if okCount != 2 || failCount != 1 {
		t.Fatalf("ok=%d fail=%d, want 2/1", okCount, failCount)
	}

	// The transport failure on a high-priority notification is retried.
	if n := d.RetryQueueLen(); n != 1 {
		t.Fatalf("retry queue = %d, want 1", n)
	}
}

func TestSendDedupWindow(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{typ: notify.ChannelTelegram, id: "tg"}
	d := New(Config{}, testRegistry(t), nil, logx.Nop(), nil, nil)
	d.RegisterAdapter(ad)
	d.AddRecipient(recipient("a", ""))

	first := notify.New(notify.TopicSystem, notify.PriorityMedium, "service degraded", "latency up")
	if res := d.Send(context.Background(), first); len(res) != 1 || !res[0].Success {
		t.Fatalf("first send failed: %+v", res)
	}

	// Same topic+title within the window: suppressed, no results at all.
	dup := notify.New(notify.TopicSystem, notify.PriorityMedium, "service degraded", "latency up even more")
	if res := d.Send(context.Background(), dup); res != nil {
		t.Fatalf("duplicate produced results: %+v", res)
	}
	if st := d.Stats(); st.Deduped != 1 {
		t.Fatalf("deduped = %d, want 1", st.Deduped)
	}

	// A different title is a different identity.
	other := notify.New(notify.TopicSystem, notify.PriorityMedium, "service restored", "back to normal")
	if res := d.Send(context.Background(), other); len(res) != 1 {
		t.Fatalf("distinct notification suppressed: %+v", res)
	}
}

func TestRetryBackoffAndDrop(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{typ: notify.ChannelTelegram, id: "tg"}
	ad.setFail(fmt.Errorf("temporarily down"))
	d := New(Config{RetryDelay: time.Minute, MaxRetries: 2}, testRegistry(t), nil, logx.Nop(), nil, nil)
	d.RegisterAdapter(ad)
	d.AddRecipient(recipient("a", ""))

	d.Send(context.Background(), notify.New(notify.TopicSystem, notify.PriorityHigh, "api down", "502"))
	if n := d.RetryQueueLen(); n != 1 {
		t.Fatalf("retry queue = %d, want 1", n)
	}

	ctx := context.Background()
	now := time.Now()

	// Not yet due.
	d.sweepRetries(ctx, now.Add(30*time.Second))
	if n := d.RetryQueueLen(); n != 1 {
		t.Fatalf("entry swept before its backoff elapsed")
	}

	// First retry due after RetryDelay; it fails again.
	d.sweepRetries(ctx, now.Add(2*time.Minute))
	if n := d.RetryQueueLen(); n != 1 {
		t.Fatalf("retry queue = %d after failed retry, want 1", n)
	}

	// Second retry (backoff doubled) exhausts MaxRetries and drops the entry.
	d.sweepRetries(ctx, time.Now().Add(3*time.Minute))
	if n := d.RetryQueueLen(); n != 0 {
		t.Fatalf("retry queue = %d after exhaustion, want 0", n)
	}
}

func TestRetrySucceedsAfterRecovery(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{typ: notify.ChannelTelegram, id: "tg"}
	ad.setFail(fmt.Errorf("temporarily down"))
	d := New(Config{RetryDelay: time.Minute, MaxRetries: 3}, testRegistry(t), nil, logx.Nop(), nil, nil)
	d.RegisterAdapter(ad)
	d.AddRecipient(recipient("a", ""))

	d.Send(context.Background(), notify.New(notify.TopicSystem, notify.PriorityHigh, "api down", "502"))

	ad.setFail(nil)
	d.sweepRetries(context.Background(), time.Now().Add(2*time.Minute))
	if n := d.RetryQueueLen(); n != 0 {
		t.Fatalf("retry queue = %d after successful retry, want 0", n)
	}
	if got := ad.sentTo(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("retry delivered to %v, want [a]", got)
	}
}

func TestRetryDropsRemovedRecipient(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{typ: notify.ChannelTelegram, id: "tg"}
	ad.setFail(fmt.Errorf("down"))
	d := New(Config{RetryDelay: time.Minute, MaxRetries: 3}, testRegistry(t), nil, logx.Nop(), nil, nil)
	d.RegisterAdapter(ad)
	d.AddRecipient(recipient("a", ""))

	d.Send(context.Background(), notify.New(notify.TopicSystem, notify.PriorityHigh, "api down", "502"))
	if !d.RemoveRecipient("a") {
		t.Fatalf("RemoveRecipient failed")
	}
	d.sweepRetries(context.Background(), time.Now().Add(2*time.Minute))
	if n := d.RetryQueueLen(); n != 0 {
		t.Fatalf("retry queue = %d for removed recipient, want 0", n)
	}
}

func TestLowPriorityFailureNotRetried(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{typ: notify.ChannelTelegram, id: "tg"}
	ad.setFail(fmt.Errorf("down"))
	d := New(Config{}, testRegistry(t), nil, logx.Nop(), nil, nil)
	d.RegisterAdapter(ad)
	d.AddRecipient(recipient("a", ""))

	d.Send(context.Background(), notify.New(notify.TopicSystem, notify.PriorityLow, "fyi", "noise"))
	if n := d.RetryQueueLen(); n != 0 {
		t.Fatalf("low-priority failure entered the retry queue")
	}
}

func TestQuietHoursSuppressNonCritical(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	start := now.Add(-time.Hour).Format("15:04")
	end := now.Add(time.Hour).Format("15:04")

	reg := testRegistry(t, registry.ChannelConfig{
		ID: "tg", Type: notify.ChannelTelegram, Enabled: true,
		Quiet: &registry.QuietHours{Start: start, End: end},
	})
	ad := &fakeAdapter{typ: notify.ChannelTelegram, id: "tg"}
	d := New(Config{}, reg, nil, logx.Nop(), nil, nil)
	d.RegisterAdapter(ad)
	d.AddRecipient(recipient("a", ""))

	res := d.Send(context.Background(), notify.New(notify.TopicSystem, notify.PriorityHigh, "noisy", "suppressed"))
	if len(res) != 1 || res[0].Success {
		t.Fatalf("quiet hours delivery = %+v, want suppressed failure", res)
	}
	if !errors.Is(res[0].Err, ErrQuietHours) {
		t.Fatalf("err = %v, want ErrQuietHours", res[0].Err)
	}
	// Quiet-hours suppression is not a transport failure; no retry.
	if n := d.RetryQueueLen(); n != 0 {
		t.Fatalf("quiet-hours suppression entered the retry queue")
	}

	// Critical overrides the window.
	crit := notify.New(notify.TopicSystem, notify.PriorityCritical, "really down", "act now")
	res = d.Send(context.Background(), crit)
	if len(res) != 1 || !res[0].Success {
		t.Fatalf("critical delivery during quiet hours = %+v, want success", res)
	}
}

func TestUnknownChannelIsConfigurationError(t *testing.T) {
	t.Parallel()

	d := New(Config{}, testRegistry(t), nil, logx.Nop(), nil, nil)
	d.AddRecipient(recipient("a", ""))

	res := d.Send(context.Background(), notify.New(notify.TopicSystem, notify.PriorityHigh, "no adapter", "x"))
	if len(res) != 1 || res[0].Success {
		t.Fatalf("res = %+v, want single failure", res)
	}
	var ce *notify.ConfigurationError
	if !errors.As(res[0].Err, &ce) {
		t.Fatalf("err = %T, want ConfigurationError", res[0].Err)
	}
	if n := d.RetryQueueLen(); n != 0 {
		t.Fatalf("configuration error entered the retry queue")
	}
}

func TestStatsSnapshot(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{typ: notify.ChannelTelegram, id: "tg"}
	d := New(Config{RecentErrors: 2}, testRegistry(t), nil, logx.Nop(), nil, nil)
	d.RegisterAdapter(ad)
	d.AddRecipient(recipient("a", ""))

	d.Send(context.Background(), notify.New(notify.TopicSystem, notify.PriorityMedium, "one", "m"))
	ad.setFail(fmt.Errorf("boom"))
	d.Send(context.Background(), notify.New(notify.TopicSystem, notify.PriorityLow, "two", "m"))
	d.Send(context.Background(), notify.New(notify.TopicSystem, notify.PriorityLow, "three", "m"))
	d.Send(context.Background(), notify.New(notify.TopicSystem, notify.PriorityLow, "four", "m"))

	st := d.Stats()
	if st.Sent != 1 || st.Failed != 3 {
		t.Fatalf("sent=%d failed=%d, want 1/3", st.Sent, st.Failed)
	}
	if len(st.RecentErrors) != 2 {
		t.Fatalf("recent errors = %d, want ring capped at 2", len(st.RecentErrors))
	}
	cc := st.ByChannel[notify.ChannelTelegram]
	if cc.Sent != 1 || cc.Failed != 3 {
		t.Fatalf("telegram counts = %+v", cc)
	}
	if st.DedupEntries == 0 {
		t.Fatalf("dedup entries = 0, want recorded keys")
	}
}

func TestDedupKeyIdentity(t *testing.T) {
	t.Parallel()

	a := notify.New(notify.TopicSecurity, notify.PriorityHigh, "CVE found", "x")
	a.Security = &notify.SecurityDetail{CVE: "CVE-2026-0001"}
	b := notify.New(notify.TopicSecurity, notify.PriorityHigh, "CVE found", "different body")
	b.Security = &notify.SecurityDetail{CVE: "CVE-2026-0001"}
	c := notify.New(notify.TopicSecurity, notify.PriorityHigh, "CVE found", "x")
	c.Security = &notify.SecurityDetail{CVE: "CVE-2026-0002"}

	if dedupKey(a) != dedupKey(b) {
		t.Fatalf("same identity produced different keys")
	}
	if dedupKey(a) == dedupKey(c) {
		t.Fatalf("different CVEs produced the same key")
	}
}
