package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"alertflow/internal/eventbus"
	"alertflow/internal/metrics"
	"alertflow/internal/notify"
	logx "alertflow/pkg/logx"
)

// ErrQuietHours marks a delivery suppressed by the channel's quiet window.
// It is not a DeliveryError, so it never enters the retry queue.
var ErrQuietHours = errors.New("suppressed by quiet hours")

// Send dispatches one notification: dedup check, recipient resolution,
// concurrent per-recipient delivery, stats update and retry enqueueing.
// A dedup-suppressed notification returns no results at all.
func (d *Dispatcher) Send(ctx context.Context, n notify.Notification) []notify.Result {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	// The dedup key is recorded whether or not delivery succeeds: the window
	// guards against re-analysis storms, not delivery guarantees.
	key := dedupKey(n)
	window := d.reg.DedupWindow(n.Topic)
	if !d.dedupAllow(ctx, key, window) {
		d.markDeduped()
		metrics.NotificationsDeduped.WithLabelValues(string(n.Topic)).Inc()
		d.publish(eventbus.TypeDeduped, n, "", "")
		return nil
	}

	eligible := d.resolveRecipients(n)
	if len(eligible) == 0 {
		return nil
	}

	// Concurrent fan-out: one slow or failing recipient must not block the
	// others. Each delivery is independently bounded by SendTimeout.
	results := make([]notify.Result, len(eligible))
	var wg sync.WaitGroup
	for i, r := range eligible {
		wg.Add(1)
		go func(i int, r notify.Recipient) {
			defer wg.Done()
			results[i] = d.deliver(ctx, n, r)
		}(i, r)
	}
	wg.Wait()

	for _, res := range results {
		d.record(res)
		if res.Success {
			metrics.NotificationsSent.WithLabelValues(string(n.Topic), string(res.Channel)).Inc()
			d.publish(eventbus.TypeSent, n, res.RecipientID, "")
			continue
		}
		metrics.NotificationsFailed.WithLabelValues(string(n.Topic), string(res.Channel)).Inc()
		d.publish(eventbus.TypeFailed, n, res.RecipientID, errString(res.Err))

		// Only transport failures on non-low notifications are worth retrying.
		var de *notify.DeliveryError
		if n.Priority > notify.PriorityLow && errors.As(res.Err, &de) {
			d.enqueueRetry(n, res.RecipientID)
		}
	}
	return results
}

func (d *Dispatcher) resolveRecipients(n notify.Notification) []notify.Recipient {
	d.mu.Lock()
	snapshot := make([]notify.Recipient, 0, len(d.recipients))
	for _, r := range d.recipients {
		snapshot = append(snapshot, r)
	}
	d.mu.Unlock()

	eligible := snapshot[:0]
	for _, r := range snapshot {
		ok, err := r.Eligible(n)
		if err != nil {
			// Malformed filter: the recipient is non-matching, not fatal.
			d.log.Warn("recipient filter invalid", logx.String("recipient", r.ID), logx.Err(err))
			continue
		}
		if ok {
			eligible = append(eligible, r)
		}
	}
	return eligible
}

// deliver sends to a single recipient and classifies the outcome.
func (d *Dispatcher) deliver(ctx context.Context, n notify.Notification, r notify.Recipient) notify.Result {
	res := notify.Result{RecipientID: r.ID, Channel: r.Channel}

	ad, ok := d.adapterFor(r.Channel)
	if !ok {
		res.Err = &notify.ConfigurationError{Kind: "channel", Ref: string(r.Channel)}
		return res
	}

	// Quiet hours silence everything below critical on that channel.
	if n.Priority < notify.PriorityCritical && d.reg.InQuietHours(ad.ChannelID(), time.Now()) {
		res.Err = ErrQuietHours
		return res
	}

	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	if lim := d.limiterFor(ad.ChannelID()); lim != nil {
		if err := lim.Wait(callCtx); err != nil {
			res.Err = &notify.DeliveryError{Channel: r.Channel, RecipientID: r.ID, Err: err}
			return res
		}
	}

	if err := ad.Send(callCtx, n, r); err != nil {
		var ce *notify.ConfigurationError
		if errors.As(err, &ce) {
			res.Err = err
		} else {
			res.Err = &notify.DeliveryError{Channel: r.Channel, RecipientID: r.ID, Err: err}
		}
		return res
	}

	res.Success = true
	res.SentAt = time.Now()
	return res
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
