package dispatch

import (
	"context"
	"time"

	"alertflow/internal/eventbus"
	"alertflow/internal/metrics"
	"alertflow/internal/notify"
	logx "alertflow/pkg/logx"
)

// retryEntry is one pending redelivery. Attempts counts retries already made;
// the next one becomes due RetryDelay * 2^Attempts after lastTry.
type retryEntry struct {
	n         notify.Notification
	recipient string
	attempts  int
	lastTry   time.Time
}

func (d *Dispatcher) enqueueRetry(n notify.Notification, recipientID string) {
	e := &retryEntry{n: n, recipient: recipientID, lastTry: time.Now()}
	d.rmu.Lock()
	d.retries = append(d.retries, e)
	d.rmu.Unlock()
	d.publish(eventbus.TypeRetry, n, recipientID, "")
}

// RetryQueueLen reports the number of pending retry entries.
func (d *Dispatcher) RetryQueueLen() int {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	return len(d.retries)
}

// sweepRetries resends every due entry. Success removes the entry; failure
// increments the attempt count and drops the entry once MaxRetries is
// reached (logged as unrecoverable).
func (d *Dispatcher) sweepRetries(ctx context.Context, now time.Time) {
	d.rmu.Lock()
	due := make([]*retryEntry, 0, len(d.retries))
	for _, e := range d.retries {
		if now.Sub(e.lastTry) >= d.backoff(e.attempts) {
			due = append(due, e)
		}
	}
	d.rmu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		d.retryOne(ctx, e)
	}
}

// backoff returns the delay before the (attempts+1)-th retry:
// RetryDelay * 2^attempts, i.e. retryDelay * 2^(attempt-1) for the n-th retry.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.RetryDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

func (d *Dispatcher) retryOne(ctx context.Context, e *retryEntry) {
	rec, ok := d.recipientByID(e.recipient)
	if !ok {
		// Recipient removed since the failure; nothing left to deliver to.
		d.dropRetry(e)
		return
	}

	metrics.RetriesAttempted.Inc()
	res := d.deliver(ctx, e.n, rec)
	d.record(res)

	if res.Success {
		metrics.NotificationsSent.WithLabelValues(string(e.n.Topic), string(res.Channel)).Inc()
		d.publish(eventbus.TypeSent, e.n, e.recipient, "")
		d.dropRetry(e)
		return
	}

	metrics.NotificationsFailed.WithLabelValues(string(e.n.Topic), string(res.Channel)).Inc()

	d.rmu.Lock()
	e.attempts++
	e.lastTry = time.Now()
	exhausted := e.attempts >= d.cfg.MaxRetries
	d.rmu.Unlock()

	if exhausted {
		d.dropRetry(e)
		metrics.RetriesDropped.Inc()
		d.publish(eventbus.TypeDropped, e.n, e.recipient, errString(res.Err))
		d.log.Warn("delivery unrecoverable, dropping",
			logx.String("notification", e.n.ID),
			logx.String("recipient", e.recipient),
			logx.Int("attempts", e.attempts),
			logx.Err(res.Err))
	}
}

func (d *Dispatcher) dropRetry(e *retryEntry) {
	d.rmu.Lock()
	kept := d.retries[:0]
	for _, x := range d.retries {
		if x != e {
			kept = append(kept, x)
		}
	}
	d.retries = kept
	d.rmu.Unlock()
}

func (d *Dispatcher) recipientByID(id string) (notify.Recipient, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.recipients[id]
	return r, ok
}
