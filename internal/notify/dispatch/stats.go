package dispatch

import (
	"time"

	"alertflow/internal/notify"
)

// stats accumulates delivery outcomes. Guarded by Dispatcher.smu.
type stats struct {
	sent      uint64
	failed    uint64
	deduped   uint64
	byChannel map[notify.ChannelType]channelCounts

	// Bounded ring of recent failures, newest last.
	errs   []ErrorRecord
	errCap int
}

type channelCounts struct {
	Sent   uint64
	Failed uint64
}

// ErrorRecord is one remembered delivery failure.
type ErrorRecord struct {
	RecipientID string             `json:"recipient_id"`
	Channel     notify.ChannelType `json:"channel"`
	Error       string             `json:"error"`
	At          time.Time          `json:"at"`
}

// Stats is a point-in-time snapshot of dispatcher activity.
type Stats struct {
	Sent         uint64                             `json:"sent"`
	Failed       uint64                             `json:"failed"`
	Deduped      uint64                             `json:"deduped"`
	ByChannel    map[notify.ChannelType]channelCounts `json:"by_channel"`
	RecentErrors []ErrorRecord                      `json:"recent_errors"`
	RetryQueue   int                                `json:"retry_queue"`
	DedupEntries int                                `json:"dedup_entries"`
}

func newStats(errCap int) stats {
	return stats{
		byChannel: map[notify.ChannelType]channelCounts{},
		errCap:    errCap,
	}
}

func (d *Dispatcher) record(res notify.Result) {
	d.smu.Lock()
	defer d.smu.Unlock()

	cc := d.stats.byChannel[res.Channel]
	if res.Success {
		d.stats.sent++
		cc.Sent++
	} else {
		d.stats.failed++
		cc.Failed++
		d.stats.errs = append(d.stats.errs, ErrorRecord{
			RecipientID: res.RecipientID,
			Channel:     res.Channel,
			Error:       errString(res.Err),
			At:          time.Now(),
		})
		if d.stats.errCap > 0 && len(d.stats.errs) > d.stats.errCap {
			d.stats.errs = d.stats.errs[len(d.stats.errs)-d.stats.errCap:]
		}
	}
	d.stats.byChannel[res.Channel] = cc
}

func (d *Dispatcher) markDeduped() {
	d.smu.Lock()
	d.stats.deduped++
	d.smu.Unlock()
}

// Stats snapshots delivery counters, the recent-error ring and queue sizes.
func (d *Dispatcher) Stats() Stats {
	d.smu.Lock()
	out := Stats{
		Sent:      d.stats.sent,
		Failed:    d.stats.failed,
		Deduped:   d.stats.deduped,
		ByChannel: make(map[notify.ChannelType]channelCounts, len(d.stats.byChannel)),
	}
	for k, v := range d.stats.byChannel {
		out.ByChannel[k] = v
	}
	out.RecentErrors = append([]ErrorRecord(nil), d.stats.errs...)
	d.smu.Unlock()

	out.RetryQueue = d.RetryQueueLen()
	out.DedupEntries = d.DedupSize()
	return out
}
