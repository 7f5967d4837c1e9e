package dispatch

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"alertflow/internal/notify"
	"alertflow/internal/storage"
	logx "alertflow/pkg/logx"
)

// dedupKey derives the suppression key: topic, title, correlation id and the
// topic-specific identity fields (CVE, metric name, wager id, ...).
func dedupKey(n notify.Notification) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.Topic))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(n.Title))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(n.Meta.CorrelationID))
	for _, f := range n.DedupIdentity() {
		_, _ = h.Write([]byte{'|'})
		_, _ = h.Write([]byte(f))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether a send for key may proceed, and if so records
// the key with a fresh suppress-until deadline. The check consults the
// optional persistent store so suppression survives restarts.
func (d *Dispatcher) dedupAllow(ctx context.Context, key string, window time.Duration) bool {
	if window <= 0 || key == "" {
		return true
	}
	now := time.Now()

	d.dmu.Lock()
	if until, ok := d.dedup[key]; ok && now.Before(until) {
		d.dmu.Unlock()
		return false
	}
	d.dmu.Unlock()

	if d.cfg.PersistDedup && d.store != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 25*time.Millisecond)
		until, ok, err := d.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			d.dmu.Lock()
			d.dedup[key] = until
			d.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	d.dmu.Lock()
	d.dedup[key] = until
	d.pruneLocked(now)
	d.dmu.Unlock()

	// Mirror to the store asynchronously; drops are fine.
	d.runMu.Lock()
	pch := d.persistCh
	d.runMu.Unlock()
	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// pruneLocked drops expired keys and enforces the cap by evicting the
// earliest-expiring entries. Caller holds dmu.
func (d *Dispatcher) pruneLocked(now time.Time) {
	for k, until := range d.dedup {
		if !now.Before(until) {
			delete(d.dedup, k)
		}
	}
	max := d.cfg.DedupMaxEntries
	for max > 0 && len(d.dedup) > max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range d.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if minKey == "" {
			break
		}
		delete(d.dedup, minKey)
	}
}

// gcDedup is the periodic cache sweep.
func (d *Dispatcher) gcDedup(now time.Time) {
	d.dmu.Lock()
	before := len(d.dedup)
	d.pruneLocked(now)
	removed := before - len(d.dedup)
	d.dmu.Unlock()
	if removed > 0 {
		d.log.Debug("dedup cache pruned", logx.Int("removed", removed))
	}
}

// DedupSize reports the live dedup cache size (for /status and tests).
func (d *Dispatcher) DedupSize() int {
	d.dmu.Lock()
	defer d.dmu.Unlock()
	return len(d.dedup)
}

func (d *Dispatcher) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	if ch == nil || st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}
