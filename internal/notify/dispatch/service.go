// Package dispatch is the notification core: dedup, recipient resolution,
// concurrent channel fan-out, delivery statistics and the retry queue.
package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"alertflow/internal/eventbus"
	"alertflow/internal/notify"
	"alertflow/internal/notify/channel"
	"alertflow/internal/notify/registry"
	rtsup "alertflow/internal/runtime/supervisor"
	"alertflow/internal/storage"
	logx "alertflow/pkg/logx"
)

type Config struct {
	// RetryDelay is the base of the exponential backoff: a retry becomes due
	// RetryDelay * 2^(attempt-1) after the previous attempt.
	RetryDelay time.Duration
	// MaxRetries bounds retry attempts per (notification, recipient) pair.
	MaxRetries int
	// SweepInterval is how often the retry queue is scanned for due entries.
	SweepInterval time.Duration
	// GCInterval is how often expired dedup keys are purged.
	GCInterval time.Duration
	// SendTimeout bounds each outbound delivery call.
	SendTimeout time.Duration
	// DedupMaxEntries caps the dedup cache; earliest-expiring keys are evicted
	// past the cap.
	DedupMaxEntries int
	// RecentErrors caps the ring of recent delivery errors kept for /status.
	RecentErrors int
	// PersistDedup mirrors dedup keys to the storage backend (best-effort) so
	// suppression survives restarts.
	PersistDedup bool
}

func (c *Config) applyDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	if c.RecentErrors <= 0 {
		c.RecentErrors = 50
	}
}

// Dispatcher consumes notifications exactly once via Send and fans them out
// to eligible recipients. It is safe for concurrent use.
type Dispatcher struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	reg   *registry.Registry
	store storage.Store

	adapters map[notify.ChannelType]channel.Adapter

	mu         sync.Mutex
	recipients map[string]notify.Recipient
	limiters   map[string]*rate.Limiter // channel id -> limiter

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Retry queue, guarded separately: touched by Send and the sweep tick.
	rmu     sync.Mutex
	retries []*retryEntry

	// Statistics, guarded separately.
	smu   sync.Mutex
	stats stats

	// Optional persistent dedup writes (best-effort).
	persistCh chan dedupWrite

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, reg *registry.Registry, adapters []channel.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Dispatcher {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		reg:        reg,
		store:      store,
		adapters:   map[notify.ChannelType]channel.Adapter{},
		recipients: map[string]notify.Recipient{},
		limiters:   map[string]*rate.Limiter{},
		dedup:      map[string]time.Time{},
		stats:      newStats(cfg.RecentErrors),
	}
	for _, a := range adapters {
		if a != nil {
			d.adapters[a.Type()] = a
		}
	}
	return d
}

// RegisterAdapter adds (or replaces) a transport in the type lookup table.
func (d *Dispatcher) RegisterAdapter(a channel.Adapter) {
	if a == nil {
		return
	}
	d.mu.Lock()
	d.adapters[a.Type()] = a
	d.mu.Unlock()
}

func (d *Dispatcher) AddRecipient(r notify.Recipient) {
	d.mu.Lock()
	d.recipients[r.ID] = r
	d.mu.Unlock()
}

func (d *Dispatcher) RemoveRecipient(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.recipients[id]; !ok {
		return false
	}
	delete(d.recipients, id)
	return true
}

// SetRecipients replaces the whole recipient set (config reload path).
func (d *Dispatcher) SetRecipients(rs []notify.Recipient) {
	m := make(map[string]notify.Recipient, len(rs))
	for _, r := range rs {
		m[r.ID] = r
	}
	d.mu.Lock()
	d.recipients = m
	d.mu.Unlock()
}

func (d *Dispatcher) Recipients() []notify.Recipient {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]notify.Recipient, 0, len(d.recipients))
	for _, r := range d.recipients {
		out = append(out, r)
	}
	return out
}

// Start launches the periodic sweeps (dedup GC, retry queue) under an owned
// supervisor. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.sup != nil {
		return
	}
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatch"))),
		// Sweep failures are best-effort; never take down the app.
		rtsup.WithCancelOnError(false),
	)

	if d.cfg.PersistDedup && d.store != nil {
		d.persistCh = make(chan dedupWrite, 1024)
		pch := d.persistCh
		st := d.store
		d.sup.Go0("dedup.persist", func(c context.Context) {
			d.persistLoop(c, pch, st)
		})
	}

	d.sup.GoTick("dedup.gc", d.cfg.GCInterval, func(c context.Context) {
		d.gcDedup(time.Now())
	})
	d.sup.GoTick("retry.sweep", d.cfg.SweepInterval, func(c context.Context) {
		d.sweepRetries(c, time.Now())
	})
}

// Stop cancels all periodic work and waits for it, bounded by ctx. Queued
// retries are abandoned (best-effort semantics).
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.runMu.Lock()
	sup := d.sup
	d.sup = nil
	d.persistCh = nil
	d.runMu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && err != context.Canceled {
		d.log.Debug("dispatch stop", logx.Err(err))
	}
}

func (d *Dispatcher) adapterFor(t notify.ChannelType) (channel.Adapter, bool) {
	d.mu.Lock()
	a, ok := d.adapters[t]
	d.mu.Unlock()
	return a, ok
}

// limiterFor returns the channel's shared rate limiter, creating it from the
// registry's RatePerSec on first use. A nil limiter means unlimited.
func (d *Dispatcher) limiterFor(channelID string) *rate.Limiter {
	ch, ok := d.reg.Channel(channelID)
	if !ok || ch.RatePerSec <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if lim, ok := d.limiters[channelID]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(ch.RatePerSec), ch.RatePerSec)
	d.limiters[channelID] = lim
	return lim
}

func (d *Dispatcher) publish(typ string, n notify.Notification, recipientID string, errMsg string) {
	if d.bus == nil {
		return
	}
	now := time.Now()
	d.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: Event{
		NotificationID: n.ID,
		Topic:          n.Topic,
		Priority:       n.Priority,
		RecipientID:    recipientID,
		At:             now,
		Error:          errMsg,
	}})
}

// Event is the bus payload for dispatcher lifecycle events.
type Event struct {
	NotificationID string          `json:"notification_id"`
	Topic          notify.Topic    `json:"topic"`
	Priority       notify.Priority `json:"priority"`
	RecipientID    string          `json:"recipient_id,omitempty"`
	At             time.Time       `json:"at"`
	Error          string          `json:"error,omitempty"`
}
