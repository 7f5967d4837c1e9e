// Package app wires the engine together: config, logging, storage, the
// channel registry, adapters, the dispatcher, the anomaly monitors and the
// integration poller, all under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"alertflow/internal/config"
	"alertflow/internal/eventbus"
	"alertflow/internal/metrics"
	"alertflow/internal/monitor/perf"
	"alertflow/internal/monitor/security"
	"alertflow/internal/monitor/wager"
	"alertflow/internal/notify"
	"alertflow/internal/notify/channel"
	"alertflow/internal/notify/dispatch"
	"alertflow/internal/notify/registry"
	"alertflow/internal/poller"
	"alertflow/internal/runtime/supervisor"
	"alertflow/internal/storage"
	logx "alertflow/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *registry.Registry

	disp *dispatch.Dispatcher
	sec  *security.Monitor
	perf *perf.Monitor
	wag  *wager.Monitor

	// polMu guards the poller pointer: config reload swaps it while Stop and
	// the cleanup tick read it.
	polMu sync.Mutex
	pol   *poller.Poller

	msrv *metrics.Server

	cleanupIdle atomic.Int64 // nanoseconds
}

func (a *App) poller() *poller.Poller {
	a.polMu.Lock()
	defer a.polMu.Unlock()
	return a.pol
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional; only holds dedup keys)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	regCfg, err := mapRegistryConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	reg, err := registry.FromConfig(regCfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	adapters, err := buildAdapters(cfg, regCfg, reg, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	disp := dispatch.New(dcfg, reg, adapters, log.With(logx.String("comp", "dispatch")), bus, store)

	recipients, err := mapRecipients(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	disp.SetRecipients(recipients)

	secMon := security.New(mapSecurityConfig(cfg), disp, log.With(logx.String("comp", "monitor.security")))
	pcfg, err := mapPerfConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	perfMon := perf.New(pcfg, disp, log.With(logx.String("comp", "monitor.perf")))
	wcfg, err := mapWagerConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	wagMon := wager.New(wcfg, disp, log.With(logx.String("comp", "monitor.wager")))

	cleanupIdle, err := mapWagerCleanupIdle(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	polCfg, err := mapPollerConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	pol := poller.New(polCfg, poller.Sinks{
		Security: secMon,
		Perf:     perfMon,
		Wagers:   wagMon,
		Notify:   disp,
	}, log.With(logx.String("comp", "poller")))

	var msrv *metrics.Server
	if cfg.Metrics.Enabled {
		msrv = metrics.NewServer(metricsAddr(cfg))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		disp:    disp,
		sec:     secMon,
		perf:    perfMon,
		wag:     wagMon,
		pol:     pol,
		msrv:    msrv,
	}
	a.cleanupIdle.Store(int64(cleanupIdle))
	return a, nil
}

// buildAdapters constructs one adapter per channel type present in the
// configuration. The adapter serves the first enabled channel of its type.
func buildAdapters(cfg *config.Config, regCfg registry.Config, reg *registry.Registry, log logx.Logger) ([]channel.Adapter, error) {
	var telegramID, webhookID string
	for _, c := range regCfg.Channels {
		if !c.Enabled {
			continue
		}
		switch c.Type {
		case notify.ChannelTelegram:
			if telegramID == "" {
				telegramID = c.ID
			}
		case notify.ChannelWebhook:
			if webhookID == "" {
				webhookID = c.ID
			}
		}
	}

	var adapters []channel.Adapter
	if telegramID != "" {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return nil, fmt.Errorf("channel %q: telegram.token is required", telegramID)
		}
		tg, err := channel.NewTelegram(channel.TelegramConfig{
			ChannelID: telegramID,
			Token:     cfg.Telegram.Token,
		}, reg, log.With(logx.String("comp", "channel.telegram")))
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, tg)
	}
	if webhookID != "" {
		wh := channel.NewWebhook(channel.WebhookConfig{ChannelID: webhookID}, reg,
			log.With(logx.String("comp", "channel.webhook")))
		adapters = append(adapters, wh)
	}
	return adapters, nil
}

// Dispatcher exposes the notification entry point for embedding callers.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		regCfg, err := mapRegistryConfig(cfg)
		if err != nil {
			return err
		}
		// Full import into a scratch registry catches dangling references.
		if _, err := registry.FromConfig(regCfg); err != nil {
			return err
		}
		if _, err := mapRecipients(cfg); err != nil {
			return err
		}
		if _, err := mapPerfConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWagerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWagerCleanupIdle(cfg); err != nil {
			return err
		}
		if _, err := mapPollerConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.disp.Start(a.sup.Context())
	a.poller().Start(a.sup.Context())

	if a.msrv != nil {
		errCh := a.msrv.Start()
		a.sup.Go("metrics.serve", func(c context.Context) error {
			select {
			case <-c.Done():
				return nil
			case err, ok := <-errCh:
				if ok && err != nil {
					return err
				}
				return nil
			}
		})
		a.log.Info("metrics listener started")
	}

	// Periodic wager state pruning keeps idle aggregates from accumulating.
	a.sup.GoTick("wager.cleanup", time.Hour, func(c context.Context) {
		idle := time.Duration(a.cleanupIdle.Load())
		if pruned := a.wag.Cleanup(idle); pruned > 0 {
			a.log.Debug("wager entities pruned", logx.Int("count", pruned), logx.Duration("max_idle", idle))
		}
	})

	// Log dispatcher lifecycle events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				a.applyReload(newCfg, sections)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config into the running components. Sections
// that require process restart (storage, dispatch timings, telegram token,
// metrics listener) only log a warning.
func (a *App) applyReload(cfg *config.Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "storage", "dispatch", "telegram", "metrics":
			a.log.Warn("config section changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Routing and recipients swap atomically; the validator already accepted
	// them, so failures here are unexpected and keep the previous state.
	if regCfg, err := mapRegistryConfig(cfg); err != nil {
		a.log.Warn("invalid routing config; keeping previous", logx.Err(err))
	} else if err := a.reg.Import(regCfg); err != nil {
		a.log.Warn("routing import failed; keeping previous", logx.Err(err))
	}

	if recipients, err := mapRecipients(cfg); err != nil {
		a.log.Warn("invalid recipients config; keeping previous", logx.Err(err))
	} else {
		a.disp.SetRecipients(recipients)
	}

	a.sec.Apply(mapSecurityConfig(cfg))
	if pcfg, err := mapPerfConfig(cfg); err != nil {
		a.log.Warn("invalid performance monitor config; keeping previous", logx.Err(err))
	} else {
		a.perf.Apply(pcfg)
	}
	if wcfg, err := mapWagerConfig(cfg); err != nil {
		a.log.Warn("invalid wager monitor config; keeping previous", logx.Err(err))
	} else {
		a.wag.Apply(wcfg)
	}
	if idle, err := mapWagerCleanupIdle(cfg); err == nil {
		a.cleanupIdle.Store(int64(idle))
	}

	// The poller owns its cron entries; changing schedules means a stop/start
	// cycle against the supervisor context.
	for _, s := range sections {
		if s == "poller" {
			if polCfg, err := mapPollerConfig(cfg); err != nil {
				a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
			} else {
				stopCtx, cancel := context.WithTimeout(a.sup.Context(), 3*time.Second)
				a.poller().Stop(stopCtx)
				cancel()
				next := poller.New(polCfg, poller.Sinks{
					Security: a.sec,
					Perf:     a.perf,
					Wagers:   a.wag,
					Notify:   a.disp,
				}, a.log.With(logx.String("comp", "poller")))
				a.polMu.Lock()
				a.pol = next
				a.polMu.Unlock()
				next.Start(a.sup.Context())
				a.log.Info("poller restarted with new schedules")
			}
			break
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("poller", 2*time.Second, func(c context.Context) error { a.poller().Stop(c); return nil })
	step("dispatch", 2*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("metrics", 1*time.Second, func(c context.Context) error {
		if a.msrv != nil {
			return a.msrv.Stop(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log, ...)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
