// Package app is the broadcastd composition root: it builds every component
// from config, runs them under one supervisor and applies hot reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/config"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/filter"
	"broadcastd/internal/httpapi"
	"broadcastd/internal/notifier"
	rtsup "broadcastd/internal/runtime/supervisor"
	"broadcastd/internal/storage"
	"broadcastd/internal/transport"
	telegram "broadcastd/internal/transport/telegram/adapter"
	"broadcastd/internal/transport/telegram/router"
	logx "broadcastd/pkg/logx"
	"broadcastd/pkg/systemd"
)

type App struct {
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor
	running atomic.Pointer[rtsup.Supervisor] // sup, for readers outside the lifecycle

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	channel *transport.Router
	tg      *telegram.Adapter // nil when telegram is disabled
	cmds    *router.Router
	notif   *notifier.Service
	daemon  *broadcast.Daemon
	http    *httpapi.Server

	broadcastOn bool
	notifOn     bool

	updates chan transport.Incoming
}

// New loads cfgPath and builds the app. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm, cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config) (_ *App, err error) {
	logSvc, root := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm:    cfgm,
		root:    root,
		log:     root.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		updates: make(chan transport.Incoming, 256),
	}
	defer func() {
		if err != nil {
			if a.store != nil {
				_ = a.store.Close()
			}
			_ = logSvc.Close()
		}
	}()

	if a.store, err = OpenStore(ctx, cfg, root.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}

	a.channel = transport.NewRouter(root.With(logx.String("comp", "transport")))
	a.channel.Register(transport.PlatformLog, transport.NewLogSender(root.With(logx.String("comp", "delivery.log")), 200))

	var sender transport.Sender
	if cfg.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		if a.tg, err = telegram.New(tc, root.With(logx.String("comp", "telegram"))); err != nil {
			return nil, err
		}
		a.channel.Register(transport.PlatformTelegram, a.tg)
		sender = a.tg
	} else {
		a.channel.SetDefault(transport.PlatformLog)
		a.log.Warn("telegram disabled; deliveries go to the log platform")
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notifOn = ncfg.Enabled
	a.notif = notifier.New(ncfg, sender, cfg.Telegram.OwnerUserIDs, root.With(logx.String("comp", "notifier")), a.bus)

	on, set, err := mapBroadcastSettings(cfg)
	if err != nil {
		return nil, err
	}
	a.broadcastOn = on
	eval := filter.New()
	a.daemon = broadcast.NewDaemon(broadcast.Deps{
		Store:     a.store,
		Channel:   a.channel,
		Evaluator: eval,
		Notifier:  a.notif,
		Bus:       a.bus,
		Log:       root,
	}, set)

	a.cmds = router.New(root, sender, cfg.Telegram.OwnerUserIDs)
	a.cmds.Handle(router.BuiltinCommands(a.cmds, a.store, a.store)...)

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	api := httpapi.NewAPI(httpapi.Deps{
		Store:         a.store,
		Validator:     eval,
		Notifications: a.notif,
		Changes:       a.daemon.Changes(),
		Bus:           a.bus,
		Tasks:         a,
		Log:           root.With(logx.String("comp", "http")),
	})
	a.http = httpapi.NewServer(hc, api.Routes(), root.With(logx.String("comp", "http")))

	return a, nil
}

// Daemon exposes the broadcast engine, mainly for one-shot runs.
// Snapshot lists the app's supervised tasks; empty before Start.
func (a *App) Snapshot() []rtsup.TaskStats {
	sup := a.running.Load()
	if sup == nil {
		return nil
	}
	return sup.Snapshot()
}

func (a *App) Daemon() *broadcast.Daemon { return a.daemon }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.running.Store(a.sup)
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if a.tg != nil {
		if err := a.tg.Start(runCtx, a.updates); err != nil {
			return fmt.Errorf("telegram start: %w", err)
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmds.Run(c, a.updates)
		})
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			if err := a.tg.UpdateMenuCommands(mctx, a.cmds.MenuCommands()); err != nil && c.Err() == nil {
				a.log.Warn("updating command menu failed", logx.Err(err))
			}
		})
	}

	a.notif.Start(runCtx)
	if a.broadcastOn {
		a.daemon.Start(runCtx)
	} else {
		a.log.Warn("broadcast passes disabled via config")
	}
	a.http.Start(runCtx)
	a.startForwarder(a.cfgm.Get())

	// Keep this debug-level; change pulses are frequent while sending.
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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.RunWatchdog(c, a.log); err != nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
	})
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}
	_, _ = systemd.Status("broadcasting=%t platforms=%s", a.broadcastOn, strings.Join(a.channel.Platforms(), ","))

	a.log.Info("app started",
		logx.Bool("broadcast", a.broadcastOn),
		logx.Bool("telegram", a.tg != nil),
		logx.Bool("http", a.http.Enabled()),
	)
	return nil
}

func (a *App) startForwarder(cfg *config.Config) {
	if cfg == nil || !cfg.Events.AMQP.Enabled {
		return
	}
	fwd := &eventbus.AMQPForwarder{
		URL:      cfg.Events.AMQP.URL,
		Exchange: cfg.Events.AMQP.Exchange,
		Types:    []string{eventbus.TypeBroadcastChanged, eventbus.TypeBroadcastFailed},
		Bus:      a.bus,
		Log:      a.root.With(logx.String("comp", "events.amqp")),
	}
	a.sup.GoRestart("events.amqp", fwd.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
}

// applyConfig applies the live-reloadable sections of next. Sections that
// are wired at build time only log that a restart is needed.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	for _, s := range sections {
		switch s {
		case "storage", "events", "env":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	// Owners are live; the rest of the telegram section is not.
	pt, nt := prev.Telegram, next.Telegram
	if pt.Enabled != nt.Enabled || pt.Token != nt.Token || pt.PollTimeout != nt.PollTimeout || pt.RatePerSec != nt.RatePerSec {
		a.log.Warn("telegram connection config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next))

	a.cmds.SetOwners(next.Telegram.OwnerUserIDs)
	a.notif.SetOwners(next.Telegram.OwnerUserIDs)

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case a.notifOn && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !a.notifOn && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
		a.notifOn = ncfg.Enabled
	}

	if on, _, err := mapBroadcastSettings(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		switch {
		case a.broadcastOn && !on:
			a.log.Info("broadcast passes disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a.daemon.Stop(stopCtx)
			cancel()
		case !a.broadcastOn && on:
			a.log.Info("broadcast passes enabled via config")
			a.daemon.Start(ctx)
		case on && !equalBroadcast(prev, next):
			a.log.Warn("broadcast timing changed; restart required for changes to take effect")
		}
		a.broadcastOn = on
	}

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func equalBroadcast(a, b *config.Config) bool {
	x, y := a.Broadcast, b.Broadcast
	x.Disabled, y.Disabled = false, false
	return x == y && a.IsProduction() == b.IsProduction()
}

// Stop shuts everything down in dependency order. On an app that was never
// started it only releases the store and log sinks.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.store.Close()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; report the leak when it eventually returns.
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	// Passes first: an in-flight dispatch must not outlive the store.
	step("broadcast", 5*time.Second, func(c context.Context) error { a.daemon.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.tg == nil {
			return nil
		}
		return a.tg.Stop(c)
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
