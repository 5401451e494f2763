package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"broadcastd/internal/task/guard"
	logx "broadcastd/pkg/logx"
)

// Daemon drives the scheduler every 2x TickBase and the dispatcher every
// 10x TickBase.
type Daemon struct {
	log     logx.Logger
	set     Settings
	changes *ChangeNotifier
	sched   *Scheduler
	disp    *Dispatcher

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDaemon(deps Deps, set Settings) *Daemon {
	deps = deps.withDefaults()
	set = set.withDefaults()
	g := guard.New(deps.Log)
	changes := NewChangeNotifier(deps.Bus, set.ChangeWindow, deps.Now)
	return &Daemon{
		log:     deps.Log.With(logx.String("comp", "broadcast")),
		set:     set,
		changes: changes,
		sched:   NewScheduler(deps, set, g, changes),
		disp:    NewDispatcher(deps, set, g, changes),
	}
}

func (d *Daemon) Scheduler() *Scheduler { return d.sched }
func (d *Daemon) Dispatcher() *Dispatcher { return d.disp }
func (d *Daemon) Changes() *ChangeNotifier { return d.changes }

// Intervals returns the scheduler and dispatcher periods.
func (d *Daemon) Intervals() (scheduling, sending time.Duration) {
	return 2 * d.set.TickBase, 10 * d.set.TickBase
}

// Start registers both timers. It is a no-op when already running.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c != nil {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	runCtx := d.ctx

	schedEvery, sendEvery := d.Intervals()
	d.c = cron.New()
	d.c.Schedule(cron.Every(schedEvery), cron.FuncJob(func() { d.runScheduling(runCtx) }))
	d.c.Schedule(cron.Every(sendEvery), cron.FuncJob(func() { d.runSending(runCtx) }))
	d.c.Start()
	d.log.Info("broadcast daemon started", logx.Duration("scheduling_every", schedEvery), logx.Duration("sending_every", sendEvery))
}

// Stop stops the timers, cancels any in-flight pass and waits for running
// jobs until ctx ends.
func (d *Daemon) Stop(ctx context.Context) {
	d.mu.Lock()
	c, cancel := d.c, d.cancel
	d.c, d.cancel = nil, nil
	d.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	d.log.Info("broadcast daemon stopped")
}

// RunOnce runs one scheduling pass followed by one sending pass.
func (d *Daemon) RunOnce(ctx context.Context) PassStats {
	d.runScheduling(ctx)
	return d.runSending(ctx)
}

func (d *Daemon) runScheduling(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	out, err := d.sched.Pass(ctx)
	if err != nil {
		d.log.Error("scheduling pass failed", logx.Err(err))
		return
	}
	if out == guard.Skipped {
		d.log.Debug("scheduling pass skipped")
	}
}

func (d *Daemon) runSending(ctx context.Context) PassStats {
	if ctx.Err() != nil {
		return PassStats{}
	}
	out, st, err := d.disp.Pass(ctx)
	if err != nil && ctx.Err() == nil {
		d.log.Error("sending pass failed", logx.Err(err))
	}
	if out == guard.Skipped {
		d.log.Debug("sending pass skipped")
	}
	return st
}
