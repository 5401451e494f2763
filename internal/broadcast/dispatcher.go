package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/filter"
	"broadcastd/internal/notifier"
	"broadcastd/internal/storage"
	"broadcastd/internal/task/guard"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

// PassStats summarizes one dispatcher pass.
type PassStats struct {
	Due     int   `json:"due"`
	Sent    int   `json:"sent"`
	Dropped int   `json:"dropped"`
	Aborted int64 `json:"aborted,omitempty"` // schedule id, 0 if none
}

// Dispatcher drains due outbox entries.
type Dispatcher struct {
	store    Store
	channel  transport.Channel
	eval     Evaluator
	notifier Notifier
	bus      eventbus.Bus
	guard    *guard.Guard
	changes  *ChangeNotifier
	log      logx.Logger
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	set      Settings
}

func NewDispatcher(deps Deps, set Settings, g *guard.Guard, changes *ChangeNotifier) *Dispatcher {
	deps = deps.withDefaults()
	if g == nil {
		g = guard.New(deps.Log)
	}
	return &Dispatcher{
		store:    deps.Store,
		channel:  deps.Channel,
		eval:     deps.Evaluator,
		notifier: deps.Notifier,
		bus:      deps.Bus,
		guard:    g,
		changes:  changes,
		log:      deps.Log.With(logx.String("comp", "broadcast.dispatcher")),
		now:      deps.Now,
		sleep:    deps.Sleep,
		set:      set.withDefaults(),
	}
}

// Pass runs one dispatch pass unless one is already in flight.
func (d *Dispatcher) Pass(ctx context.Context) (guard.Outcome, PassStats, error) {
	var st PassStats
	if d.store == nil {
		return guard.Skipped, st, nil
	}
	out, err := d.guard.TryRun(TaskSending, func() error {
		var err error
		st, err = d.pass(ctx)
		return err
	})
	return out, st, err
}

func (d *Dispatcher) pass(ctx context.Context) (PassStats, error) {
	var st PassStats
	due, err := d.store.DueEntries(ctx, d.now(), d.set.BatchSize)
	if err != nil {
		return st, fmt.Errorf("due entries: %w", err)
	}
	st.Due = len(due)
	if len(due) == 0 {
		return st, nil
	}

	log := d.log.With(logx.Pass(uuid.NewString()))
	log.Debug("sending pass", logx.Int("due", len(due)))
	defer func() {
		log.Debug("sending pass done", logx.Int("sent", st.Sent), logx.Int("dropped", st.Dropped), logx.Int64("aborted", st.Aborted))
	}()

	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		err := d.set.Retry.Do(ctx, d.sleep, func(attempt int) error {
			err := d.attempt(ctx, log, e)
			if err != nil && !errors.Is(err, errDropped) {
				log.Debug("delivery attempt failed", logx.Schedule(e.ScheduleID), logx.User(e.UserID), logx.Int("attempt", attempt), logx.Err(err))
			}
			return err
		})

		switch {
		case err == nil:
			if cerr := d.store.CompleteEntry(ctx, e.ID, e.ScheduleID); cerr != nil {
				if errors.Is(cerr, storage.ErrNotFound) {
					continue
				}
				// The entry stays due and is resent next pass.
				log.Error("completing entry failed", logx.Schedule(e.ScheduleID), logx.Entry(e.ID), logx.Err(cerr))
				return st, cerr
			}
			st.Sent++
			d.changes.NotifyChanged()

		case errors.Is(err, errDropped):
			log.Debug(fmt.Sprintf("Drop sending #%d to user %d. Reason = Filters", e.ScheduleID, e.UserID))
			if derr := d.store.DropEntry(ctx, e.ID); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
				log.Error("dropping entry failed", logx.Schedule(e.ScheduleID), logx.Entry(e.ID), logx.Err(derr))
				return st, derr
			}
			st.Dropped++

		case ctx.Err() != nil:
			return st, ctx.Err()

		default:
			d.abort(ctx, log, e.ScheduleID, err)
			st.Aborted = e.ScheduleID
			return st, nil
		}
	}
	return st, nil
}

// attempt evaluates the filters and delivers e once.
func (d *Dispatcher) attempt(ctx context.Context, log logx.Logger, e storage.DueEntry) error {
	b := filter.Bindings{UserID: e.UserID, Platform: e.Platform, ScheduleID: e.ScheduleID, Timezone: e.Timezone}
	for i, src := range e.Filters {
		ok, err := d.eval.Filter(src, b)
		if errors.Is(err, filter.ErrNotBoolean) {
			log.Warn("filter returned something other than a boolean", logx.Schedule(e.ScheduleID), logx.Int("filter", i), logx.Err(err))
			return errDropped
		}
		if err != nil {
			return fmt.Errorf("filter %d: %w", i, err)
		}
		if !ok {
			return errDropped
		}
	}

	var msgs []transport.Message
	switch e.Type {
	case storage.TypeText:
		msgs = []transport.Message{{Type: transport.MessageText, Text: e.Text}}
	case storage.TypeScript:
		var err error
		if msgs, err = d.eval.Script(e.Text, b); err != nil {
			return fmt.Errorf("script: %w", err)
		}
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}

	if d.channel == nil {
		return errors.New("no delivery channel")
	}
	for _, m := range msgs {
		if err := d.channel.Deliver(ctx, e.Platform, e.UserID, m); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) abort(ctx context.Context, log logx.Logger, scheduleID int64, cause error) {
	log.Error(fmt.Sprintf("Broadcast #%d failed. Broadcast aborted.", scheduleID),
		logx.Schedule(scheduleID), logx.Err(cause))

	if d.notifier != nil {
		n := notifier.Notification{
			Level:   notifier.LevelError,
			Message: fmt.Sprintf("Broadcast #%d failed. Please check logs for the reason why.", scheduleID),
			URL:     "/logs",
		}
		if err := d.notifier.Notify(ctx, n); err != nil {
			log.Warn("failure notification not sent", logx.Schedule(scheduleID), logx.Err(err))
		}
	}

	purged, err := d.store.AbortSchedule(ctx, scheduleID)
	if err != nil {
		log.Error("aborting schedule failed", logx.Schedule(scheduleID), logx.Err(err))
	}
	d.changes.NotifyChanged()
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Type: eventbus.TypeBroadcastFailed,
			Time: d.now(),
			Data: eventbus.FailedEvent{ScheduleID: scheduleID, Purged: purged, Error: cause.Error()},
		})
	}
}
