package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"broadcastd/internal/storage"
	"broadcastd/internal/task/guard"
	logx "broadcastd/pkg/logx"
)

// Scheduler outboxes eligible schedules.
type Scheduler struct {
	store   Store
	guard   *guard.Guard
	changes *ChangeNotifier
	log     logx.Logger
	now     func() time.Time
	set     Settings
}

func NewScheduler(deps Deps, set Settings, g *guard.Guard, changes *ChangeNotifier) *Scheduler {
	deps = deps.withDefaults()
	if g == nil {
		g = guard.New(deps.Log)
	}
	return &Scheduler{
		store:   deps.Store,
		guard:   g,
		changes: changes,
		log:     deps.Log.With(logx.String("comp", "broadcast.scheduler")),
		now:     deps.Now,
		set:     set.withDefaults(),
	}
}

// Pass runs one scheduling pass unless one is already in flight. A failure
// outboxing one schedule does not stop the others; all failures are joined
// into the returned error.
func (s *Scheduler) Pass(ctx context.Context) (guard.Outcome, error) {
	if s.store == nil {
		return guard.Skipped, nil
	}
	return s.guard.TryRun(TaskScheduling, func() error { return s.pass(ctx) })
}

func (s *Scheduler) pass(ctx context.Context) error {
	now := s.now()
	schedules, err := s.store.EligibleSchedules(ctx, now.Add(s.set.LookaheadAbsolute), now.Add(s.set.LookaheadRelative))
	if err != nil {
		return fmt.Errorf("eligible schedules: %w", err)
	}
	if len(schedules) == 0 {
		return nil
	}

	log := s.log.With(logx.Pass(uuid.NewString()))
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	log.Debug("scheduling pass", logx.Int("schedules", len(schedules)), logx.Int("users", len(users)))

	var errs []error
	for _, sc := range schedules {
		if err := s.outbox(ctx, log, sc, users); err != nil {
			log.Error("outboxing failed", logx.Schedule(sc.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("schedule %d: %w", sc.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) outbox(ctx context.Context, log logx.Logger, sc storage.Schedule, users []storage.User) error {
	entries := make([]storage.OutboxEntry, 0, len(users))
	for _, u := range users {
		ts, err := sc.SendTime(u.Timezone)
		if err != nil {
			return err
		}
		entries = append(entries, storage.OutboxEntry{ScheduleID: sc.ID, UserID: u.ID, TS: ts})
	}

	total, err := s.store.OutboxSchedule(ctx, sc.ID, entries)
	if errors.Is(err, storage.ErrOutboxed) {
		log.Debug("schedule already outboxed", logx.Schedule(sc.ID))
		return nil
	}
	if err != nil {
		return err
	}

	log.Info(fmt.Sprintf("Scheduled broadcast #%d [%d messages]", sc.ID, total),
		logx.Schedule(sc.ID), logx.Int("total", total))
	if len(sc.Filters) > 0 {
		log.Info(fmt.Sprintf("Filters found on broadcast #%d; filters are applied at sending time", sc.ID),
			logx.Schedule(sc.ID), logx.Int("filters", len(sc.Filters)))
	}
	s.changes.NotifyChanged()
	return nil
}
