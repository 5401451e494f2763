package broadcast

import (
	"context"
	"time"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/filter"
	"broadcastd/internal/notifier"
	"broadcastd/internal/storage"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

// Guard task ids.
const (
	TaskScheduling = "scheduling"
	TaskSending    = "sending"
)

// Store is the part of storage.Store the engine uses.
type Store interface {
	EligibleSchedules(ctx context.Context, absBefore, relBefore time.Time) ([]storage.Schedule, error)
	ListUsers(ctx context.Context) ([]storage.User, error)
	OutboxSchedule(ctx context.Context, scheduleID int64, entries []storage.OutboxEntry) (int, error)
	DueEntries(ctx context.Context, now time.Time, limit int) ([]storage.DueEntry, error)
	CompleteEntry(ctx context.Context, entryID, scheduleID int64) error
	DropEntry(ctx context.Context, entryID int64) error
	AbortSchedule(ctx context.Context, scheduleID int64) (int, error)
}

// Evaluator runs filter predicates and message scripts.
type Evaluator interface {
	Filter(src string, b filter.Bindings) (bool, error)
	Script(src string, b filter.Bindings) ([]transport.Message, error)
}

type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Settings are the engine's tunables.
type Settings struct {
	// TickBase is the timer unit: the scheduler runs every 2x, the
	// dispatcher every 10x.
	TickBase time.Duration
	// BatchSize caps the due entries one dispatcher pass selects.
	BatchSize int
	// LookaheadAbsolute and LookaheadRelative are how far ahead of their
	// due time schedules are outboxed.
	LookaheadAbsolute time.Duration
	LookaheadRelative time.Duration
	Retry             Policy
	// ChangeWindow is the minimum spacing of change events.
	ChangeWindow time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		TickBase:          time.Second,
		BatchSize:         1000,
		LookaheadAbsolute: 5 * time.Minute,
		LookaheadRelative: 14*time.Hour + 5*time.Minute,
		Retry:             DefaultPolicy(),
		ChangeWindow:      time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.TickBase <= 0 {
		s.TickBase = d.TickBase
	}
	if s.BatchSize <= 0 {
		s.BatchSize = d.BatchSize
	}
	if s.LookaheadAbsolute <= 0 {
		s.LookaheadAbsolute = d.LookaheadAbsolute
	}
	if s.LookaheadRelative <= 0 {
		s.LookaheadRelative = d.LookaheadRelative
	}
	if s.Retry.Attempts <= 0 {
		s.Retry = d.Retry
	}
	if s.ChangeWindow <= 0 {
		s.ChangeWindow = d.ChangeWindow
	}
	return s
}

// Deps are the collaborators handed to the engine once at startup.
// Store may be nil until storage is available; passes are skipped meanwhile.
type Deps struct {
	Store     Store
	Channel   transport.Channel
	Evaluator Evaluator
	Notifier  Notifier
	Bus       eventbus.Bus
	Log       logx.Logger

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (d Deps) withDefaults() Deps {
	if d.Evaluator == nil {
		d.Evaluator = filter.New()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sleep == nil {
		d.Sleep = sleepCtx
	}
	return d
}
