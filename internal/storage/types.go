package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrOutboxed is returned when editing or outboxing a schedule that is already outboxed.
	ErrOutboxed = errors.New("schedule already outboxed")
	ErrInvalid  = errors.New("invalid schedule")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type MessageType string

const (
	TypeText   MessageType = "text"
	TypeScript MessageType = "script"
)

// Schedule is one broadcast campaign.
//
// Exactly one of TS (absolute epoch ms) and DateTime (UTC wall clock,
// "YYYY-MM-DD HH:MM", shifted per recipient timezone) is set.
type Schedule struct {
	ID         int64       `json:"id"`
	Type       MessageType `json:"type"`
	Text       string      `json:"text"`
	TS         *int64      `json:"ts,omitempty"`
	DateTime   string      `json:"date_time,omitempty"`
	Filters    []string    `json:"filters,omitempty"`
	Outboxed   bool        `json:"outboxed"`
	TotalCount int         `json:"total_count"`
	SentCount  int         `json:"sent_count"`
	Errored    bool        `json:"errored"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ScheduleInput is the externally editable part of a Schedule.
type ScheduleInput struct {
	Type     MessageType `json:"type"`
	Text     string      `json:"text"`
	TS       *int64      `json:"ts,omitempty"`
	DateTime string      `json:"date_time,omitempty"`
	Filters  []string    `json:"filters,omitempty"`
}

type User struct {
	ID       int64  `json:"id"`
	Platform string `json:"platform"`
	// Timezone is the UTC offset in hours; fractional offsets are allowed.
	Timezone  float64   `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
}

// OutboxEntry is one delivery obligation.
type OutboxEntry struct {
	ID         int64 `json:"id"`
	ScheduleID int64 `json:"schedule_id"`
	UserID     int64 `json:"user_id"`
	TS         int64 `json:"ts"`
}

// DueEntry is an OutboxEntry joined with what the dispatcher needs from its
// schedule and recipient.
type DueEntry struct {
	OutboxEntry

	Type    MessageType
	Text    string
	Filters []string

	Platform string
	Timezone float64
}

// Store is the persistence API used by the broadcast daemon and the admin surfaces.
type Store interface {
	// EligibleSchedules returns not-outboxed schedules whose ts is at most
	// absBefore or, without ts, whose date_time (as UTC) is at most relBefore.
	EligibleSchedules(ctx context.Context, absBefore time.Time, relBefore time.Time) ([]Schedule, error)
	ListUsers(ctx context.Context) ([]User, error)
	// OutboxSchedule inserts entries, counts the schedule's outbox and marks it
	// outboxed with that total, all in one transaction.
	OutboxSchedule(ctx context.Context, scheduleID int64, entries []OutboxEntry) (total int, err error)
	DueEntries(ctx context.Context, now time.Time, limit int) ([]DueEntry, error)
	// CompleteEntry deletes a delivered entry and increments sent_count.
	CompleteEntry(ctx context.Context, entryID, scheduleID int64) error
	// DropEntry deletes an entry a filter rejected, leaving sent_count alone.
	DropEntry(ctx context.Context, entryID int64) error
	// AbortSchedule marks a schedule errored and purges its outbox.
	AbortSchedule(ctx context.Context, scheduleID int64) (purged int, err error)
	CountOutbox(ctx context.Context, scheduleID int64) (int, error)

	CreateSchedule(ctx context.Context, in ScheduleInput) (Schedule, error)
	GetSchedule(ctx context.Context, id int64) (Schedule, error)
	ListSchedules(ctx context.Context, limit int) ([]Schedule, error)
	UpdateSchedule(ctx context.Context, id int64, in ScheduleInput) (Schedule, error)
	DeleteSchedule(ctx context.Context, id int64) error

	// RegisterUser inserts a user if missing; an existing user is left untouched.
	RegisterUser(ctx context.Context, id int64, platform string) (created bool, err error)
	UpsertUser(ctx context.Context, u User) error
	SetUserTimezone(ctx context.Context, id int64, tz float64) error

	Close() error
}
