package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "broadcastd/pkg/logx"
)

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

const scheduleColumns = `id, type, text, ts, date_time, filters, outboxed, total_count, sent_count, errored, created_at`

func (s *sqlStore) migrate(ctx context.Context) error {
	schema, err := s.d.schema()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, schema)
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// b binds a boolean the way the dialect stores it.
func (s *sqlStore) b(v bool) any {
	if s.d == dialectPostgres {
		return v
	}
	if v {
		return 1
	}
	return 0
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

// inTx runs fn in a transaction and commits if fn returns nil.
func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (Schedule, error) {
	var (
		sc       Schedule
		typ      string
		ts       sql.NullInt64
		dateTime sql.NullString
		filters  sql.NullString
		created  int64
	)
	if err := r.Scan(&sc.ID, &typ, &sc.Text, &ts, &dateTime, &filters,
		&sc.Outboxed, &sc.TotalCount, &sc.SentCount, &sc.Errored, &created); err != nil {
		return Schedule{}, err
	}
	sc.Type = MessageType(typ)
	if ts.Valid {
		v := ts.Int64
		sc.TS = &v
	}
	sc.DateTime = dateTime.String
	f, err := decodeFilters(filters)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule %d: %w", sc.ID, err)
	}
	sc.Filters = f
	sc.CreatedAt = time.UnixMilli(created)
	return sc, nil
}

func decodeFilters(ns sql.NullString) ([]string, error) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, fmt.Errorf("decode filters: %w", err)
	}
	return out, nil
}

func encodeFilters(f []string) (any, error) {
	if len(f) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullTS(ts *int64) any {
	if ts == nil {
		return nil
	}
	return *ts
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// dateTimeMinute is date_time cut to DateTimeLayout. Rows from other writers
// may use a 'T' separator or carry seconds.
const dateTimeMinute = `replace(substr(trim(date_time), 1, 16), 'T', ' ')`

func (s *sqlStore) EligibleSchedules(ctx context.Context, absBefore, relBefore time.Time) ([]Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.query(ctx,
		`SELECT `+scheduleColumns+` FROM broadcast_schedules
		 WHERE outboxed = ?
		   AND ((ts IS NOT NULL AND ts <= ?)
		     OR (ts IS NULL AND date_time IS NOT NULL AND `+dateTimeMinute+` <= ?))
		 ORDER BY id`,
		s.b(false), absBefore.UnixMilli(), FormatDateTime(relBefore),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListUsers(ctx context.Context) ([]User, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.query(ctx, `SELECT id, platform, timezone, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var (
			u       User
			created int64
		)
		if err := rows.Scan(&u.ID, &u.Platform, &u.Timezone, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = time.UnixMilli(created)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqlStore) OutboxSchedule(ctx context.Context, scheduleID int64, entries []OutboxEntry) (int, error) {
	var total int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.d.rebind(
			`INSERT INTO broadcast_outbox(user_id, schedule_id, ts) VALUES(?,?,?)
			 ON CONFLICT(user_id, schedule_id) DO NOTHING`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, e.UserID, scheduleID, e.TS); err != nil {
				return fmt.Errorf("insert outbox user %d: %w", e.UserID, err)
			}
		}

		if err := tx.QueryRowContext(ctx, s.d.rebind(
			`SELECT COUNT(*) FROM broadcast_outbox WHERE schedule_id = ?`), scheduleID).Scan(&total); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, s.d.rebind(
			`UPDATE broadcast_schedules SET outboxed = ?, total_count = ? WHERE id = ? AND outboxed = ?`),
			s.b(true), total, scheduleID, s.b(false))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrOutboxed
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *sqlStore) DueEntries(ctx context.Context, now time.Time, limit int) ([]DueEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.query(ctx,
		`SELECT o.id, o.schedule_id, o.user_id, o.ts, s.type, s.text, s.filters, u.platform, u.timezone
		 FROM broadcast_outbox o
		 JOIN broadcast_schedules s ON s.id = o.schedule_id
		 JOIN users u ON u.id = o.user_id
		 WHERE o.ts <= ?
		 ORDER BY o.ts, o.id
		 LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DueEntry
	for rows.Next() {
		var (
			e       DueEntry
			typ     string
			filters sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.UserID, &e.TS, &typ, &e.Text, &filters, &e.Platform, &e.Timezone); err != nil {
			return nil, err
		}
		e.Type = MessageType(typ)
		if e.Filters, err = decodeFilters(filters); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", e.ScheduleID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) CompleteEntry(ctx context.Context, entryID, scheduleID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM broadcast_outbox WHERE id = ?`), entryID)
		if err != nil {
			return err
		}
		// Already gone (aborted or completed): never count twice.
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, s.d.rebind(
			`UPDATE broadcast_schedules SET sent_count = sent_count + 1 WHERE id = ?`), scheduleID)
		return err
	})
}

func (s *sqlStore) DropEntry(ctx context.Context, entryID int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.exec(ctx, `DELETE FROM broadcast_outbox WHERE id = ?`, entryID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) AbortSchedule(ctx context.Context, scheduleID int64) (int, error) {
	var purged int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.rebind(
			`UPDATE broadcast_schedules SET errored = ? WHERE id = ?`), s.b(true), scheduleID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		res, err = tx.ExecContext(ctx, s.d.rebind(`DELETE FROM broadcast_outbox WHERE schedule_id = ?`), scheduleID)
		if err != nil {
			return err
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return int(purged), err
}

func (s *sqlStore) CountOutbox(ctx context.Context, scheduleID int64) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM broadcast_outbox WHERE schedule_id = ?`, scheduleID).Scan(&n)
	return n, err
}

func (s *sqlStore) CreateSchedule(ctx context.Context, in ScheduleInput) (Schedule, error) {
	if s == nil || s.db == nil {
		return Schedule{}, ErrDisabled
	}
	if err := in.Normalize(); err != nil {
		return Schedule{}, err
	}
	filters, err := encodeFilters(in.Filters)
	if err != nil {
		return Schedule{}, err
	}
	var id int64
	err = s.queryRow(ctx,
		`INSERT INTO broadcast_schedules(type, text, ts, date_time, filters, created_at)
		 VALUES(?,?,?,?,?,?) RETURNING id`,
		string(in.Type), in.Text, nullTS(in.TS), nullStr(in.DateTime), filters, s.now().UnixMilli(),
	).Scan(&id)
	if err != nil {
		return Schedule{}, err
	}
	return s.GetSchedule(ctx, id)
}

func (s *sqlStore) GetSchedule(ctx context.Context, id int64) (Schedule, error) {
	if s == nil || s.db == nil {
		return Schedule{}, ErrDisabled
	}
	sc, err := scanSchedule(s.queryRow(ctx, `SELECT `+scheduleColumns+` FROM broadcast_schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *sqlStore) ListSchedules(ctx context.Context, limit int) ([]Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `SELECT `+scheduleColumns+` FROM broadcast_schedules ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateSchedule(ctx context.Context, id int64, in ScheduleInput) (Schedule, error) {
	if s == nil || s.db == nil {
		return Schedule{}, ErrDisabled
	}
	if err := in.Normalize(); err != nil {
		return Schedule{}, err
	}
	filters, err := encodeFilters(in.Filters)
	if err != nil {
		return Schedule{}, err
	}
	res, err := s.exec(ctx,
		`UPDATE broadcast_schedules SET type = ?, text = ?, ts = ?, date_time = ?, filters = ?
		 WHERE id = ? AND outboxed = ?`,
		string(in.Type), in.Text, nullTS(in.TS), nullStr(in.DateTime), filters, id, s.b(false),
	)
	if err != nil {
		return Schedule{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSchedule(ctx, id); err != nil {
			return Schedule{}, err
		}
		return Schedule{}, ErrOutboxed
	}
	return s.GetSchedule(ctx, id)
}

func (s *sqlStore) DeleteSchedule(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM broadcast_outbox WHERE schedule_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM broadcast_schedules WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *sqlStore) RegisterUser(ctx context.Context, id int64, platform string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	platform = strings.TrimSpace(platform)
	if platform == "" {
		platform = "telegram"
	}
	res, err := s.exec(ctx,
		`INSERT INTO users(id, platform, timezone, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		id, platform, 0.0, s.now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) UpsertUser(ctx context.Context, u User) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(u.Platform) == "" {
		u.Platform = "telegram"
	}
	_, err := s.exec(ctx,
		`INSERT INTO users(id, platform, timezone, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET platform = excluded.platform, timezone = excluded.timezone`,
		u.ID, u.Platform, u.Timezone, s.now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) SetUserTimezone(ctx context.Context, id int64, tz float64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.exec(ctx, `UPDATE users SET timezone = ? WHERE id = ?`, tz, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
