package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "broadcastd/pkg/logx"
)

func openTestStore(t *testing.T) *sqlStore {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "broadcastd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st.(*sqlStore)
}

func ptr(v int64) *int64 { return &v }

func addUsers(t *testing.T, st Store, tz ...float64) []User {
	t.Helper()
	ctx := context.Background()
	for i, z := range tz {
		require.NoError(t, st.UpsertUser(ctx, User{ID: int64(100 + i), Platform: "telegram", Timezone: z}))
	}
	users, err := st.ListUsers(ctx)
	require.NoError(t, err)
	return users
}

func TestScheduleCRUD(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sc, err := st.CreateSchedule(ctx, ScheduleInput{
		Type:     "TEXT",
		Text:     "hello",
		DateTime: "2024-01-01T12:00",
		Filters:  []string{" userId != 42 ", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeText, sc.Type)
	assert.Equal(t, "2024-01-01 12:00", sc.DateTime)
	assert.Nil(t, sc.TS)
	assert.Equal(t, []string{"userId != 42"}, sc.Filters)
	assert.False(t, sc.Outboxed)
	assert.False(t, sc.CreatedAt.IsZero())

	got, err := st.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, sc, got)

	upd, err := st.UpdateSchedule(ctx, sc.ID, ScheduleInput{Type: TypeScript, Text: `"hi"`, TS: ptr(1700000000000)})
	require.NoError(t, err)
	assert.Equal(t, TypeScript, upd.Type)
	require.NotNil(t, upd.TS)
	assert.Equal(t, int64(1700000000000), *upd.TS)
	assert.Empty(t, upd.DateTime)
	assert.Empty(t, upd.Filters)

	list, err := st.ListSchedules(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, st.DeleteSchedule(ctx, sc.ID))
	_, err = st.GetSchedule(ctx, sc.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, st.DeleteSchedule(ctx, sc.ID), ErrNotFound)
	_, err = st.UpdateSchedule(ctx, sc.ID, ScheduleInput{Text: "x", TS: ptr(1)})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateScheduleRejectsInvalid(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	cases := []ScheduleInput{
		{Type: "voice", Text: "x", TS: ptr(1)},
		{Text: "", TS: ptr(1)},
		{Text: "x"},
		{Text: "x", TS: ptr(1), DateTime: "2024-01-01 12:00"},
		{Text: "x", DateTime: "tomorrow"},
	}
	for _, in := range cases {
		_, err := st.CreateSchedule(ctx, in)
		assert.ErrorIs(t, err, ErrInvalid, "%+v", in)
	}
}

func TestEligibleSchedules(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mk := func(in ScheduleInput) int64 {
		sc, err := st.CreateSchedule(ctx, in)
		require.NoError(t, err)
		return sc.ID
	}
	soon := mk(ScheduleInput{Text: "a", TS: ptr(now.Add(4 * time.Minute).UnixMilli())})
	mk(ScheduleInput{Text: "b", TS: ptr(now.Add(6 * time.Minute).UnixMilli())})
	rel := mk(ScheduleInput{Text: "c", DateTime: FormatDateTime(now.Add(14 * time.Hour))})
	mk(ScheduleInput{Text: "d", DateTime: FormatDateTime(now.Add(15 * time.Hour))})
	done := mk(ScheduleInput{Text: "e", TS: ptr(now.UnixMilli())})
	_, err := st.OutboxSchedule(ctx, done, nil)
	require.NoError(t, err)

	got, err := st.EligibleSchedules(ctx, now.Add(5*time.Minute), now.Add(14*time.Hour+5*time.Minute))
	require.NoError(t, err)
	ids := make([]int64, 0, len(got))
	for _, sc := range got {
		ids = append(ids, sc.ID)
	}
	assert.Equal(t, []int64{soon, rel}, ids)
}

func TestEligibleSchedulesAcceptsOtherDateTimeForms(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	raw := func(dt string) int64 {
		var id int64
		require.NoError(t, st.queryRow(ctx,
			`INSERT INTO broadcast_schedules(type, text, date_time, created_at) VALUES(?,?,?,?) RETURNING id`,
			"text", dt, dt, now.UnixMilli(),
		).Scan(&id))
		return id
	}
	tSep := raw("2024-01-01T12:00")
	secs := raw("2024-01-01 14:05:30")
	both := raw("2024-01-01T13:59:59")
	raw("2024-01-01T14:06")
	raw("2024-01-02T00:00")

	got, err := st.EligibleSchedules(ctx, now, now.Add(14*time.Hour+5*time.Minute))
	require.NoError(t, err)
	ids := make([]int64, 0, len(got))
	for _, sc := range got {
		ids = append(ids, sc.ID)
	}
	assert.Equal(t, []int64{tSep, secs, both}, ids)

	send, err := got[0].SendTime(2)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Hour).UnixMilli(), send)
}

func TestOutboxScheduleIsAtomicAndOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	users := addUsers(t, st, 0, 5, -3)

	sc, err := st.CreateSchedule(ctx, ScheduleInput{Text: "hi", TS: ptr(1000)})
	require.NoError(t, err)

	entries := make([]OutboxEntry, 0, len(users))
	for _, u := range users {
		entries = append(entries, OutboxEntry{UserID: u.ID, TS: 1000})
	}
	total, err := st.OutboxSchedule(ctx, sc.ID, entries)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	got, err := st.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, got.Outboxed)
	assert.Equal(t, 3, got.TotalCount)

	// A second outboxing is rejected and rolled back.
	_, err = st.OutboxSchedule(ctx, sc.ID, []OutboxEntry{{UserID: 999, TS: 1}})
	require.ErrorIs(t, err, ErrOutboxed)
	n, err := st.CountOutbox(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = st.UpdateSchedule(ctx, sc.ID, ScheduleInput{Text: "changed", TS: ptr(5)})
	require.ErrorIs(t, err, ErrOutboxed)
}

func TestDueEntriesOrderAndLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	addUsers(t, st, 0, 0, 0)

	a, err := st.CreateSchedule(ctx, ScheduleInput{Text: "a", TS: ptr(1)})
	require.NoError(t, err)
	b, err := st.CreateSchedule(ctx, ScheduleInput{Type: TypeScript, Text: `"b"`, TS: ptr(1), Filters: []string{"true"}})
	require.NoError(t, err)

	_, err = st.OutboxSchedule(ctx, a.ID, []OutboxEntry{{UserID: 100, TS: 300}, {UserID: 101, TS: 100}, {UserID: 102, TS: 9000}})
	require.NoError(t, err)
	_, err = st.OutboxSchedule(ctx, b.ID, []OutboxEntry{{UserID: 100, TS: 100}})
	require.NoError(t, err)

	due, err := st.DueEntries(ctx, time.UnixMilli(1000), 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []int64{101, 100, 100}, []int64{due[0].UserID, due[1].UserID, due[2].UserID})
	assert.Equal(t, a.ID, due[0].ScheduleID)
	assert.Equal(t, b.ID, due[1].ScheduleID, "same ts breaks ties by entry id")
	assert.Equal(t, TypeScript, due[1].Type)
	assert.Equal(t, []string{"true"}, due[1].Filters)
	assert.Equal(t, "telegram", due[1].Platform)

	due, err = st.DueEntries(ctx, time.UnixMilli(1000), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestCompleteEntryCountsOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	addUsers(t, st, 0)

	sc, err := st.CreateSchedule(ctx, ScheduleInput{Text: "a", TS: ptr(1)})
	require.NoError(t, err)
	_, err = st.OutboxSchedule(ctx, sc.ID, []OutboxEntry{{UserID: 100, TS: 1}})
	require.NoError(t, err)
	due, err := st.DueEntries(ctx, time.UnixMilli(10), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, st.CompleteEntry(ctx, due[0].ID, sc.ID))
	require.ErrorIs(t, st.CompleteEntry(ctx, due[0].ID, sc.ID), ErrNotFound)

	got, err := st.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 1, got.TotalCount)
}

func TestDropEntryLeavesSentCount(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	addUsers(t, st, 0, 0)

	sc, err := st.CreateSchedule(ctx, ScheduleInput{Text: "a", TS: ptr(1)})
	require.NoError(t, err)
	_, err = st.OutboxSchedule(ctx, sc.ID, []OutboxEntry{{UserID: 100, TS: 1}, {UserID: 101, TS: 1}})
	require.NoError(t, err)
	due, err := st.DueEntries(ctx, time.UnixMilli(10), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)

	require.NoError(t, st.DropEntry(ctx, due[0].ID))
	require.ErrorIs(t, st.DropEntry(ctx, due[0].ID), ErrNotFound)

	n, err := st.CountOutbox(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := st.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Zero(t, got.SentCount)
}

func TestAbortSchedulePurgesOnlyItsOutbox(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	addUsers(t, st, 0, 0)

	bad, err := st.CreateSchedule(ctx, ScheduleInput{Text: "bad", TS: ptr(1)})
	require.NoError(t, err)
	good, err := st.CreateSchedule(ctx, ScheduleInput{Text: "good", TS: ptr(1)})
	require.NoError(t, err)
	for _, id := range []int64{bad.ID, good.ID} {
		_, err := st.OutboxSchedule(ctx, id, []OutboxEntry{{UserID: 100, TS: 1}, {UserID: 101, TS: 1}})
		require.NoError(t, err)
	}

	purged, err := st.AbortSchedule(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	got, err := st.GetSchedule(ctx, bad.ID)
	require.NoError(t, err)
	assert.True(t, got.Errored)
	n, err := st.CountOutbox(ctx, bad.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = st.CountOutbox(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = st.AbortSchedule(ctx, 12345)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUsers(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.RegisterUser(ctx, 7, "")
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, st.SetUserTimezone(ctx, 7, 5.5))

	created, err = st.RegisterUser(ctx, 7, "telegram")
	require.NoError(t, err)
	assert.False(t, created)

	users, err := st.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "telegram", users[0].Platform)
	assert.Equal(t, 5.5, users[0].Timezone, "re-registering keeps the timezone")

	require.NoError(t, st.UpsertUser(ctx, User{ID: 7, Platform: "log", Timezone: -2}))
	users, err = st.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "log", users[0].Platform)
	assert.Equal(t, -2.0, users[0].Timezone)

	require.ErrorIs(t, st.SetUserTimezone(ctx, 8, 1), ErrNotFound)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	require.ErrorIs(t, err, ErrDisabled)
}

func TestRebind(t *testing.T) {
	q := `UPDATE t SET a = ?, b = ? WHERE id = ?`
	assert.Equal(t, q, dialectSQLite.rebind(q))
	assert.Equal(t, `UPDATE t SET a = $1, b = $2 WHERE id = $3`, dialectPostgres.rebind(q))
}

func TestSendTime(t *testing.T) {
	utc := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	rel := Schedule{DateTime: "2024-01-01 12:00"}

	got, err := rel.SendTime(5)
	require.NoError(t, err)
	assert.Equal(t, utc-5*3_600_000, got)

	got, err = rel.SendTime(-3.5)
	require.NoError(t, err)
	assert.Equal(t, utc+3_600_000*7/2, got)

	abs := Schedule{TS: ptr(42), DateTime: "ignored"}
	got, err = abs.SendTime(5)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	_, err = Schedule{DateTime: "nope"}.SendTime(0)
	require.ErrorIs(t, err, ErrInvalid)
}
