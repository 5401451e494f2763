package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/notifier"
	"broadcastd/internal/storage"
	"broadcastd/internal/task/guard"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

type delivery struct {
	Platform string
	UserID   int64
	Text     string
}

type fakeChannel struct {
	mu       sync.Mutex
	fail     func(userID int64, m transport.Message) bool
	attempts map[int64]int
	sent     []delivery
}

func (f *fakeChannel) Deliver(_ context.Context, platform string, userID int64, m transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = map[int64]int{}
	}
	f.attempts[userID]++
	if f.fail != nil && f.fail(userID, m) {
		return errors.New("channel unavailable")
	}
	f.sent = append(f.sent, delivery{Platform: platform, UserID: userID, Text: m.Text})
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notifier.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n notifier.Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()
	return nil
}

type env struct {
	t      *testing.T
	ctx    context.Context
	st     storage.Store
	ch     *fakeChannel
	nt     *fakeNotifier
	bus    eventbus.Bus
	now    time.Time
	sleeps []time.Duration
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "b.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &env{
		t:   t,
		ctx: context.Background(),
		st:  st,
		ch:  &fakeChannel{},
		nt:  &fakeNotifier{},
		bus: eventbus.New(),
		now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (e *env) deps() Deps {
	return Deps{
		Store:    e.st,
		Channel:  e.ch,
		Notifier: e.nt,
		Bus:      e.bus,
		Log:      logx.Nop(),
		Now:      func() time.Time { return e.now },
		Sleep: func(_ context.Context, d time.Duration) error {
			e.sleeps = append(e.sleeps, d)
			return nil
		},
	}
}

func (e *env) daemon() *Daemon { return NewDaemon(e.deps(), DefaultSettings()) }

func (e *env) users(ids ...int64) {
	e.t.Helper()
	for _, id := range ids {
		require.NoError(e.t, e.st.UpsertUser(e.ctx, storage.User{ID: id, Platform: transport.PlatformTelegram}))
	}
}

// outboxed creates a schedule whose entries for ids are due at ts.
func (e *env) outboxed(in storage.ScheduleInput, ts int64, ids ...int64) storage.Schedule {
	e.t.Helper()
	if in.TS == nil && in.DateTime == "" {
		in.TS = &ts
	}
	sc, err := e.st.CreateSchedule(e.ctx, in)
	require.NoError(e.t, err)
	entries := make([]storage.OutboxEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, storage.OutboxEntry{UserID: id, TS: ts})
	}
	_, err = e.st.OutboxSchedule(e.ctx, sc.ID, entries)
	require.NoError(e.t, err)
	return sc
}

func (e *env) schedule(id int64) storage.Schedule {
	e.t.Helper()
	sc, err := e.st.GetSchedule(e.ctx, id)
	require.NoError(e.t, err)
	return sc
}

func (e *env) outboxLen(id int64) int {
	e.t.Helper()
	n, err := e.st.CountOutbox(e.ctx, id)
	require.NoError(e.t, err)
	return n
}

func TestSchedulerOutboxesEveryUserOnce(t *testing.T) {
	e := newEnv(t)
	e.users(1, 2, 3)
	soon := e.now.Add(time.Minute).UnixMilli()
	later := e.now.Add(time.Hour).UnixMilli()

	due, err := e.st.CreateSchedule(e.ctx, storage.ScheduleInput{Text: "soon", TS: &soon, Filters: []string{"userId > 1"}})
	require.NoError(t, err)
	notYet, err := e.st.CreateSchedule(e.ctx, storage.ScheduleInput{Text: "later", TS: &later})
	require.NoError(t, err)

	events, unsub := e.bus.Subscribe(8)
	defer unsub()

	s := e.daemon().Scheduler()
	out, err := s.Pass(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, guard.Ran, out)

	got := e.schedule(due.ID)
	assert.True(t, got.Outboxed)
	assert.Equal(t, 3, got.TotalCount)
	assert.Equal(t, 3, e.outboxLen(due.ID))
	assert.False(t, e.schedule(notYet.ID).Outboxed)
	assert.Equal(t, eventbus.TypeBroadcastChanged, (<-events).Type)

	_, err = s.Pass(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, e.outboxLen(due.ID))
	assert.Equal(t, 3, e.schedule(due.ID).TotalCount)
}

func TestSchedulerShiftsRelativeTimePerUser(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.st.UpsertUser(e.ctx, storage.User{ID: 1, Platform: "telegram", Timezone: 5}))
	require.NoError(t, e.st.UpsertUser(e.ctx, storage.User{ID: 2, Platform: "telegram", Timezone: 0}))

	sc, err := e.st.CreateSchedule(e.ctx, storage.ScheduleInput{Text: "noon", DateTime: "2024-01-01 12:00"})
	require.NoError(t, err)

	_, err = e.daemon().Scheduler().Pass(e.ctx)
	require.NoError(t, err)

	entries, err := e.st.DueEntries(e.ctx, e.now.Add(48*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	noon := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	byUser := map[int64]int64{}
	for _, en := range entries {
		assert.Equal(t, sc.ID, en.ScheduleID)
		byUser[en.UserID] = en.TS
	}
	assert.Equal(t, noon.Add(-5*time.Hour).UnixMilli(), byUser[1])
	assert.Equal(t, noon.UnixMilli(), byUser[2])
}

func TestSchedulerRelativeLookahead(t *testing.T) {
	e := newEnv(t)
	e.users(1)
	sc, err := e.st.CreateSchedule(e.ctx, storage.ScheduleInput{Text: "x", DateTime: "2024-01-01 14:10"})
	require.NoError(t, err)

	s := e.daemon().Scheduler()
	_, err = s.Pass(e.ctx)
	require.NoError(t, err)
	assert.False(t, e.schedule(sc.ID).Outboxed)

	e.now = e.now.Add(5 * time.Minute)
	_, err = s.Pass(e.ctx)
	require.NoError(t, err)
	assert.True(t, e.schedule(sc.ID).Outboxed)
}

func TestDispatcherDeliversAndCountsOnce(t *testing.T) {
	e := newEnv(t)
	e.users(1, 2, 3)
	sc := e.outboxed(storage.ScheduleInput{Text: "hello"}, e.now.Add(-time.Minute).UnixMilli(), 1, 2, 3)

	d := e.daemon().Dispatcher()
	out, st, err := d.Pass(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, guard.Ran, out)
	assert.Equal(t, PassStats{Due: 3, Sent: 3}, st)

	assert.Len(t, e.ch.sent, 3)
	assert.Equal(t, delivery{Platform: "telegram", UserID: 1, Text: "hello"}, e.ch.sent[0])
	assert.Equal(t, 3, e.schedule(sc.ID).SentCount)
	assert.Zero(t, e.outboxLen(sc.ID))

	_, st, err = d.Pass(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Due)
	assert.Len(t, e.ch.sent, 3)
	assert.Equal(t, 3, e.schedule(sc.ID).SentCount)
}

func TestDispatcherLeavesFutureEntries(t *testing.T) {
	e := newEnv(t)
	e.users(1)
	sc := e.outboxed(storage.ScheduleInput{Text: "later"}, e.now.Add(time.Minute).UnixMilli(), 1)

	_, st, err := e.daemon().Dispatcher().Pass(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Due)
	assert.Equal(t, 1, e.outboxLen(sc.ID))
}

func TestDispatcherRetriesThenAbortsOnlyFailingSchedule(t *testing.T) {
	e := newEnv(t)
	e.users(1, 2)
	failing := e.outboxed(storage.ScheduleInput{Text: "broken"}, e.now.Add(-2*time.Minute).UnixMilli(), 1, 2)
	healthy := e.outboxed(storage.ScheduleInput{Text: "fine"}, e.now.Add(-time.Minute).UnixMilli(), 1, 2)
	e.ch.fail = func(_ int64, m transport.Message) bool { return m.Text == "broken" }

	events, unsub := e.bus.Subscribe(8)
	defer unsub()

	d := e.daemon().Dispatcher()
	_, st, err := d.Pass(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, failing.ID, st.Aborted)
	assert.Zero(t, st.Sent)

	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, e.sleeps)
	assert.Equal(t, 3, e.ch.attempts[1])
	assert.Zero(t, e.ch.attempts[2])

	got := e.schedule(failing.ID)
	assert.True(t, got.Errored)
	assert.Zero(t, got.SentCount)
	assert.Zero(t, e.outboxLen(failing.ID))
	assert.Equal(t, 2, e.outboxLen(healthy.ID))

	require.Len(t, e.nt.sent, 1)
	assert.Equal(t, notifier.Notification{
		Level:   notifier.LevelError,
		Message: "Broadcast #1 failed. Please check logs for the reason why.",
		URL:     "/logs",
	}, e.nt.sent[0])

	var failed *eventbus.FailedEvent
	for len(events) > 0 {
		ev := <-events
		if ev.Type == eventbus.TypeBroadcastFailed {
			fe := ev.Data.(eventbus.FailedEvent)
			failed = &fe
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, failing.ID, failed.ScheduleID)
	assert.Equal(t, 2, failed.Purged)

	_, st, err = d.Pass(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Sent)
	assert.Equal(t, 2, e.schedule(healthy.ID).SentCount)
	assert.Len(t, e.nt.sent, 1)
}

func TestDispatcherRetrySucceedsAfterTransientFailure(t *testing.T) {
	e := newEnv(t)
	e.users(1)
	sc := e.outboxed(storage.ScheduleInput{Text: "hi"}, e.now.UnixMilli(), 1)
	failures := 1
	e.ch.fail = func(int64, transport.Message) bool {
		if failures > 0 {
			failures--
			return true
		}
		return false
	}

	_, st, err := e.daemon().Dispatcher().Pass(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sent)
	assert.Equal(t, []time.Duration{time.Second}, e.sleeps)
	assert.Equal(t, 1, e.schedule(sc.ID).SentCount)
	assert.False(t, e.schedule(sc.ID).Errored)
}

func TestDispatcherDropsFilteredRecipients(t *testing.T) {
	e := newEnv(t)
	e.users(42, 43)
	sc := e.outboxed(storage.ScheduleInput{Text: "hey", Filters: []string{"userId != 42"}}, e.now.UnixMilli(), 42, 43)

	_, st, err := e.daemon().Dispatcher().Pass(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Due: 2, Sent: 1, Dropped: 1}, st)

	assert.Zero(t, e.ch.attempts[42])
	require.Len(t, e.ch.sent, 1)
	assert.Equal(t, int64(43), e.ch.sent[0].UserID)
	assert.Empty(t, e.sleeps)

	got := e.schedule(sc.ID)
	assert.Equal(t, 1, got.SentCount)
	assert.False(t, got.Errored)
	assert.Zero(t, e.outboxLen(sc.ID))
}

func TestDispatcherDropsOnNonBooleanFilter(t *testing.T) {
	e := newEnv(t)
	e.users(1)
	sc := e.outboxed(storage.ScheduleInput{Text: "hey", Filters: []string{"userId + 1"}}, e.now.UnixMilli(), 1)

	_, st, err := e.daemon().Dispatcher().Pass(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Dropped)
	assert.Empty(t, e.ch.sent)
	assert.False(t, e.schedule(sc.ID).Errored)
}

func TestDispatcherFilterErrorIsAFailure(t *testing.T) {
	e := newEnv(t)
	e.users(1)
	sc := e.outboxed(storage.ScheduleInput{Text: "hey", Filters: []string{"nosuchvar == 1"}}, e.now.UnixMilli(), 1)

	events, unsub := e.bus.Subscribe(8, eventbus.TypeBroadcastFailed)
	defer unsub()

	_, st, err := e.daemon().Dispatcher().Pass(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, sc.ID, st.Aborted)
	assert.Len(t, e.sleeps, 2)
	assert.True(t, e.schedule(sc.ID).Errored)

	require.Len(t, events, 1)
	fe := (<-events).Data.(eventbus.FailedEvent)
	assert.Contains(t, fe.Error, "filter 0")
	assert.Contains(t, fe.Error, "nosuchvar")
}

func TestDispatcherRunsScripts(t *testing.T) {
	e := newEnv(t)
	e.users(7)
	e.outboxed(storage.ScheduleInput{Type: storage.TypeScript, Text: `["hi \(userId)", {text: "on \(platform)"}]`}, e.now.UnixMilli(), 7)

	_, st, err := e.daemon().Dispatcher().Pass(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sent)
	require.Len(t, e.ch.sent, 2)
	assert.Equal(t, "hi 7", e.ch.sent[0].Text)
	assert.Equal(t, "on telegram", e.ch.sent[1].Text)
}

func TestPassesSkipWhenBusyOrWithoutStore(t *testing.T) {
	e := newEnv(t)
	g := guard.New(logx.Nop())
	changes := NewChangeNotifier(nil, time.Second, nil)
	d := NewDispatcher(e.deps(), DefaultSettings(), g, changes)
	s := NewScheduler(e.deps(), DefaultSettings(), g, changes)

	_, err := g.TryRun(TaskSending, func() error {
		out, _, err := d.Pass(e.ctx)
		assert.Equal(t, guard.Skipped, out)
		assert.NoError(t, err)

		out, err = s.Pass(e.ctx)
		assert.Equal(t, guard.Ran, out)
		return err
	})
	require.NoError(t, err)

	deps := e.deps()
	deps.Store = nil
	out, err := NewScheduler(deps, DefaultSettings(), nil, nil).Pass(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, guard.Skipped, out)
}

func TestChangeNotifierCoalesces(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewChangeNotifier(bus, time.Second, func() time.Time { return now })

	assert.True(t, c.NotifyChanged())
	assert.False(t, c.NotifyChanged())
	now = now.Add(500 * time.Millisecond)
	assert.False(t, c.NotifyChanged())
	now = now.Add(500 * time.Millisecond)
	assert.True(t, c.NotifyChanged())

	assert.Len(t, events, 2)
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, p.Delays())

	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	err := p.Do(context.Background(), sleep, func(int) error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, 3, calls)
	assert.Equal(t, p.Delays(), slept)

	calls = 0
	err = p.Do(context.Background(), sleep, func(int) error {
		calls++
		return errDropped
	})
	assert.ErrorIs(t, err, errDropped)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.Do(ctx, sleepCtx, func(int) error { return errors.New("boom") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDaemonRunOnceAndIntervals(t *testing.T) {
	e := newEnv(t)
	e.users(1, 2)
	ts := e.now.UnixMilli()
	sc, err := e.st.CreateSchedule(e.ctx, storage.ScheduleInput{Text: "now", TS: &ts})
	require.NoError(t, err)

	set := DefaultSettings()
	set.TickBase = time.Minute
	d := NewDaemon(e.deps(), set)
	sched, send := d.Intervals()
	assert.Equal(t, 2*time.Minute, sched)
	assert.Equal(t, 10*time.Minute, send)

	st := d.RunOnce(e.ctx)
	assert.Equal(t, 2, st.Sent)
	got := e.schedule(sc.ID)
	assert.Equal(t, 2, got.TotalCount)
	assert.Equal(t, 2, got.SentCount)

	d.Start(e.ctx)
	d.Stop(e.ctx)
}
