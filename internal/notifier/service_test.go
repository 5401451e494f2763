package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	calls int
	sent  map[int64][]string
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return transport.MessageRef{}, errors.New("send failed")
	}
	if f.sent == nil {
		f.sent = map[int64][]string{}
	}
	f.sent[to.ChatID] = append(f.sent[to.ChatID], text)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) sentTo(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[id]...)
}

func testConfig() Config {
	return Config{Enabled: true, QueueSize: 8, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, HistorySize: 3}
}

func TestNotifyDeliversToEveryOwner(t *testing.T) {
	snd := &fakeSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(testConfig(), snd, []int64{10, 20}, logx.Nop(), bus)
	s.Start(context.Background())

	n := Notification{Level: LevelError, Message: "Broadcast #3 failed.", URL: "/logs"}
	require.NoError(t, s.Notify(context.Background(), n))

	require.Eventually(t, func() bool { return len(snd.sentTo(20)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"🚨 Broadcast #3 failed.\n/logs"}, snd.sentTo(10))

	ev := <-events
	assert.Equal(t, eventbus.TypeNotification, ev.Type)
	assert.Equal(t, "Broadcast #3 failed.", ev.Data.(Notification).Message)

	s.Stop(context.Background())
	assert.ErrorIs(t, s.Notify(context.Background(), n), ErrStopped)
}

func TestNotifyRetriesTransientFailures(t *testing.T) {
	snd := &fakeSender{fails: 2}
	s := New(testConfig(), snd, []int64{1}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Notify(context.Background(), Notification{Message: "hello"}))
	require.Eventually(t, func() bool { return len(snd.sentTo(1)) == 1 }, time.Second, 5*time.Millisecond)

	snd.mu.Lock()
	assert.Equal(t, 3, snd.calls)
	snd.mu.Unlock()
}

func TestDisabledNotifierOnlyRecords(t *testing.T) {
	snd := &fakeSender{}
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, snd, []int64{1}, logx.Nop(), nil)
	s.Start(context.Background())

	for _, m := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Notify(context.Background(), Notification{Level: LevelWarning, Message: m}))
	}

	recent := s.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "d", recent[0].Message)
	assert.Equal(t, "b", recent[2].Message)
	assert.False(t, recent[0].At.IsZero())
	assert.Len(t, s.Recent(1), 1)

	snd.mu.Lock()
	assert.Zero(t, snd.calls)
	snd.mu.Unlock()
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "ℹ️ hi", Format(Notification{Level: LevelInfo, Message: "hi"}))
	assert.Equal(t, "⚠️ careful\n/x", Format(Notification{Level: LevelWarning, Message: "careful", URL: "/x"}))
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	d1 := retryDelay(100*time.Millisecond, 1)
	assert.GreaterOrEqual(t, d1, 70*time.Millisecond)
	assert.LessOrEqual(t, d1, 130*time.Millisecond)

	d3 := retryDelay(100*time.Millisecond, 3)
	assert.GreaterOrEqual(t, d3, 280*time.Millisecond)
	assert.LessOrEqual(t, retryDelay(time.Second, 10), 10*time.Second)
}
