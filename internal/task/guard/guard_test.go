package guard

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "broadcastd/pkg/logx"
)

func TestTryRunSkipsWhileInFlight(t *testing.T) {
	g := New(logx.Nop())

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		out, err := g.TryRun("sending", func() error {
			close(entered)
			<-release
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, Ran, out)
	}()

	<-entered
	require.True(t, g.Busy("sending"))

	calls := 0
	out, err := g.TryRun("sending", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, Skipped, out)
	require.Zero(t, calls, "skipped invocation must not run fn")

	// Other task ids are independent.
	out, err = g.TryRun("scheduling", func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, Ran, out)

	close(release)
	wg.Wait()
	require.False(t, g.Busy("sending"))

	out, err = g.TryRun("sending", func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, Ran, out)
}

func TestTryRunClearsBusyOnError(t *testing.T) {
	g := New(logx.Nop())
	boom := errors.New("boom")

	out, err := g.TryRun("scheduling", func() error { return boom })
	require.Equal(t, Ran, out)
	require.ErrorIs(t, err, boom)
	require.False(t, g.Busy("scheduling"))
}

func TestTryRunRecoversPanic(t *testing.T) {
	g := New(logx.Nop())

	out, err := g.TryRun("scheduling", func() error { panic("bad pass") })
	require.Equal(t, Ran, out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad pass")
	require.False(t, g.Busy("scheduling"))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ran", Ran.String())
	assert.Equal(t, "skipped", Skipped.String())
}
