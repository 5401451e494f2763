package logx

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.True(t, Nop().IsZero())
	l.Error("discarded", String("k", "v"))
	assert.False(t, l.With(String("k", "v")).IsZero())
}

func TestWithFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "info").With(String("comp", "dispatcher"))
	l.Debug("hidden")
	l.Info("sent", Schedule(7), User(42), Err(nil))
	l.With(Pass("p1")).Warn("retry", Entry(3))

	recs := decodeLines(t, buf.Bytes())
	require.Len(t, recs, 2)
	assert.Equal(t, "sent", recs[0]["message"])
	assert.Equal(t, "dispatcher", recs[0]["comp"])
	assert.EqualValues(t, 7, recs[0][KeySchedule])
	assert.EqualValues(t, 42, recs[0][KeyUser])
	assert.NotContains(t, recs[0], "err")
	assert.Contains(t, recs[0]["caller"], "logx_test.go:")

	assert.Equal(t, "warn", recs[1]["level"])
	assert.Equal(t, "p1", recs[1][KeyPass])
	assert.NotContains(t, recs[0], KeyPass)
}

func TestServiceApplySwitchesSinks(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, root := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: first}})
	l := root.With(String("comp", "test"))
	l.Debug("one")

	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: second}})
	l.Info("dropped by level")
	l.Warn("two")
	require.NoError(t, svc.Close())

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)

	ra, rb := decodeLines(t, a), decodeLines(t, b)
	require.Len(t, ra, 1)
	require.Len(t, rb, 1)
	assert.Equal(t, "one", ra[0]["message"])
	assert.Equal(t, "two", rb[0]["message"])
	assert.Equal(t, "test", rb[0]["comp"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, parseLevel(" WARNING ", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("verbose", LevelInfo))
}
