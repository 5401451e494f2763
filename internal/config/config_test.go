package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	yml := []byte(`
env: production
storage:
  driver: sqlite
  path: ./data/broadcastd.db
broadcast:
  batch_size: 50
  tick_base: 30s
telegram:
  enabled: true
  token: abc
  owner_user_ids: [1, 2]
`)
	cfg, err := Decode("config.yaml", yml)
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 50, cfg.Broadcast.BatchSize)
	assert.Equal(t, []int64{1, 2}, cfg.Telegram.OwnerUserIDs)

	js := []byte(`{"env":"development","storage":{"driver":"postgres","dsn":"postgres://x"}}`)
	cfg, err = Decode("config.json", js)
	require.NoError(t, err)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, "postgres://x", cfg.Storage.DSN)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"storage":{"driver":"sqlite","nope":1}}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{"env":"x"}{"env":"y"}`))
	require.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := &Config{Env: "development"}
	cfg.Telegram.Token = "from-file"

	ApplyEnv(cfg, mapLookup(map[string]string{
		EnvKeyEnv:           "production",
		EnvKeyTelegramToken: "from-env",
		EnvKeyStorageDSN:    "  postgres://env  ",
		EnvKeyAMQPURL:       "",
	}))
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, "postgres://env", cfg.Storage.DSN)
	assert.Empty(t, cfg.Events.AMQP.URL, "empty values do not override")
}

func TestLoadDotEnvIgnoresMissingFile(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestResolveBroadcastDefaults(t *testing.T) {
	dev := &Config{}
	s, err := dev.ResolveBroadcast()
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.TickBase)
	assert.Equal(t, 1000, s.BatchSize)
	assert.Equal(t, 5*time.Minute, s.LookaheadAbsolute)
	assert.Equal(t, 14*time.Hour+5*time.Minute, s.LookaheadRelative)
	assert.Equal(t, 3, s.RetryAttempts)
	assert.Equal(t, time.Second, s.RetryInitial)
	assert.Equal(t, 3.0, s.RetryMultiplier)
	assert.Equal(t, time.Second, s.ChangeWindow)
	assert.True(t, s.Enabled)

	prod := &Config{Env: "Production"}
	s, err = prod.ResolveBroadcast()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.TickBase)

	override := &Config{Env: "production", Broadcast: BroadcastConfig{TickBase: "10s"}}
	s, err = override.ResolveBroadcast()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, s.TickBase)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Storage:   StorageConfig{Driver: "postgres"},
		Telegram:  TelegramConfig{Enabled: true},
		Broadcast: BroadcastConfig{RetryInitial: "soon"},
		Events:    EventsConfig{AMQP: AMQPConfig{Enabled: true}},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "storage.dsn")
	assert.Contains(t, msg, "telegram.token")
	assert.Contains(t, msg, "broadcast.retry_initial")
	assert.Contains(t, msg, "events.amqp.url")

	require.NoError(t, Validate(&Config{}))
	require.Error(t, Validate(&Config{Storage: StorageConfig{Driver: "mysql"}}))
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Broadcast: BroadcastConfig{BatchSize: 10}}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	// token value changed but remained set: not a telegram change
	assert.Equal(t, []string{"broadcast"}, changed)

	newCfg.Telegram.Token = ""
	changed, _ = SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"broadcast", "telegram"}, changed)
}

func TestManagerReloadPublishesOnlyValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"broadcast":{"batch_size":10}}`), 0o644))

	m := NewConfigManager(path)
	m.SetEnvLookup(mapLookup(nil))
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Broadcast.BatchSize > 100 {
			return errors.New("too big")
		}
		return nil
	})
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	// unchanged content
	assert.False(t, m.reload(ctx))

	require.NoError(t, os.WriteFile(path, []byte(`{"broadcast":{"batch_size":500}}`), 0o644))
	assert.False(t, m.reload(ctx), "validator rejects")
	assert.Equal(t, 10, m.Get().Broadcast.BatchSize)

	require.NoError(t, os.WriteFile(path, []byte(`{"broadcast":{"batch_size":20}}`), 0o644))
	require.True(t, m.reload(ctx))
	select {
	case cfg := <-sub:
		assert.Equal(t, 20, cfg.Broadcast.BatchSize)
	default:
		t.Fatal("expected published config")
	}
	assert.Equal(t, 20, m.Get().Broadcast.BatchSize)

	require.NoError(t, os.WriteFile(path, []byte(`{"broadcast":`), 0o644))
	assert.False(t, m.reload(ctx), "parse errors keep the committed config")
	assert.Equal(t, 20, m.Get().Broadcast.BatchSize)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)

	d, err = ParseDurationOrDefault("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestWatchPublishesFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broadcast:\n  batch_size: 10\n"), 0o644))

	m := NewConfigManager(path)
	m.SetEnvLookup(mapLookup(nil))
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Keep touching the file until the watcher is up and picks it up.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(400 * time.Millisecond)
	defer tick.Stop()
	for n := 11; ; n++ {
		select {
		case cfg := <-sub:
			assert.Greater(t, cfg.Broadcast.BatchSize, 10)
			cancel()
			require.NoError(t, <-done)
			return
		case <-tick.C:
			body := []byte("broadcast:\n  batch_size: " + strconv.Itoa(n) + "\n")
			require.NoError(t, os.WriteFile(path, body, 0o644))
		case <-deadline:
			cancel()
			t.Fatal("no config published")
		}
	}
}
