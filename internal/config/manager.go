package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "broadcastd/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
)

// ErrWatcherClosed is returned by Watch when fsnotify stops delivering events.
var ErrWatcherClosed = errors.New("config watcher closed")

// ConfigManager owns the committed config and hot-reloads it from disk.
type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config
	raw []byte

	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	lookupEnv func(string) (string, bool)
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, lookupEnv: os.LookupEnv}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the check a reloaded config must pass before it is
// committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// SetEnvLookup replaces os.LookupEnv for environment overrides.
func (m *ConfigManager) SetEnvLookup(fn func(string) (string, bool)) {
	m.lookupEnv = fn
}

// Parse reads the file and applies environment overrides without committing.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, m.lookupEnv)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	raw := canonical(cfg)
	m.mu.Lock()
	m.cfg, m.raw = cfg, raw
	m.mu.Unlock()
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving every committed reload. Only the
// newest config is kept when the subscriber falls behind.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		m.subs = append(m.subs[:i], m.subs[i+1:]...)
		close(ch)
		return
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// Full: discard the oldest pending config and try again.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload parses, skips no-op changes, validates, commits and publishes. It
// reports whether a new config was published.
func (m *ConfigManager) reload(ctx context.Context) bool {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return false
	}

	raw := canonical(cfg)
	m.mu.RLock()
	same := bytes.Equal(raw, m.raw)
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged")
		return false
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return false
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	log.Debug("config published")
	return true
}

// Watch reloads the config whenever its file changes, until ctx is done.
//
// The parent directory is watched since editors often replace files by
// rename. Events are debounced. A watcher that fails returns an error so the
// caller's restart loop can recreate it.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	pending := func() { debounce.Reset(reloadDebounce) }

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounce.C:
			m.reload(ctx)

		case ev, ok := <-w.Events:
			if !ok {
				return ErrWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				pending()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return ErrWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				pending()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}
