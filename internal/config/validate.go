package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BroadcastSettings is BroadcastConfig with defaults applied and durations parsed.
type BroadcastSettings struct {
	Enabled           bool
	TickBase          time.Duration
	BatchSize         int
	LookaheadAbsolute time.Duration
	LookaheadRelative time.Duration
	RetryAttempts     int
	RetryInitial      time.Duration
	RetryMultiplier   float64
	ChangeWindow      time.Duration
}

// ResolveBroadcast applies defaults to the broadcast section.
func (c *Config) ResolveBroadcast() (BroadcastSettings, error) {
	b := c.Broadcast
	base := time.Second
	if c.IsProduction() {
		base = time.Minute
	}

	var (
		s   = BroadcastSettings{Enabled: !b.Disabled}
		err error
	)
	if s.TickBase, err = ParseDurationOrDefault("broadcast.tick_base", b.TickBase, base); err != nil {
		return s, err
	}
	if s.LookaheadAbsolute, err = ParseDurationOrDefault("broadcast.lookahead_absolute", b.LookaheadAbsolute, 5*time.Minute); err != nil {
		return s, err
	}
	if s.LookaheadRelative, err = ParseDurationOrDefault("broadcast.lookahead_relative", b.LookaheadRelative, 14*time.Hour+5*time.Minute); err != nil {
		return s, err
	}
	if s.RetryInitial, err = ParseDurationOrDefault("broadcast.retry_initial", b.RetryInitial, time.Second); err != nil {
		return s, err
	}
	if s.ChangeWindow, err = ParseDurationOrDefault("broadcast.change_window", b.ChangeWindow, time.Second); err != nil {
		return s, err
	}

	s.BatchSize = b.BatchSize
	if s.BatchSize <= 0 {
		s.BatchSize = 1000
	}
	s.RetryAttempts = b.RetryAttempts
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = 3
	}
	s.RetryMultiplier = b.RetryMultiplier
	if s.RetryMultiplier <= 0 {
		s.RetryMultiplier = 3
	}
	if s.RetryMultiplier < 1 {
		return s, fmt.Errorf("broadcast.retry_multiplier: must be >= 1")
	}
	return s, nil
}

// NotifierSettings is NotifierConfig with defaults applied.
type NotifierSettings struct {
	Enabled     bool
	QueueSize   int
	RatePerSec  int
	RetryMax    int
	RetryBase   time.Duration
	HistorySize int
}

func (c *Config) ResolveNotifier() (NotifierSettings, error) {
	s := NotifierSettings{Enabled: true, QueueSize: 256, RatePerSec: 3, RetryMax: 3, RetryBase: 500 * time.Millisecond, HistorySize: 100}
	n := c.Notifier
	if n == nil {
		return s, nil
	}
	s.Enabled = n.Enabled
	if n.QueueSize > 0 {
		s.QueueSize = n.QueueSize
	}
	if n.RatePerSec > 0 {
		s.RatePerSec = n.RatePerSec
	}
	if n.RetryMax > 0 {
		s.RetryMax = n.RetryMax
	}
	if n.HistorySize > 0 {
		s.HistorySize = n.HistorySize
	}
	d, err := ParseDurationOrDefault("notifier.retry_base", n.RetryBase, s.RetryBase)
	if err != nil {
		return s, err
	}
	s.RetryBase = d
	return s, nil
}

// HTTPSettings is HTTPConfig with defaults applied.
type HTTPSettings struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	Pprof         bool
}

func (c *Config) ResolveHTTP() (HTTPSettings, error) {
	h := c.HTTP
	s := HTTPSettings{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}
	if s.Addr == "" {
		s.Addr = "127.0.0.1:8080"
	}
	var err error
	if s.ReadTimeout, err = ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return s, err
	}
	// SSE streams are long-lived; no write timeout unless configured.
	if s.WriteTimeout, err = ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return s, err
	}
	if s.IdleTimeout, err = ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, time.Minute); err != nil {
		return s, err
	}
	return s, nil
}

// Validate checks a decoded config for inconsistencies. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token: required when telegram is enabled (or set %s)", EnvKeyTelegramToken))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}

	if _, err := cfg.ResolveBroadcast(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.ResolveNotifier(); err != nil {
		errs = append(errs, err)
	}

	if _, err := cfg.ResolveHTTP(); err != nil {
		errs = append(errs, err)
	}

	if cfg.Events.AMQP.Enabled && strings.TrimSpace(cfg.Events.AMQP.URL) == "" {
		errs = append(errs, fmt.Errorf("events.amqp.url: required when amqp is enabled (or set %s)", EnvKeyAMQPURL))
	}

	return errors.Join(errs...)
}
