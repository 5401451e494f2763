package notifier

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"broadcastd/internal/eventbus"
	rtsup "broadcastd/internal/runtime/supervisor"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service implements an async notification pipeline:
// history + queue + worker + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus
	owners []int64

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Notification
	sup       *rtsup.Supervisor

	hmu     sync.Mutex
	history []Notification

	now func() time.Time
}

func New(cfg Config, sender transport.Sender, owners []int64, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		log:    log.With(logx.String("comp", "notifier")),
		sender: sender,
		bus:    bus,
		owners: append([]int64(nil), owners...),
		now:    time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetOwners replaces the chats notifications are delivered to.
func (s *Service) SetOwners(owners []int64) {
	s.mu.Lock()
	s.owners = append([]int64(nil), owners...)
	s.mu.Unlock()
}

// Start launches the delivery worker. It is a no-op when disabled, when no
// sender is configured, or when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	q := s.queue
	s.sup.GoRestart("worker", func(c context.Context) error {
		return s.workerLoop(c, q)
	})
}

// Stop stops intake and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	_ = sup.Wait(ctx)
	sup.Cancel()

	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// Notify records n and, when delivery is running, queues it for the owners.
// Without a running worker the notification is only logged and kept in history.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.At.IsZero() {
		n.At = s.now()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}
	s.record(n)

	s.mu.Lock()
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return nil
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- n:
		return nil
	default:
		s.log.Warn("notification dropped", logx.String("message", n.Message), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// Recent returns up to n notifications, newest first. n <= 0 returns all.
func (s *Service) Recent(n int) []Notification {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]Notification, 0, n)
	for i := len(s.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.history[i])
	}
	return out
}

func (s *Service) record(n Notification) {
	fields := []logx.Field{logx.String("level", n.Level), logx.String("message", n.Message)}
	if n.URL != "" {
		fields = append(fields, logx.String("url", n.URL))
	}
	switch n.Level {
	case LevelError:
		s.log.Error("notification", fields...)
	case LevelWarning:
		s.log.Warn("notification", fields...)
	default:
		s.log.Info("notification", fields...)
	}

	s.mu.Lock()
	limit := s.cfg.HistorySize
	bus := s.bus
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, n)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()

	if bus != nil {
		bus.Publish(eventbus.Event{Type: eventbus.TypeNotification, Time: n.At, Data: n})
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n Notification) {
	s.mu.Lock()
	cfg, lim, snd := s.cfg, s.limiter, s.sender
	owners := append([]int64(nil), s.owners...)
	s.mu.Unlock()

	text := Format(n)
	for _, chatID := range owners {
		if err := s.sendWithRetry(ctx, cfg, lim, snd, chatID, text); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("notification delivery failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, snd transport.Sender, chatID int64, text string) error {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := snd.SendText(callCtx, transport.ChatTarget{ChatID: chatID}, text, &transport.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt == maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg.RetryBase, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// Format renders n as chat text.
func Format(n Notification) string {
	var b strings.Builder
	b.WriteString(prefixForLevel(n.Level))
	b.WriteString(n.Message)
	if n.URL != "" {
		b.WriteString("\n")
		b.WriteString(n.URL)
	}
	return b.String()
}

func prefixForLevel(l string) string {
	switch l {
	case LevelError:
		return "🚨 "
	case LevelWarning:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

// retryDelay is base * 2^(attempt-1), capped at 10s, with 0.7..1.3 jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	const maxD = 10 * time.Second
	d := base
	for i := 1; i < attempt && d < maxD; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, maxD)
}
