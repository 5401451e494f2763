package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	logx "broadcastd/pkg/logx"
)

// Platform names.
const (
	PlatformTelegram = "telegram"
	PlatformLog      = "log"
)

var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrEmptyMessage    = errors.New("empty message")
)

// Router implements Channel by dispatching to one Sender per platform.
type Router struct {
	log logx.Logger

	mu      sync.RWMutex
	senders map[string]Sender
	def     string
}

func NewRouter(log logx.Logger) *Router {
	return &Router{log: log, senders: map[string]Sender{}, def: PlatformTelegram}
}

// Register installs s for platform, replacing any previous sender.
func (r *Router) Register(platform string, s Sender) {
	platform = normPlatform(platform)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s == nil {
		delete(r.senders, platform)
		return
	}
	r.senders[platform] = s
}

// SetDefault selects the platform used for recipients with no platform set.
func (r *Router) SetDefault(platform string) {
	r.mu.Lock()
	r.def = normPlatform(platform)
	r.mu.Unlock()
}

// Platforms lists registered platforms, sorted.
func (r *Router) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.senders))
	for p := range r.senders {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Deliver(ctx context.Context, platform string, recipientID int64, msg Message) error {
	if t := strings.TrimSpace(msg.Type); t != "" && t != MessageText {
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
	if strings.TrimSpace(msg.Text) == "" {
		return ErrEmptyMessage
	}

	r.mu.RLock()
	p := normPlatform(platform)
	if p == "" {
		p = r.def
	}
	s := r.senders[p]
	r.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
	}

	_, err := s.SendText(ctx, ChatTarget{ChatID: recipientID}, msg.Text, &SendOptions{
		ParseMode:      msg.ParseMode,
		DisablePreview: msg.DisablePreview,
	})
	if err != nil {
		return fmt.Errorf("deliver %s/%d: %w", p, recipientID, err)
	}
	return nil
}

func normPlatform(p string) string { return strings.ToLower(strings.TrimSpace(p)) }

// LogSender "delivers" by logging. It backs the log platform in development.
type LogSender struct {
	Log logx.Logger

	mu   sync.Mutex
	seq  int
	sent []Sent
	keep int
}

// Sent is a delivery recorded by LogSender.
type Sent struct {
	To   ChatTarget
	Text string
}

// NewLogSender keeps the last keep deliveries for inspection (0 keeps none).
func NewLogSender(log logx.Logger, keep int) *LogSender {
	return &LogSender{Log: log, keep: keep}
}

func (l *LogSender) SendText(ctx context.Context, to ChatTarget, text string, _ *SendOptions) (MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return MessageRef{}, err
	}
	l.mu.Lock()
	l.seq++
	id := l.seq
	if l.keep > 0 {
		l.sent = append(l.sent, Sent{To: to, Text: text})
		if len(l.sent) > l.keep {
			l.sent = l.sent[len(l.sent)-l.keep:]
		}
	}
	l.mu.Unlock()

	l.Log.Info("message delivered", logx.Int64("chat_id", to.ChatID), logx.Int("len", len(text)), logx.String("text", truncate(text, 120)))
	return MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}

// Sent returns a copy of the recorded deliveries, oldest first.
func (l *LogSender) Sent() []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Sent(nil), l.sent...)
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "…"
}
