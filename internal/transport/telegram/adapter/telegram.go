// Package adapter connects broadcastd to the Telegram Bot API through telebot.
package adapter

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "broadcastd/internal/runtime/supervisor"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec caps outgoing messages across all chats. Telegram's global
	// limit is about 30/s.
	RatePerSec int
}

const (
	defaultRatePerSec = 25
	maxCommandDesc    = 256
	stopGrace         = 2 * time.Second
)

// Adapter long-polls updates and sends paced text messages.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot
	lim *rate.Limiter

	out     atomic.Pointer[chan<- transport.Incoming]
	dropped atomic.Uint64

	mu  sync.Mutex
	sup *rtsup.Supervisor

	menuMu sync.Mutex
	menu   []tele.Command
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Poller: &tele.LongPoller{Timeout: poll}})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	a := &Adapter{
		log: log.With(logx.String("comp", "telegram.adapter")),
		bot: b,
		lim: rate.NewLimiter(rate.Limit(rps), rps),
	}
	b.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	a.forward(transport.Incoming{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsPrivate:    m.Private(),
	})
	return nil
}

// forward hands an update to the consumer without blocking the poller.
func (a *Adapter) forward(in transport.Incoming) {
	p := a.out.Load()
	if p == nil {
		return
	}
	select {
	case *p <- in:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling; updates go to out. Calling Start on a running
// adapter does nothing.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Incoming) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	a.sup.Go0("updates.drops", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})
	a.sup.Go0("telebot.stop", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop; an early return is restarted.
	a.sup.GoRestart("telebot.poll", func(context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (consumer slow)", logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
	}
}

// Stop cancels polling and waits briefly for a pending getUpdates call.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	a.log.Info("stopping")
	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

// SendText sends text in chunks Telegram accepts, each paced by the shared
// limiter. The returned ref points at the first chunk.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	send := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview, ThreadID: to.ThreadID}

	ref := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := a.lim.Wait(ctx); err != nil {
			return ref, err
		}
		msg, err := a.bot.Send(chat, chunk, send)
		if err != nil {
			return ref, err
		}
		if i == 0 {
			ref.MessageID = msg.ID
		}
	}
	return ref, nil
}

// UpdateMenuCommands publishes the command menu (setMyCommands) when it
// differs from the last one sent.
func (a *Adapter) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	menu := menuCommands(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.menu != nil && slices.Equal(a.menu, menu) {
		return nil
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return err
	}
	a.menu = menu
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

func menuCommands(cmds []transport.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if r := []rune(d); len(r) > maxCommandDesc {
			d = string(r[:maxCommandDesc])
		}
		out = append(out, tele.Command{Text: c.Command, Description: d})
	}
	return out
}
