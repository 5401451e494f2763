// Package router dispatches Telegram commands sent by recipients and operators.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"broadcastd/internal/storage"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Usage       string
	Description string
	Access      Access
	Handle      HandlerFunc
}

type Request struct {
	ChatID  int64
	FromID  int64
	Command string
	Args    []string

	sender transport.Sender
}

// Reply answers in the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.sender == nil {
		return nil
	}
	_, err := r.sender.SendText(ctx, transport.ChatTarget{ChatID: r.ChatID}, text, &transport.SendOptions{DisablePreview: true})
	return err
}

var errUsage = errors.New("usage")

type Router struct {
	log     logx.Logger
	sender  transport.Sender
	timeout time.Duration

	mu     sync.RWMutex
	owners []int64
	cmds   map[string]Command
}

func New(log logx.Logger, sender transport.Sender, owners []int64) *Router {
	return &Router{
		log:     log.With(logx.String("comp", "telegram.router")),
		sender:  sender,
		timeout: 15 * time.Second,
		owners:  append([]int64(nil), owners...),
		cmds:    map[string]Command{},
	}
}

func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), owners...)
	r.mu.Unlock()
}

func (r *Router) Handle(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		r.cmds[name] = c
	}
}

// MenuCommands lists public commands for the platform command menu.
func (r *Router) MenuCommands() []transport.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		if c.Access == AccessEveryone {
			out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Run dispatches updates one at a time until ctx ends or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Incoming) error {
	r.log.Info("command dispatcher started")
	defer r.log.Info("command dispatcher stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-updates:
			if !ok {
				return nil
			}
			_ = r.Dispatch(ctx, in)
		}
	}
}

// Dispatch runs the command in in, if any. Unknown commands and non-command
// text are ignored.
func (r *Router) Dispatch(ctx context.Context, in transport.Incoming) error {
	name, args, ok := parseCommand(in.Text)
	if !ok {
		return nil
	}
	r.mu.RLock()
	cmd, found := r.cmds[name]
	r.mu.RUnlock()
	if !found {
		return nil
	}

	req := &Request{ChatID: in.ChatID, FromID: in.FromID, Command: name, Args: args, sender: r.sender}
	h := Chain(cmd.Handle,
		logged(r.log),
		restricted(r, cmd.Access),
		recovered(r.log),
		usage(cmd.Usage),
		deadline(r.timeout),
	)
	if err := h(ctx, req); err != nil && !errors.Is(err, errDenied) {
		return err
	}
	return nil
}

// IsOwner reports whether id is one of the configured owners.
func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// parseCommand splits "/cmd@bot a b" into ("cmd", ["a","b"]).
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	f := strings.Fields(text[1:])
	if len(f) == 0 {
		return "", nil, false
	}
	name := f[0]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), f[1:], true
}

// UserStore is the storage the recipient commands need.
type UserStore interface {
	RegisterUser(ctx context.Context, id int64, platform string) (bool, error)
	SetUserTimezone(ctx context.Context, id int64, tz float64) error
}

type ScheduleLister interface {
	ListSchedules(ctx context.Context, limit int) ([]storage.Schedule, error)
}

// BuiltinCommands returns /start, /tz, /help and the owner-only /broadcasts.
func BuiltinCommands(r *Router, users UserStore, schedules ScheduleLister) []Command {
	cmds := []Command{
		{
			Name:        "start",
			Usage:       "/start",
			Description: "Subscribe to broadcasts",
			Handle: func(ctx context.Context, req *Request) error {
				created, err := users.RegisterUser(ctx, req.FromID, transport.PlatformTelegram)
				if err != nil {
					return err
				}
				if created {
					return req.Reply(ctx, "Subscribed. Set your UTC offset with /tz, e.g. /tz +5")
				}
				return req.Reply(ctx, "You are already subscribed.")
			},
		},
		{
			Name:        "tz",
			Usage:       "/tz <utc offset>, e.g. /tz +5, /tz -3.5, /tz +05:30",
			Description: "Set your UTC offset",
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					return errUsage
				}
				tz, err := ParseOffset(req.Args[0])
				if err != nil {
					return req.Reply(ctx, err.Error())
				}
				if err := users.SetUserTimezone(ctx, req.FromID, tz); err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return req.Reply(ctx, "Send /start first.")
					}
					return err
				}
				return req.Reply(ctx, "Timezone set to UTC"+FormatOffset(tz)+".")
			},
		},
		{
			Name:        "help",
			Usage:       "/help",
			Description: "List commands",
			Handle: func(ctx context.Context, req *Request) error {
				var b strings.Builder
				for _, c := range r.MenuCommands() {
					fmt.Fprintf(&b, "/%s - %s\n", c.Command, c.Description)
				}
				return req.Reply(ctx, strings.TrimSpace(b.String()))
			},
		},
	}
	if schedules != nil {
		cmds = append(cmds, Command{
			Name:        "broadcasts",
			Usage:       "/broadcasts",
			Description: "Recent broadcasts",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				list, err := schedules.ListSchedules(ctx, 10)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					return req.Reply(ctx, "No broadcasts.")
				}
				var b strings.Builder
				for _, s := range list {
					fmt.Fprintf(&b, "#%d %s %s\n", s.ID, s.Type, scheduleState(s))
				}
				return req.Reply(ctx, strings.TrimSpace(b.String()))
			},
		})
	}
	return cmds
}

func scheduleState(s storage.Schedule) string {
	switch {
	case s.Errored:
		return fmt.Sprintf("errored (%d/%d sent)", s.SentCount, s.TotalCount)
	case s.Outboxed:
		return fmt.Sprintf("sending (%d/%d sent)", s.SentCount, s.TotalCount)
	case s.TS != nil:
		return "pending at " + time.UnixMilli(*s.TS).UTC().Format(storage.DateTimeLayout) + " UTC"
	default:
		return "pending at " + s.DateTime + " local"
	}
}

// ParseOffset parses a UTC offset in hours: "+5", "-3.5", "+05:30", "UTC+2".
func ParseOffset(s string) (float64, error) {
	raw := s
	s = strings.TrimSpace(strings.ToUpper(s))
	s = strings.TrimPrefix(s, "UTC")
	s = strings.TrimPrefix(s, "GMT")
	if s == "" {
		return 0, nil
	}
	sign := 1.0
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		sign = -1
		s = s[1:]
	}

	var hours float64
	if h, m, ok := strings.Cut(s, ":"); ok {
		hi, err1 := strconv.Atoi(h)
		mi, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || mi < 0 || mi >= 60 {
			return 0, fmt.Errorf("invalid offset %q", raw)
		}
		hours = float64(hi) + float64(mi)/60
	} else {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) {
			return 0, fmt.Errorf("invalid offset %q", raw)
		}
		hours = v
	}
	hours *= sign
	if hours < -12 || hours > 14 {
		return 0, fmt.Errorf("offset %q out of range (-12..+14)", raw)
	}
	return hours, nil
}

// FormatOffset renders hours as "+5", "-3:30".
func FormatOffset(h float64) string {
	sign := "+"
	if h < 0 {
		sign = "-"
		h = -h
	}
	mins := int(h*60 + 0.5)
	if mins%60 == 0 {
		return sign + strconv.Itoa(mins/60)
	}
	return fmt.Sprintf("%s%d:%02d", sign, mins/60, mins%60)
}
