package transport

import "context"

// Message types a delivery channel accepts.
const (
	MessageText = "text"
)

// Message is one outgoing broadcast payload.
type Message struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

// Incoming is a message received from a platform user.
type Incoming struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender sends text to a chat on one platform.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a platform connection that both receives and sends.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Incoming) error
	Stop(ctx context.Context) error
}

// Channel delivers broadcast messages to recipients by platform.
type Channel interface {
	Deliver(ctx context.Context, platform string, recipientID int64, msg Message) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
