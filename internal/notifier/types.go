package notifier

import "time"

// Levels a notification can carry.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled     bool
	QueueSize   int
	RatePerSec  int
	RetryMax    int
	RetryBase   time.Duration
	HistorySize int
}

// Notification is a short operator-facing message. URL points at the admin
// page that explains it, relative to the admin UI root.
type Notification struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	URL     string    `json:"url,omitempty"`
	At      time.Time `json:"at"`
}
