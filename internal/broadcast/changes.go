package broadcast

import (
	"time"

	"golang.org/x/time/rate"

	"broadcastd/internal/eventbus"
)

// ChangeNotifier publishes eventbus.TypeBroadcastChanged at most once per
// window. Calls inside the window are dropped, never deferred.
type ChangeNotifier struct {
	bus eventbus.Bus
	lim *rate.Limiter
	now func() time.Time
}

func NewChangeNotifier(bus eventbus.Bus, window time.Duration, now func() time.Time) *ChangeNotifier {
	if window <= 0 {
		window = time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &ChangeNotifier{bus: bus, lim: rate.NewLimiter(rate.Every(window), 1), now: now}
}

// NotifyChanged reports whether an event was published.
func (c *ChangeNotifier) NotifyChanged() bool {
	if c == nil {
		return false
	}
	t := c.now()
	if !c.lim.AllowN(t, 1) {
		return false
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastChanged, Time: t})
	}
	return true
}
