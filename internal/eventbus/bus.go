// Package eventbus is the in-process fan-out for broadcast state changes.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by broadcastd.
const (
	// TypeBroadcastChanged is a pulse with no payload: schedule or outbox state changed.
	TypeBroadcastChanged = "broadcast.changed"
	// TypeBroadcastFailed carries a FailedEvent when a schedule is aborted.
	TypeBroadcastFailed = "broadcast.failed"
	// TypeNotification carries an operator notification as it is emitted.
	TypeNotification = "notification"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// FailedEvent is the payload of TypeBroadcastFailed.
type FailedEvent struct {
	ScheduleID int64  `json:"schedule_id"`
	Purged     int    `json:"purged"`
	Error      string `json:"error"`
}

// Bus delivers events to buffered subscribers. Publish never blocks: a full
// subscriber misses the event.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel of events whose type is in types (all
	// types when empty) and a function that unsubscribes and closes it.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// Dropper is implemented by buses that count events lost to full subscribers.
type Dropper interface {
	Dropped() uint64
}

func New() Bus {
	return &memBus{}
}

type subscriber struct {
	ch    chan Event
	types []string
}

func (s *subscriber) wants(t string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

type memBus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), types: slices.Clone(types)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Publish sends under the read lock, so closing under the write
			// lock cannot race a send.
			b.mu.Lock()
			b.subs = slices.DeleteFunc(b.subs, func(x *subscriber) bool { return x == s })
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
