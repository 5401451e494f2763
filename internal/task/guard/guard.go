// Package guard provides a keyed, non-reentrant try-lock for periodic tasks.
//
// A Guard never queues: if an invocation for the same task id is already in
// flight, TryRun returns Skipped without calling fn. The guarantee holds only
// within one process.
package guard

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	logx "broadcastd/pkg/logx"
)

// Outcome reports whether TryRun invoked fn.
type Outcome int

const (
	Ran Outcome = iota
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Ran:
		return "ran"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Guard struct {
	log logx.Logger

	mu   sync.Mutex
	busy map[string]bool
}

func New(log logx.Logger) *Guard {
	return &Guard{log: log, busy: map[string]bool{}}
}

// TryRun runs fn unless taskID is already running.
//
// The returned error is fn's own error; a skip is reported through Outcome only.
// A panic in fn is recovered, logged, and returned as an error so the busy mark
// is always cleared.
func (g *Guard) TryRun(taskID string, fn func() error) (out Outcome, err error) {
	taskID = strings.TrimSpace(taskID)
	if !g.acquire(taskID) {
		g.log.Debug("task skipped; previous run still in flight", logx.String("task", taskID))
		return Skipped, nil
	}
	defer g.release(taskID)

	defer func() {
		if r := recover(); r != nil {
			g.log.Error("task panicked", logx.String("task", taskID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", taskID, r)
		}
	}()
	return Ran, fn()
}

// Busy reports whether taskID currently holds the guard.
func (g *Guard) Busy(taskID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy[strings.TrimSpace(taskID)]
}

func (g *Guard) acquire(taskID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy[taskID] {
		return false
	}
	g.busy[taskID] = true
	return true
}

func (g *Guard) release(taskID string) {
	g.mu.Lock()
	delete(g.busy, taskID)
	g.mu.Unlock()
}
