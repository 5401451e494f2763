package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// errDropped ends a retry sequence without failing it: a filter rejected
// the recipient.
var errDropped = errors.New("dropped by filter")

// Policy is a bounded exponential retry: Attempts tries in total, waiting
// Initial, then Initial*Multiplier, ... between them.
type Policy struct {
	Attempts   int
	Initial    time.Duration
	Multiplier float64
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Initial: time.Second, Multiplier: 3}
}

// Delays lists the waits between attempts.
func (p Policy) Delays() []time.Duration {
	if p.Attempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, p.Attempts-1)
	d := p.Initial
	for i := 1; i < p.Attempts; i++ {
		out = append(out, d)
		d = time.Duration(float64(d) * p.Multiplier)
	}
	return out
}

// Do calls fn until it succeeds, returns errDropped, or attempts run out.
// A cancelled ctx during a wait returns ctx.Err().
func (p Policy) Do(ctx context.Context, sleep func(context.Context, time.Duration) error, fn func(attempt int) error) error {
	attempts := max(p.Attempts, 1)
	delays := p.Delays()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil || errors.Is(err, errDropped) {
			return err
		}
		if attempt == attempts {
			break
		}
		if serr := sleep(ctx, delays[attempt-1]); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
