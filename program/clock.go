// Package program drives techniques across instrument channels: load,
// start, poll until every channel stops, parse, persist.  Programs are
// jobs; the Runner executes several of them concurrently with an
// optional rendezvous barrier and a shared cooperative stop.
package program

import (
	"context"
	"time"
)

// Clock abstracts time so timing-dependent logic is testable without
// real waits.
type Clock interface {
	Now() time.Time

	// Sleep blocks for d or until ctx is cancelled, returning the
	// context error in the latter case
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep waits for d or cancellation.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
