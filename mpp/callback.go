package mpp

import (
	"time"

	"github.jpl.nasa.gov/bdube/biologic/program"
)

// TimeoutCallback runs a caller side effect (changing illumination,
// extra logging) on a schedule checked once per tracking cycle.
//
// Interval timing measures the timeout from the moment the previous
// invocation started; Between measures it from the moment it finished.
// The distinction matters when the side effect itself is slow.
type TimeoutCallback struct {
	// Call is the side effect
	Call func()

	// Timeout is the minimum spacing between invocations
	Timeout time.Duration

	// Repeat caps invocations; negative means unlimited
	Repeat int

	// Between measures Timeout from the end of the previous call
	// instead of its start
	Between bool

	// Clock stamps the end of slow calls for Between timing; nil uses
	// the time passed to Tick
	Clock program.Clock

	calls int
	mark  time.Time
	armed bool
}

// Fired reports how many times the callback has run.
func (t *TimeoutCallback) Fired() int { return t.calls }

// Tick checks the schedule at now and invokes the callback when due.
// The first Tick arms the timer without firing.
func (t *TimeoutCallback) Tick(now time.Time) {
	if t.Call == nil {
		return
	}
	if !t.armed {
		t.armed = true
		t.mark = now
		return
	}
	if t.Repeat >= 0 && t.calls >= t.Repeat {
		return
	}
	if now.Sub(t.mark) < t.Timeout {
		return
	}
	if !t.Between {
		t.mark = now
	}
	t.Call()
	t.calls++
	if t.Between {
		t.mark = now
		if t.Clock != nil {
			t.mark = t.Clock.Now()
		}
	}
}
