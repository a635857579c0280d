// Package backoff implements the shared "quiet until" gate that coordinates
// every worker's retreat after a throttling or overload signal from the
// archive, so the pool backs off together instead of hammering a server
// that already told one worker to slow down.
package backoff

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/iavault/iavault/internal/types"
)

// Reason names why a worker tripped the coordinator.
type Reason string

const (
	ReasonThrottled  Reason = "throttled"  // HTTP 429
	ReasonOverloaded Reason = "overloaded" // HTTP 503
)

// Coordinator holds a process-wide quiet-until timestamp. Zero value is
// ready to use (quiet-until starts at the zero time, i.e. no pause).
type Coordinator struct {
	quietUntilNano atomic.Int64
}

// New returns a Coordinator with no active pause.
func New() *Coordinator {
	return &Coordinator{}
}

// Trip sets quiet-until to now+random(30s,60s) if that is later than the
// current value. Multiple simultaneous trips never shorten an existing
// longer pause (take max).
func (c *Coordinator) Trip(reason Reason) time.Time {
	jitter := types.BackoffQuietMin + time.Duration(rand.Int64N(int64(types.BackoffQuietMax-types.BackoffQuietMin)))
	candidate := time.Now().Add(jitter)
	candidateNano := candidate.UnixNano()

	for {
		current := c.quietUntilNano.Load()
		if current >= candidateNano {
			return time.Unix(0, current)
		}
		if c.quietUntilNano.CompareAndSwap(current, candidateNano) {
			return candidate
		}
	}
}

// TripUntil sets quiet-until to an explicit deadline (e.g. a server's
// Retry-After header) if that is later than the current value. Same
// take-the-max semantics as Trip, for when the archive names its own
// cooldown instead of leaving it to the jittered default.
func (c *Coordinator) TripUntil(until time.Time) time.Time {
	candidateNano := until.UnixNano()
	for {
		current := c.quietUntilNano.Load()
		if current >= candidateNano {
			return time.Unix(0, current)
		}
		if c.quietUntilNano.CompareAndSwap(current, candidateNano) {
			return until
		}
	}
}

// QuietUntil returns the current quiet-until timestamp (zero time if none).
func (c *Coordinator) QuietUntil() time.Time {
	nano := c.quietUntilNano.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// Wait blocks until the wall clock passes the current quiet-until stamp, or
// ctx is cancelled. It re-reads the stamp each iteration so a trip that
// lands while we're already waiting extends the wait correctly.
func (c *Coordinator) Wait(ctx context.Context) error {
	for {
		until := c.QuietUntil()
		remaining := time.Until(until)
		if remaining <= 0 {
			return nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// Loop: re-check in case another trip extended the pause while
			// we were asleep.
		}
	}
}
