// Package ratelimit implements the process-wide bandwidth governor: a
// token-bucket admission control consumed by every worker on every byte
// read from the network, so chunk-granular bursts never show up on the
// wire. A rate of 0 disables it entirely.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Governor is a shared token bucket. Burstiness is capped at one second of
// configured rate.
type Governor struct {
	limiter *rate.Limiter
}

// New creates a Governor for the given bytes/sec rate. A rate of 0 produces
// a no-op governor (Consume returns immediately without blocking).
func New(bytesPerSec int64) *Governor {
	if bytesPerSec <= 0 {
		return &Governor{limiter: nil}
	}
	return &Governor{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec)),
	}
}

// Consume blocks until n bytes worth of tokens are available, or ctx is
// cancelled. It is safe for concurrent use by any number of workers.
func (g *Governor) Consume(ctx context.Context, n int) error {
	if g == nil || g.limiter == nil || n <= 0 {
		return nil
	}
	// rate.Limiter.WaitN rejects n larger than the burst size; since burst
	// equals one second of rate, split oversized chunks into sub-waits.
	burst := g.limiter.Burst()
	for n > 0 {
		take := n
		if burst > 0 && take > burst {
			take = burst
		}
		if err := g.limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Unlimited reports whether this governor imposes no limit.
func (g *Governor) Unlimited() bool {
	return g == nil || g.limiter == nil
}
