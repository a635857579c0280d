// Package scheduler implements the Worker Pool: a bounded concurrent
// execution set over per-file work units, with a dynamic scaling policy
// that grows the active worker count after a streak of successes and
// shrinks it on any failure. A mutex-guarded active count gates work
// dispatch, with a condition variable waking blocked dispatch when the
// ceiling moves at runtime instead of re-polling.
package scheduler

import (
	"context"
	"sync"

	"github.com/iavault/iavault/internal/types"
)

// FetchFunc performs the work for one file id and reports its terminal
// status. The Pool never inspects file contents; it only needs to know
// whether to count the outcome as a success or a failure for scaling.
type FetchFunc func(ctx context.Context, fileID int64) (types.FileStatus, error)

// Pool runs up to WorkerCeiling concurrent FetchFunc calls, with a current
// target that moves within [1, WorkerCeiling] according to the dynamic
// scaling policy. When DynamicScaling is false the target is pinned at the
// ceiling for the pool's whole lifetime.
type Pool struct {
	ceiling  int
	dynamic  bool
	fetch    FetchFunc
	queue    chan int64
	done     chan struct{}
	onResult func(Result)

	mu      sync.Mutex
	cond    *sync.Cond
	active  int
	target  int
	streak  int
	stopped bool
}

// Result is published after every file outcome, for the metrics publisher.
type Result struct {
	FileID  int64
	Status  types.FileStatus
	Workers int
}

// New constructs a Pool. ceiling must be in [1, 64] per the engine's
// worker_ceiling configuration bound; dynamic controls whether the target
// starts at 1 and grows, or is pinned at ceiling.
func New(ceiling int, dynamic bool, fetch FetchFunc, onResult func(Result)) *Pool {
	if ceiling < 1 {
		ceiling = 1
	}
	p := &Pool{
		ceiling:  ceiling,
		dynamic:  dynamic,
		fetch:    fetch,
		queue:    make(chan int64, ceiling*4),
		done:     make(chan struct{}),
		onResult: onResult,
	}
	p.cond = sync.NewCond(&p.mu)
	if dynamic {
		p.target = 1
	} else {
		p.target = ceiling
	}
	return p
}

// Enqueue adds a file id to the work queue. Safe to call concurrently with
// Run, as the Resolver discovers more files while the pool is draining
// earlier ones.
func (p *Pool) Enqueue(fileID int64) {
	p.queue <- fileID
}

// CloseQueue signals that no more file ids will be enqueued; workers drain
// the remainder and exit.
func (p *Pool) CloseQueue() {
	close(p.queue)
}

// CurrentTarget reports W_cur for metrics snapshots.
func (p *Pool) CurrentTarget() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// ActiveWorkers reports the number of in-flight fetches.
func (p *Pool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Run starts ceiling worker goroutines and blocks until the queue is
// drained (CloseQueue was called and every item processed) or ctx is
// cancelled. Cancellation causes every worker to abandon its current fetch
// at the next suspension point inside FetchFunc.
func (p *Pool) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.stopped = true
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.ceiling; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		if !p.acquireSlot() {
			return
		}

		fileID, ok := p.nextFile(ctx)
		if !ok {
			p.releaseSlot()
			return
		}

		status, err := p.fetch(ctx, fileID)
		p.recordOutcome(status, err)
	}
}

// acquireSlot blocks until fewer than target workers are active, or the
// pool is stopped. Returns false if the pool stopped before a slot opened.
func (p *Pool) acquireSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.active >= p.target && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return false
	}
	p.active++
	return true
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	p.active--
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *Pool) nextFile(ctx context.Context) (int64, bool) {
	select {
	case <-ctx.Done():
		p.mu.Lock()
		p.active--
		p.cond.Signal()
		p.mu.Unlock()
		return 0, false
	case id, ok := <-p.queue:
		if !ok {
			p.mu.Lock()
			p.active--
			p.cond.Signal()
			p.mu.Unlock()
			return 0, false
		}
		return id, true
	}
}

// ReportTrip applies the scaling policy's scale-down for a backoff trip that
// happened inside a fetch already in flight, independent of whatever status
// that fetch eventually reaches. A file retried after a trip can still
// finish with FileDone, but the trip already cost the pool a step down; it
// must not wait for (or be erased by) the retry's success.
func (p *Pool) ReportTrip() {
	if !p.dynamic {
		return
	}
	p.mu.Lock()
	p.streak = 0
	if p.target > 1 {
		p.target--
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) recordOutcome(status types.FileStatus, err error) {
	p.mu.Lock()
	p.active--

	switch {
	case err == nil && status == types.FileDone:
		if p.dynamic {
			p.streak++
			if p.streak >= types.ScaleUpStreak {
				p.streak = 0
				if p.target < p.ceiling {
					p.target++
				}
			}
		}
	case status == types.FileSkipped:
		// Skips don't count toward or against the streak.
	default:
		if p.dynamic {
			p.streak = 0
			if p.target > 1 {
				p.target--
			}
		}
	}

	target := p.target
	p.cond.Broadcast()
	p.mu.Unlock()

	if p.onResult != nil {
		p.onResult(Result{Status: status, Workers: target})
	}
}
