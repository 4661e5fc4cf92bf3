// Package pacing emits pre-encoded audio frames at an exact 20 ms cadence.
// Receivers on the bus have shallow jitter buffers, so transmit timing has to
// hold sub-millisecond accuracy over streams hundreds of frames long.
package pacing

import (
	"context"
	"time"
)

// FrameInterval is the cadence of every stream on the audio bus.
const FrameInterval = 20 * time.Millisecond

// coarseSlack is how far short of each deadline the scheduler sleeps before
// switching to a spin wait. Sleeping all the way to the deadline leaves
// timing at the mercy of the runtime timer granularity.
const coarseSlack = 3 * time.Millisecond

// Scheduler paces frame emission against absolute deadlines computed from the
// stream start, so per-frame jitter never accumulates into drift.
type Scheduler struct {
	interval time.Duration
	slack    time.Duration
}

func NewScheduler() *Scheduler {
	return &Scheduler{interval: FrameInterval, slack: coarseSlack}
}

// NewSchedulerWithInterval is used by tests that pace at a different rate.
func NewSchedulerWithInterval(interval time.Duration) *Scheduler {
	return &Scheduler{interval: interval, slack: coarseSlack}
}

// Run calls emit for frames 0..n-1, pacing each against its deadline
// t0 + (i+1)*interval. It trades CPU in the spin window for jitter
// elimination. Returns the wall-clock drift of the completed stream, and
// stops early if emit fails or the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, n int, emit func(i int) error) (time.Duration, error) {
	start := time.Now()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return time.Since(start) - time.Duration(i)*s.interval, err
		}
		if err := emit(i); err != nil {
			return time.Since(start) - time.Duration(i)*s.interval, err
		}

		deadline := start.Add(time.Duration(i+1) * s.interval)
		if sleep := time.Until(deadline) - s.slack; sleep > 0 {
			time.Sleep(sleep)
		}
		for time.Now().Before(deadline) {
		}
	}
	return time.Since(start) - time.Duration(n)*s.interval, nil
}

// Frames paces a stream of pre-encoded frames through send.
func (s *Scheduler) Frames(ctx context.Context, frames [][]byte, send func(frame []byte, i int) error) (time.Duration, error) {
	return s.Run(ctx, len(frames), func(i int) error {
		return send(frames[i], i)
	})
}
