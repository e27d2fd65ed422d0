package orchestrator

import (
	"context"
	"time"
)

// Sleeper blocks for a duration or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// timerSleeper sleeps on a real timer.
type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// sleepChunked sleeps for total in steps of at most chunk, calling tick
// with the time left after each step. It returns early with ctx's error.
func sleepChunked(ctx context.Context, s Sleeper, total, chunk time.Duration, tick func(remaining time.Duration)) error {
	if chunk <= 0 {
		chunk = total
	}
	for remaining := total; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := min(chunk, remaining)
		if err := s.Sleep(ctx, step); err != nil {
			return err
		}
		remaining -= step
		if remaining > 0 && tick != nil {
			tick(remaining)
		}
	}
	return ctx.Err()
}
