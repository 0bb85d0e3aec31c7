package utils

import (
	"context"
	"time"
)

// Clock is the time source for pacing and settling delays. Tests substitute
// a simulated clock.
type Clock interface {
	Now() time.Time
	// Sleep returns early with ctx.Err() if ctx is done first.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock uses the monotonic wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
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
