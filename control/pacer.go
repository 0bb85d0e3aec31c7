package control

import (
	"context"
	"time"

	"flexteleop/utils"
)

// pacer schedules tick boundaries from a fixed anchor so sleep jitter does
// not accumulate. A tick that overruns starts the next one immediately; once
// more than a full period behind, the schedule restarts from now instead of
// racing to catch up.
type pacer struct {
	clock  utils.Clock
	period time.Duration
	next   time.Time
}

func newPacer(clock utils.Clock, period time.Duration, start time.Time) *pacer {
	return &pacer{clock: clock, period: period, next: start}
}

// wait blocks until the next boundary. overrun reports that the boundary had
// already passed.
func (p *pacer) wait(ctx context.Context) (overrun bool, err error) {
	p.next = p.next.Add(p.period)
	now := p.clock.Now()
	remaining := p.next.Sub(now)
	if remaining >= 0 {
		return false, p.clock.Sleep(ctx, remaining)
	}
	if -remaining > p.period {
		p.next = now
	}
	return true, ctx.Err()
}
