package status

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"flexteleop/control"
	"flexteleop/motor"
)

// Console redraws a single status line in place, at most once per interval
// of status time.
type Console struct {
	mu       sync.Mutex
	w        io.Writer
	interval time.Duration
	last     time.Time
	drawn    bool
}

var _ Output = (*Console)(nil)

func NewConsole(w io.Writer, interval time.Duration) *Console {
	return &Console{w: w, interval: interval}
}

func (c *Console) Write(s control.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return ErrClosed
	}
	if c.drawn && s.At.Sub(c.last) < c.interval {
		return nil
	}
	c.last = s.At
	c.drawn = true
	_, err := io.WriteString(c.w, "\r"+Line(s))
	return err
}

// Close ends the line so the shell prompt starts clean.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return nil
	}
	var err error
	if c.drawn {
		_, err = io.WriteString(c.w, "\n")
	}
	c.w = nil
	return err
}

// Line renders s without a line terminator.
func Line(s control.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tick %d vel %+.2f pos %.3f", s.Tick, s.Command.Velocity, s.Command.Position)
	if s.Overrun {
		b.WriteString(" OVERRUN")
	}
	for _, d := range s.Devices {
		b.WriteString(" | ")
		b.WriteString(d.Name)
		b.WriteByte(' ')
		switch d.Role {
		case motor.RoleVelocityPID.String():
			b.WriteString("v=" + d.Velocity.String())
		default:
			b.WriteString("p=" + d.Position.String())
		}
		if !d.HeartbeatOK {
			b.WriteString(" !hb")
		}
		if d.Faults != 0 {
			fmt.Fprintf(&b, " f=%#04x", d.Faults)
		}
	}
	return b.String()
}
