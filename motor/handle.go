package motor

import (
	"context"
	"fmt"
	"time"

	"flexteleop/utils"
)

// maxDrainPerRead bounds how many queued status messages one read consumes.
const maxDrainPerRead = 64

// Handle is the proxy for one controller. It is driven from a single
// goroutine and knows nothing about other devices.
//
// Setpoints are not range-checked here; callers clamp before dispatch.
type Handle struct {
	cfg   DeviceConfig
	port  Port
	clock utils.Clock

	// maxAge marks readings older than this unavailable; zero never expires them.
	maxAge time.Duration

	snap Telemetry
}

func newHandle(cfg DeviceConfig, port Port, clock utils.Clock, maxAge time.Duration) *Handle {
	return &Handle{cfg: cfg, port: port, clock: clock, maxAge: maxAge}
}

func (h *Handle) Config() DeviceConfig { return h.cfg }
func (h *Handle) Address() Address     { return h.cfg.Address }
func (h *Handle) Role() Role           { return h.cfg.Role }
func (h *Handle) Name() string         { return h.cfg.Name }

// Heartbeat emits the keep-alive. A device that misses it for longer than its
// watchdog timeout disables itself; nothing here reports that.
func (h *Handle) Heartbeat(ctx context.Context) error {
	return h.send(ctx, Command{Kind: CmdHeartbeat})
}

func (h *Handle) SetVelocity(ctx context.Context, v float64) error {
	return h.send(ctx, Command{Kind: CmdSetVelocity, Value: v})
}

func (h *Handle) SetPosition(ctx context.Context, p float64) error {
	return h.send(ctx, Command{Kind: CmdSetPosition, Value: p})
}

// SetGains writes P, I and D for g.Slot, stopping at the first failure.
func (h *Handle) SetGains(ctx context.Context, g Gains) error {
	for _, term := range []struct {
		t GainTerm
		v float64
	}{{GainP, g.P}, {GainI, g.I}, {GainD, g.D}} {
		if err := h.send(ctx, Command{Kind: CmdSetGain, Slot: g.Slot, Term: term.t, Value: term.v}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) SetIdleMode(ctx context.Context, m IdleMode) error {
	return h.send(ctx, Command{Kind: CmdSetIdleMode, Value: float64(m)})
}

func (h *Handle) ClearFaults(ctx context.Context) error {
	return h.send(ctx, Command{Kind: CmdClearFaults})
}

// CommitConfig persists configuration to device flash. The device needs
// CommitSettleDelay before it can be trusted with closed-loop commands.
func (h *Handle) CommitConfig(ctx context.Context) error {
	return h.send(ctx, Command{Kind: CmdCommitConfig})
}

// CommitSettleDelay is the device's flash write time.
const CommitSettleDelay = 5 * time.Second

func (h *Handle) send(ctx context.Context, cmd Command) error {
	if err := h.port.Send(ctx, cmd); err != nil {
		return fmt.Errorf("%s %s: %w", h.cfg.Address, cmd.Kind, err)
	}
	return nil
}

// ReadVelocity returns the last velocity reported by the device.
func (h *Handle) ReadVelocity() (Reading, error) {
	if err := h.drain(); err != nil {
		return Unavailable, err
	}
	return h.fresh(h.snap.Velocity), nil
}

// ReadAbsolutePosition returns the last absolute encoder angle in degrees.
func (h *Handle) ReadAbsolutePosition() (Reading, error) {
	if err := h.drain(); err != nil {
		return Unavailable, err
	}
	return h.fresh(h.snap.Position), nil
}

// ReadTelemetry drains pending status once and returns the whole snapshot.
// A failed read reports everything unavailable for this call only; the
// snapshot is kept for the next one.
func (h *Handle) ReadTelemetry() (Telemetry, error) {
	if err := h.drain(); err != nil {
		return Telemetry{}, err
	}
	return Telemetry{
		Velocity: h.fresh(h.snap.Velocity),
		Position: h.fresh(h.snap.Position),
		Faults:   h.snap.Faults,
	}, nil
}

func (h *Handle) drain() error {
	for i := 0; i < maxDrainPerRead; i++ {
		fb, ok, err := h.port.Receive()
		if err != nil {
			return fmt.Errorf("%s telemetry: %w", h.cfg.Address, err)
		}
		if !ok {
			return nil
		}
		at := fb.At
		if at.IsZero() {
			at = h.clock.Now()
		}
		r := Reading{Value: fb.Value, At: at, OK: true}
		switch fb.Kind {
		case FeedbackVelocity:
			h.snap.Velocity = r
		case FeedbackAbsolutePosition:
			h.snap.Position = r
		}
		h.snap.Faults = fb.Faults
	}
	return nil
}

func (h *Handle) fresh(r Reading) Reading {
	if !r.OK || h.maxAge <= 0 {
		return r
	}
	if h.clock.Now().Sub(r.At) > h.maxAge {
		return Unavailable
	}
	return r
}

func (h *Handle) close() error { return h.port.Close() }
