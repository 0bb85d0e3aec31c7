package motor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrOpen              = errors.New("motor: open device failed")
	ErrMissingCapability = errors.New("motor: device lacks required capability")
	ErrDuplicateAddress  = errors.New("motor: duplicate device address")
	ErrClosed            = errors.New("motor: port closed")
)

// CommandKind enumerates the transactions a handle issues.
type CommandKind int

const (
	CmdHeartbeat CommandKind = iota + 1
	CmdSetVelocity
	CmdSetPosition
	CmdSetGain
	CmdSetIdleMode
	CmdClearFaults
	CmdCommitConfig
)

func (k CommandKind) String() string {
	switch k {
	case CmdHeartbeat:
		return "heartbeat"
	case CmdSetVelocity:
		return "set_velocity"
	case CmdSetPosition:
		return "set_position"
	case CmdSetGain:
		return "set_gain"
	case CmdSetIdleMode:
		return "set_idle_mode"
	case CmdClearFaults:
		return "clear_faults"
	case CmdCommitConfig:
		return "commit_config"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// GainTerm selects which gain a CmdSetGain writes.
type GainTerm int

const (
	GainP GainTerm = iota
	GainI
	GainD
)

func (g GainTerm) String() string {
	switch g {
	case GainP:
		return "P"
	case GainI:
		return "I"
	case GainD:
		return "D"
	default:
		return fmt.Sprintf("gain(%d)", int(g))
	}
}

// Command is one transaction. Turning it into bus frames is the port's job.
type Command struct {
	Kind  CommandKind
	Value float64
	Slot  int      // CmdSetGain
	Term  GainTerm // CmdSetGain
}

// FeedbackKind tags a status message received from a device.
type FeedbackKind int

const (
	FeedbackVelocity FeedbackKind = iota + 1
	FeedbackAbsolutePosition
)

// Feedback is one decoded status message.
type Feedback struct {
	Kind   FeedbackKind
	Value  float64
	Faults uint16
	At     time.Time
}

// Capability is a bit set of the transactions a port can carry.
type Capability uint32

const (
	CapHeartbeat Capability = 1 << iota
	CapVelocitySetpoint
	CapPositionSetpoint
	CapGains
	CapIdleMode
	CapClearFaults
	CapCommit
	CapVelocityTelemetry
	CapAbsolutePositionTelemetry

	CapAll = CapHeartbeat | CapVelocitySetpoint | CapPositionSetpoint | CapGains | CapIdleMode |
		CapClearFaults | CapCommit | CapVelocityTelemetry | CapAbsolutePositionTelemetry
)

var capNames = []struct {
	c    Capability
	name string
}{
	{CapHeartbeat, "heartbeat"},
	{CapVelocitySetpoint, "velocity_setpoint"},
	{CapPositionSetpoint, "position_setpoint"},
	{CapGains, "gains"},
	{CapIdleMode, "idle_mode"},
	{CapClearFaults, "clear_faults"},
	{CapCommit, "commit"},
	{CapVelocityTelemetry, "velocity_telemetry"},
	{CapAbsolutePositionTelemetry, "absolute_position_telemetry"},
}

func (c Capability) String() string {
	var parts []string
	for _, n := range capNames {
		if c&n.c != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of want is set.
func (c Capability) Has(want Capability) bool { return c&want == want }

// RequiredCapabilities is what a role needs from its port. Every device
// gets heartbeats and both telemetry reads.
func RequiredCapabilities(r Role) Capability {
	base := CapHeartbeat | CapVelocityTelemetry | CapAbsolutePositionTelemetry
	switch r {
	case RoleVelocityPID:
		return base | CapVelocitySetpoint | CapGains | CapIdleMode | CapClearFaults | CapCommit
	case RoleAbsolutePosition:
		return base | CapPositionSetpoint
	default:
		return CapAll
	}
}

// Port is an open channel to one addressed device.
type Port interface {
	// Send issues cmd. It must not wait for a reply.
	Send(ctx context.Context, cmd Command) error
	// Receive returns the next pending status message. It never blocks;
	// ok=false means nothing is queued.
	Receive() (fb Feedback, ok bool, err error)
	Capabilities() Capability
	Close() error
}

// Transport opens ports on a bus.
type Transport interface {
	Open(ctx context.Context, addr Address) (Port, error)
}
