// Package motor models addressed brushless controllers on a CAN bus: the
// per-device handle the control loop drives, and the fixed registry that
// owns every handle for the life of the process.
package motor

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Address identifies one controller. It never changes after construction.
type Address struct {
	Bus  string
	Node uint8
}

func (a Address) String() string { return fmt.Sprintf("%s/%d", a.Bus, a.Node) }

// Role decides which setpoint a device receives each tick.
type Role int

const (
	RoleVelocityPID Role = iota + 1
	RoleAbsolutePosition
)

func (r Role) String() string {
	switch r {
	case RoleVelocityPID:
		return "velocity_pid"
	case RoleAbsolutePosition:
		return "absolute_position"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole accepts the names String produces.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "velocity_pid", "velocity":
		return RoleVelocityPID, nil
	case "absolute_position", "position":
		return RoleAbsolutePosition, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// IdleMode is what the controller does with zero output.
type IdleMode int

const (
	IdleCoast IdleMode = iota
	IdleBrake
)

func (m IdleMode) String() string {
	if m == IdleBrake {
		return "brake"
	}
	return "coast"
}

func ParseIdleMode(s string) (IdleMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "coast":
		return IdleCoast, nil
	case "brake":
		return IdleBrake, nil
	default:
		return 0, fmt.Errorf("unknown idle mode %q", s)
	}
}

// Gains are the closed-loop constants for one controller PID slot.
type Gains struct {
	Slot int
	P    float64
	I    float64
	D    float64
}

// DeviceConfig is the static configuration of one registered device.
type DeviceConfig struct {
	Name    string
	Address Address
	Role    Role
	Gains   Gains
	Idle    IdleMode
	// PositionOffset is added to the shared position command for this device.
	PositionOffset float64
}

// Reading is one telemetry value. OK=false means unavailable: nothing has
// arrived yet, or what arrived is too old.
type Reading struct {
	Value float64
	At    time.Time
	OK    bool
}

// Unavailable is the sentinel reading.
var Unavailable = Reading{}

// Float returns the value, or NaN when unavailable.
func (r Reading) Float() float64 {
	if !r.OK {
		return math.NaN()
	}
	return r.Value
}

func (r Reading) String() string {
	if !r.OK {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", r.Value)
}

// MarshalJSON renders an unavailable reading as null.
func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.OK {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

// Telemetry is the last-known state reported by a device.
type Telemetry struct {
	Velocity Reading
	// Position is the absolute encoder angle in degrees.
	Position Reading
	Faults   uint16
}
