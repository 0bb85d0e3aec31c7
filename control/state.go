// Package control runs the fixed-period teleoperation loop: commission the
// closed-loop devices, then on every tick heartbeat all devices, fold joystick
// input into the command, dispatch setpoints and read telemetry back.
package control

import (
	"math"
	"sync/atomic"

	"flexteleop/joystick"
)

// State is the loop lifecycle.
type State int32

const (
	StateIdle State = iota
	StateCommissioning
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCommissioning:
		return "commissioning"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type stateVar struct{ v atomic.Int32 }

func (s *stateVar) load() State   { return State(s.v.Load()) }
func (s *stateVar) store(x State) { s.v.Store(int32(x)) }

// CommandState is the operator's current intent. Position is in [0,1],
// Velocity in [-MaxSpeed, MaxSpeed].
type CommandState struct {
	Position float64 `json:"position"`
	Velocity float64 `json:"velocity"`
}

// Clamp bounds both fields and replaces NaN with zero.
func (c CommandState) Clamp(maxSpeed float64) CommandState {
	return CommandState{
		Position: bound(c.Position, 0, 1),
		Velocity: bound(c.Velocity, -maxSpeed, maxSpeed),
	}
}

// Apply folds one mapped event into the command. Later deltas overwrite
// earlier ones for the same target.
func (c CommandState) Apply(d joystick.Delta, maxSpeed float64) CommandState {
	switch d.Target {
	case joystick.TargetPosition:
		c.Position = d.Value
	case joystick.TargetVelocity:
		c.Velocity = d.Value
	default:
		return c
	}
	return c.Clamp(maxSpeed)
}

func bound(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
