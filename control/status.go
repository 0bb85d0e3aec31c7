package control

import (
	"time"

	"flexteleop/motor"
)

// DeviceStatus is one device's line in a tick's status record.
type DeviceStatus struct {
	Name     string        `json:"name"`
	Address  string        `json:"address"`
	Role     string        `json:"role"`
	Setpoint float64       `json:"setpoint"`
	Velocity motor.Reading `json:"velocity"`
	// Position is the absolute encoder angle in degrees.
	Position motor.Reading `json:"position"`
	Faults   uint16        `json:"faults"`

	HeartbeatOK bool `json:"heartbeat_ok"`
	SetpointOK  bool `json:"setpoint_ok"`
	// TelemetryError is set when the read failed this tick.
	TelemetryError string `json:"telemetry_error,omitempty"`
}

// Status is emitted once per running tick. Devices is freshly allocated for
// every record, so sinks may keep it.
type Status struct {
	RunID   string         `json:"run_id"`
	Tick    uint64         `json:"tick"`
	At      time.Time      `json:"at"`
	Command CommandState   `json:"command"`
	Overrun bool           `json:"overrun"`
	Devices []DeviceStatus `json:"devices"`
}

// StatusSink receives status records on the loop goroutine. Implementations
// must not block.
type StatusSink interface {
	Emit(s Status)
}

// SinkFunc adapts a function to StatusSink.
type SinkFunc func(Status)

func (f SinkFunc) Emit(s Status) { f(s) }

type discardSink struct{}

func (discardSink) Emit(Status) {}

// Stats are cumulative loop counters.
type Stats struct {
	Ticks           uint64
	Overruns        uint64
	InputEvents     uint64
	InputErrors     uint64
	HeartbeatErrors uint64
	SetpointErrors  uint64
	TelemetryErrors uint64
}
