package joystick

// FullScale is the magnitude of a fully deflected axis.
const FullScale = 32767.0

// Target is the command field an axis drives.
type Target int

const (
	TargetNone Target = iota
	TargetPosition
	TargetVelocity
)

func (t Target) String() string {
	switch t {
	case TargetPosition:
		return "position"
	case TargetVelocity:
		return "velocity"
	default:
		return "none"
	}
}

// Delta is the command change produced by one event.
type Delta struct {
	Target Target
	Value  float64
}

// Mapper turns axis events into command deltas. It holds configuration only.
type Mapper struct {
	PositionAxis uint8
	VelocityAxis uint8
	// MaxSpeed scales a full stick deflection; velocity is clamped to ±MaxSpeed.
	MaxSpeed float64
	// Deadband zeroes normalized deflections smaller than this, in [0,1).
	Deadband float64
}

// DefaultMapper is left stick X for position and right stick Y for speed.
func DefaultMapper() Mapper {
	return Mapper{
		PositionAxis: 0,
		VelocityAxis: 3,
		MaxSpeed:     4.0,
	}
}

// Map classifies ev. Only axis events on the two configured axes produce a
// delta; everything else returns ok=false.
func (m Mapper) Map(ev Event) (Delta, bool) {
	if ev.Kind != KindAxis {
		return Delta{}, false
	}
	switch ev.Number {
	case m.PositionAxis:
		return Delta{Target: TargetPosition, Value: m.MapPosition(ev.Value)}, true
	case m.VelocityAxis:
		return Delta{Target: TargetVelocity, Value: m.MapVelocity(ev.Value)}, true
	default:
		return Delta{}, false
	}
}

// MapPosition rescales raw to [0,1] as (raw/32767 + 1) / 2.
func (m Mapper) MapPosition(raw int16) float64 {
	x := m.normalize(raw)
	return clamp((x+1)*0.5, 0, 1)
}

// MapVelocity rescales raw to [-MaxSpeed, MaxSpeed]. Pushing the stick away
// from the operator reads negative, so the sign is flipped to make that forward.
func (m Mapper) MapVelocity(raw int16) float64 {
	x := m.normalize(raw)
	return clamp(-x*m.MaxSpeed, -m.MaxSpeed, m.MaxSpeed)
}

func (m Mapper) normalize(raw int16) float64 {
	x := clamp(float64(raw)/FullScale, -1, 1)
	if x < m.Deadband && x > -m.Deadband {
		return 0
	}
	return x
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
