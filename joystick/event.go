// Package joystick reads the Linux joystick API (/dev/input/jsN) without
// blocking and maps stick deflection onto control setpoints.
package joystick

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// RecordSize is the size of one struct js_event.
const RecordSize = 8

// Kind is the js_event type byte.
type Kind uint8

const (
	KindButton Kind = 0x01
	KindAxis   Kind = 0x02
	// KindInit marks the synthetic replay of current state sent on open.
	KindInit Kind = 0x80
)

func (k Kind) String() string {
	switch k {
	case KindButton:
		return "button"
	case KindAxis:
		return "axis"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// Event is one decoded record. Kind never carries the init bit; Initial
// records whether it was set.
type Event struct {
	TimeMS  uint32 // driver timestamp, unused by the loop
	Value   int16
	Kind    Kind
	Number  uint8
	Initial bool
}

var ErrShortRecord = errors.New("joystick: short record")

// Decode parses a little-endian js_event record.
func Decode(b []byte) (Event, error) {
	if len(b) < RecordSize {
		return Event{}, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(b))
	}
	kind := Kind(b[6])
	return Event{
		TimeMS:  binary.LittleEndian.Uint32(b[0:4]),
		Value:   int16(binary.LittleEndian.Uint16(b[4:6])),
		Kind:    kind &^ KindInit,
		Number:  b[7],
		Initial: kind&KindInit != 0,
	}, nil
}

// Encode is the inverse of Decode; scripted sources and tests use it.
func Encode(ev Event) [RecordSize]byte {
	var b [RecordSize]byte
	binary.LittleEndian.PutUint32(b[0:4], ev.TimeMS)
	binary.LittleEndian.PutUint16(b[4:6], uint16(ev.Value))
	kind := ev.Kind
	if ev.Initial {
		kind |= KindInit
	}
	b[6] = byte(kind)
	b[7] = ev.Number
	return b
}
