package utils

import (
	"fmt"
	"math"

	"go.einride.tech/can"
)

// EncodeFrame packs values into fd's payload. Signals missing from values
// take their default; every value is clamped to the signal range.
func (m *CANMap) EncodeFrame(fd *FrameDef, values map[string]float64) ([]byte, error) {
	if fd.DLC <= 0 || fd.DLC > 8 {
		return nil, fmt.Errorf("frame %s has invalid DLC %d", fd.Name, fd.DLC)
	}

	var payload uint64

	for _, s := range fd.Signals {
		v, ok := values[s.Name]
		if !ok || math.IsNaN(v) {
			v = s.Default
		}

		v = clamp(v, s.Min, s.Max)

		rawFloat := (v - s.Offset) / s.Factor
		raw := int64(math.Round(rawFloat))
		raw = clampRaw(raw, s.BitLength, s.Signed)

		u := rawToUnsigned(raw, s.BitLength)
		payload = setBits(payload, s.StartBit, s.BitLength, u)
	}

	out := make([]byte, fd.DLC)
	for i := 0; i < fd.DLC; i++ {
		out[i] = byte((payload >> (8 * i)) & 0xFF)
	}
	return out, nil
}

// EncodeNodeFrame produces a frame addressed to node, ready to transmit.
func (m *CANMap) EncodeNodeFrame(frameName string, node uint8, values map[string]float64) (can.Frame, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return can.Frame{}, err
	}
	payload, err := m.EncodeFrame(fd, values)
	if err != nil {
		return can.Frame{}, err
	}

	var f can.Frame
	f.ID = fd.ArbitrationID(node, m.NodeBits)
	f.IsExtended = fd.Extended
	f.Length = uint8(len(payload))
	copy(f.Data[:], payload)

	return f, nil
}

// DecodeFrame resolves frameID to its definition and returns the physical
// value of every signal together with the sending node.
func (m *CANMap) DecodeFrame(frameID uint32, data []byte) (*FrameDef, uint8, map[string]float64, error) {
	fd, node, ok := m.SplitID(frameID)
	if !ok {
		return nil, 0, nil, fmt.Errorf("unknown frame id 0x%X", frameID)
	}
	if len(data) < fd.DLC {
		return nil, 0, nil, fmt.Errorf("frame 0x%X expects DLC %d, got %d", frameID, fd.DLC, len(data))
	}

	var payload uint64
	for i := 0; i < fd.DLC && i < 8; i++ {
		payload |= uint64(data[i]) << (8 * i)
	}

	out := make(map[string]float64, len(fd.Signals))
	for _, s := range fd.Signals {
		u := getBits(payload, s.StartBit, s.BitLength)
		raw := unsignedToRawInt64(u, s.BitLength, s.Signed)
		out[s.Name] = float64(raw)*s.Factor + s.Offset
	}
	return fd, node, out, nil
}
