package utils

import "sort"

type SignalDef struct {
	Name       string
	StartBit   int
	BitLength  int
	Signed     bool
	Factor     float64
	Offset     float64
	Min        float64
	Max        float64
	Default    float64
	Unit       string
	Comment    string
	Endianness string // only "little" supported
}

// Addressing says how a frame's arbitration id is formed.
type Addressing string

const (
	// AddressNode frames carry the node id in the low NodeBits of the id.
	AddressNode Addressing = "node"
	// AddressBroadcast frames go out with the base id unchanged.
	AddressBroadcast Addressing = "broadcast"
)

type FrameDef struct {
	ID         uint32 // base id; node bits are zero for AddressNode frames
	Name       string
	DLC        int
	Direction  string
	CycleMS    int
	Extended   bool
	Addressing Addressing
	Signals    []SignalDef
}

// ArbitrationID returns the on-wire id for node.
func (fd *FrameDef) ArbitrationID(node uint8, nodeBits int) uint32 {
	if fd.Addressing == AddressBroadcast {
		return fd.ID
	}
	return fd.ID | (uint32(node) & nodeMask(nodeBits))
}

type CANMap struct {
	ByID   map[uint32]*FrameDef
	ByName map[string]*FrameDef
	// NodeBits is the width of the node field of node-addressed ids.
	NodeBits int
}

func (m *CANMap) FrameNames() []string {
	out := make([]string, 0, len(m.ByName))
	for k := range m.ByName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasFrame reports whether the map defines a frame called name.
func (m *CANMap) HasFrame(name string) bool {
	_, ok := m.ByName[name]
	return ok
}

// SplitID resolves a received id to its frame and the node it came from.
func (m *CANMap) SplitID(id uint32) (*FrameDef, uint8, bool) {
	if fd, ok := m.ByID[id]; ok && fd.Addressing == AddressBroadcast {
		return fd, 0, true
	}
	mask := nodeMask(m.NodeBits)
	fd, ok := m.ByID[id&^mask]
	if !ok || fd.Addressing != AddressNode {
		return nil, 0, false
	}
	return fd, uint8(id & mask), true
}

func nodeMask(bits int) uint32 {
	if bits <= 0 || bits > 8 {
		return 0
	}
	return uint32(1)<<bits - 1
}
