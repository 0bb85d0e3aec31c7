package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = "direction,frame_id,frame_name,cycle_ms,dlc,signal_name,start_bit,bit_length,endianness,signed,factor,offset,min,max,default,unit,comment,addressing\n"

const testMap = header + `# node-addressed setpoint
tx,0x02050480,SETPOINT,3,8,setpoint,0,32,little,true,0.0001,0,-200000,200000,0,,speed,node
tx,0x02050480,SETPOINT,3,8,slot,32,2,little,false,1,0,0,3,0,,pid slot,node
tx,0x02052C80,HEARTBEAT,3,8,enable,0,64,little,false,1,0,0,1.8446744073709552e19,0,,mask,broadcast
rx,0x02051840,STATUS,20,8,velocity,0,32,little,true,0.0001,0,-200000,200000,0,,,
rx,0x02051840,STATUS,20,8,faults,32,16,little,false,1,0,0,65535,0,,,
tx,0x100,LEGACY,10,2,magic,0,16,little,false,1,0,0,65535,0x3AA3,,,broadcast
`

func parse(t *testing.T, src string) *CANMap {
	t.Helper()
	m, err := ParseCANMap(strings.NewReader(src))
	require.NoError(t, err)
	return m
}

func TestParseCANMap(t *testing.T) {
	m := parse(t, testMap)
	assert.Equal(t, []string{"HEARTBEAT", "LEGACY", "SETPOINT", "STATUS"}, m.FrameNames())

	sp, err := m.FrameByName("SETPOINT")
	require.NoError(t, err)
	assert.True(t, sp.Extended)
	assert.Equal(t, AddressNode, sp.Addressing)
	require.Len(t, sp.Signals, 2)
	assert.Equal(t, "setpoint", sp.Signals[0].Name)

	legacy, err := m.FrameByName("LEGACY")
	require.NoError(t, err)
	assert.False(t, legacy.Extended)
	assert.Equal(t, float64(0x3AA3), legacy.Signals[0].Default)

	_, err = m.FrameByName("NOPE")
	assert.Error(t, err)
}

func TestParseCANMapWithoutAddressingColumn(t *testing.T) {
	src := "direction,frame_id,frame_name,cycle_ms,dlc,signal_name,start_bit,bit_length,endianness,signed,factor,offset,min,max,default,unit,comment\n" +
		"tx,0x200,CMD,10,1,mode,0,8,little,false,1,0,0,255,0,,\n"
	m := parse(t, src)
	assert.Equal(t, AddressNode, m.ByName["CMD"].Addressing)
}

func TestParseCANMapRejects(t *testing.T) {
	row := func(r string) string { return header + r + "\n" }
	cases := map[string]string{
		"missing column": "direction,frame_id\ntx,0x1\n",
		"node bits set":  row("tx,0x02050485,SP,3,8,v,0,8,little,false,1,0,0,1,0,,,node"),
		"beyond dlc":     row("tx,0x200,SP,3,2,v,8,16,little,false,1,0,0,1,0,,,node"),
		"zero factor":    row("tx,0x200,SP,3,2,v,0,8,little,false,0,0,0,1,0,,,node"),
		"big endian":     row("tx,0x200,SP,3,2,v,0,8,big,false,1,0,0,1,0,,,node"),
		"bad addressing": row("tx,0x200,SP,3,2,v,0,8,little,false,1,0,0,1,0,,,group"),
		"bad id":         row("tx,zz,SP,3,2,v,0,8,little,false,1,0,0,1,0,,,node"),
		"duplicate name": header +
			"tx,0x200,SP,3,2,v,0,8,little,false,1,0,0,1,0,,,node\n" +
			"tx,0x300,SP,3,2,v,0,8,little,false,1,0,0,1,0,,,node\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCANMap(strings.NewReader(src))
			assert.Error(t, err)
		})
	}
}

func TestEncodeNodeFrame(t *testing.T) {
	m := parse(t, testMap)

	f, err := m.EncodeNodeFrame("SETPOINT", 7, map[string]float64{"setpoint": -1.5, "slot": 2})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x02050487), f.ID)
	assert.True(t, f.IsExtended)
	assert.Equal(t, uint8(8), f.Length)

	fd, node, vals, err := m.DecodeFrame(f.ID, f.Data[:f.Length])
	require.NoError(t, err)
	assert.Equal(t, "SETPOINT", fd.Name)
	assert.Equal(t, uint8(7), node)
	assert.InDelta(t, -1.5, vals["setpoint"], 1e-9)
	assert.Equal(t, 2.0, vals["slot"])
}

func TestEncodeClampsAndDefaults(t *testing.T) {
	m := parse(t, testMap)

	f, err := m.EncodeNodeFrame("SETPOINT", 1, map[string]float64{"setpoint": 1e9, "slot": 9})
	require.NoError(t, err)
	_, _, vals, err := m.DecodeFrame(f.ID, f.Data[:f.Length])
	require.NoError(t, err)
	assert.InDelta(t, 200000, vals["setpoint"], 1e-3)
	assert.Equal(t, 3.0, vals["slot"])

	f, err = m.EncodeNodeFrame("LEGACY", 9, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), f.ID, "broadcast ignores the node")
	assert.False(t, f.IsExtended)
	assert.Equal(t, []byte{0xA3, 0x3A}, f.Data[:f.Length])
}

func TestDecodeFrame(t *testing.T) {
	m := parse(t, testMap)

	// velocity -2.5 -> raw -25000 (0xFFFF9E58), faults 0x0102
	data := []byte{0x58, 0x9E, 0xFF, 0xFF, 0x02, 0x01, 0, 0}
	fd, node, vals, err := m.DecodeFrame(0x02051840|12, data)
	require.NoError(t, err)
	assert.Equal(t, "STATUS", fd.Name)
	assert.Equal(t, uint8(12), node)
	assert.InDelta(t, -2.5, vals["velocity"], 1e-9)
	assert.Equal(t, float64(0x0102), vals["faults"])

	_, _, _, err = m.DecodeFrame(0x02051840, data[:4])
	assert.Error(t, err, "short payload")

	_, _, _, err = m.DecodeFrame(0x7FF, data)
	assert.Error(t, err, "unknown id")

	_, node, _, err = m.DecodeFrame(0x02052C80, make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, node)
}

func TestBits(t *testing.T) {
	assert.Equal(t, uint64(0xFF), bitMask(8))
	assert.Equal(t, ^uint64(0), bitMask(64))

	p := setBits(0, 4, 8, 0xAB)
	assert.Equal(t, uint64(0xAB0), p)
	assert.Equal(t, uint64(0xAB), getBits(p, 4, 8))

	assert.Equal(t, int64(-1), unsignedToRawInt64(0xF, 4, true))
	assert.Equal(t, int64(15), unsignedToRawInt64(0xF, 4, false))
	assert.Equal(t, uint64(0xF), rawToUnsigned(-1, 4))

	assert.Equal(t, int64(7), clampRaw(100, 4, true))
	assert.Equal(t, int64(-8), clampRaw(-100, 4, true))
	assert.Equal(t, int64(0), clampRaw(-3, 4, false))
	assert.Equal(t, 5.0, clamp(5, 1, 1), "degenerate range is ignored")
}
