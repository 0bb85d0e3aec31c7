package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexteleop/config"
	"flexteleop/control"
	"flexteleop/motor"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sample(tick uint64, at time.Time) control.Status {
	return control.Status{
		RunID:   "run-1",
		Tick:    tick,
		At:      at,
		Command: control.CommandState{Position: 0.75, Velocity: 2},
		Devices: []control.DeviceStatus{
			{
				Name: "drive-1", Address: "can0/1", Role: "velocity_pid",
				Setpoint: 2, Velocity: motor.Reading{Value: 1.98, At: at, OK: true},
				HeartbeatOK: true, SetpointOK: true,
			},
			{
				Name: "flex-5", Address: "can0/5", Role: "absolute_position",
				Setpoint: 1, Faults: 0x11,
				HeartbeatOK: false, SetpointOK: true, TelemetryError: "can0/5 telemetry: no status",
			},
		},
	}
}

type memOutput struct {
	mu     sync.Mutex
	got    []control.Status
	block  chan struct{}
	err    error
	closed bool
}

func (m *memOutput) Write(s control.Status) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, s)
	return m.err
}

func (m *memOutput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestFanoutDeliversInOrderAndCloses(t *testing.T) {
	a, b := &memOutput{}, &memOutput{}
	f := NewFanout(16, nil, a, b)
	for i := 1; i <= 5; i++ {
		f.Emit(sample(uint64(i), t0))
	}
	require.NoError(t, f.Close())
	require.NoError(t, f.Close(), "close is idempotent")

	for _, o := range []*memOutput{a, b} {
		require.Len(t, o.got, 5)
		assert.Equal(t, uint64(1), o.got[0].Tick)
		assert.Equal(t, uint64(5), o.got[4].Tick)
		assert.True(t, o.closed)
	}
	assert.Zero(t, f.Dropped())
}

func TestFanoutDropsWhenFull(t *testing.T) {
	slow := &memOutput{block: make(chan struct{})}
	f := NewFanout(2, nil, slow)

	// One record is held by the blocked output, two fill the queue.
	f.Emit(sample(1, t0))
	require.Eventually(t, func() bool { return len(f.queue) == 0 }, time.Second, time.Millisecond)
	for i := 2; i <= 6; i++ {
		f.Emit(sample(uint64(i), t0))
	}
	assert.Equal(t, uint64(3), f.Dropped())

	close(slow.block)
	require.NoError(t, f.Close())
	assert.Len(t, slow.got, 3)
}

func TestFanoutCountsFailures(t *testing.T) {
	bad := &memOutput{err: errors.New("broker gone")}
	f := NewFanout(4, nil, bad)
	f.Emit(sample(1, t0))
	f.Emit(sample(2, t0))
	require.NoError(t, f.Close())
	assert.Equal(t, uint64(2), f.Failed())
}

func TestConsoleLine(t *testing.T) {
	line := Line(sample(7, t0))
	assert.Equal(t, "tick 7 vel +2.00 pos 0.750 | drive-1 v=1.98 | flex-5 p=n/a !hb f=0x11", line)
}

func TestConsoleThrottles(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, 100*time.Millisecond)
	for i := 0; i < 30; i++ {
		require.NoError(t, c.Write(sample(uint64(i+1), t0.Add(time.Duration(i)*10*time.Millisecond))))
	}
	require.NoError(t, c.Close())

	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "\r"), "ticks at 0, 100 and 200 ms")
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.ErrorIs(t, c.Write(sample(99, t0)), ErrClosed)
}

func TestRecorderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.cbor")
	r, err := NewRecorder(path)
	require.NoError(t, err)
	require.NoError(t, r.Write(sample(1, t0)))
	require.NoError(t, r.Write(sample(2, t0.Add(3*time.Millisecond))))
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Write(sample(3, t0)), ErrClosed)

	got, err := ReadRecordFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	s := got[1]
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, uint64(2), s.Tick)
	assert.True(t, s.At.Equal(t0.Add(3*time.Millisecond)))
	assert.Equal(t, control.CommandState{Position: 0.75, Velocity: 2}, s.Command)
	require.Len(t, s.Devices, 2)
	assert.True(t, s.Devices[0].Velocity.OK)
	assert.Equal(t, 1.98, s.Devices[0].Velocity.Value)
	assert.False(t, s.Devices[1].Position.OK)
	assert.Equal(t, uint16(0x11), s.Devices[1].Faults)
	assert.Equal(t, "can0/5 telemetry: no status", s.Devices[1].TelemetryError)
}

func TestReadRecordsTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, recEncMode.NewEncoder(&buf).Encode(sample(1, t0)))
	data := buf.Bytes()

	got, err := ReadRecords(bytes.NewReader(data[:len(data)-3]))
	assert.Error(t, err)
	assert.Empty(t, got)
}

type fakeToken struct{ err error }

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu           sync.Mutex
	msgs         []published
	open         bool
	disconnected bool
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{topic, qos, retained, payload.([]byte)})
	return fakeToken{}
}

func (b *fakeBroker) IsConnectionOpen() bool { return b.open }

func (b *fakeBroker) Disconnect(uint) { b.disconnected = true }

func TestMQTTPublishesJSON(t *testing.T) {
	broker := &fakeBroker{open: true}
	cfg := config.Default().Status.MQTT
	cfg.Interval = 10 * time.Millisecond
	p := newMQTTPublisher(broker, cfg, "run-1")

	require.NoError(t, p.Write(sample(1, t0)))
	require.NoError(t, p.Write(sample(2, t0.Add(3*time.Millisecond))), "throttled")
	require.NoError(t, p.Write(sample(5, t0.Add(12*time.Millisecond))))
	require.Len(t, broker.msgs, 2)

	m := broker.msgs[0]
	assert.Equal(t, "flexteleop/status", m.topic)
	assert.False(t, m.retained)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(m.payload, &doc))
	assert.Equal(t, "run-1", doc["run_id"])
	devices := doc["devices"].([]any)
	assert.Equal(t, 1.98, devices[0].(map[string]any)["velocity"])
	assert.Nil(t, devices[1].(map[string]any)["position"], "unavailable is null")

	require.NoError(t, p.Close())
	assert.True(t, broker.disconnected)
	last := broker.msgs[len(broker.msgs)-1]
	assert.Equal(t, "flexteleop/run", last.topic)
	assert.True(t, last.retained)
	assert.Contains(t, string(last.payload), `"stopped"`)
	assert.ErrorIs(t, p.Write(sample(9, t0.Add(time.Second))), ErrClosed)
}

func TestMQTTNotConnected(t *testing.T) {
	p := newMQTTPublisher(&fakeBroker{}, config.Default().Status.MQTT, "run-1")
	assert.ErrorIs(t, p.Write(sample(1, t0)), ErrNotConnected)
	assert.NoError(t, p.Close())
}

func TestInfluxPoints(t *testing.T) {
	pts := Points(sample(4, t0))
	require.Len(t, pts, 3)

	cmd := write.PointToLineProtocol(pts[0], time.Nanosecond)
	assert.True(t, strings.HasPrefix(cmd, "teleop_command,run_id=run-1 "))
	assert.Contains(t, cmd, "position=0.75")
	assert.Contains(t, cmd, "tick=4i")

	drive := write.PointToLineProtocol(pts[1], time.Nanosecond)
	assert.Contains(t, drive, "motor_telemetry,")
	assert.Contains(t, drive, "device=drive-1")
	assert.Contains(t, drive, "velocity=1.98")
	assert.NotContains(t, drive, "position_deg")

	flex := write.PointToLineProtocol(pts[2], time.Nanosecond)
	assert.NotContains(t, flex, "position_deg", "unavailable readings are omitted")
	assert.Contains(t, flex, "heartbeat_ok=false")
	assert.Contains(t, flex, "faults=17i")
}
