//go:build linux

package joystick

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fifoDevice stands in for /dev/input/jsN: a named pipe the test writes
// js_event records into.
func fifoDevice(t *testing.T) (string, *Reader, *os.File) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "js0")
	require.NoError(t, unix.Mkfifo(path, 0o600))

	r, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	return path, r, w
}

func writeEvent(t *testing.T, w *os.File, ev Event) {
	t.Helper()
	b := Encode(ev)
	_, err := w.Write(b[:])
	require.NoError(t, err)
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrOpen)
}

func TestPollEmptyDoesNotBlock(t *testing.T) {
	_, r, _ := fifoDevice(t)

	start := time.Now()
	_, ok, err := r.Poll()
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPollDrainsInOrder(t *testing.T) {
	_, r, w := fifoDevice(t)

	writeEvent(t, w, Event{Kind: KindAxis, Number: 0, Value: 100, Initial: true})
	writeEvent(t, w, Event{Kind: KindAxis, Number: 0, Value: 200})

	ev, ok, err := r.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int16(100), ev.Value)
	assert.Equal(t, KindAxis, ev.Kind)
	assert.True(t, ev.Initial)

	ev, ok, err = r.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int16(200), ev.Value)

	_, ok, err = r.Poll()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestPollBuffersPartialRecord(t *testing.T) {
	_, r, w := fifoDevice(t)

	b := Encode(Event{Kind: KindAxis, Number: 3, Value: -5})
	_, err := w.Write(b[:3])
	require.NoError(t, err)

	_, ok, err := r.Poll()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = w.Write(b[3:])
	require.NoError(t, err)

	ev, ok, err := r.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int16(-5), ev.Value)
	assert.Equal(t, uint8(3), ev.Number)
}

func TestPollAfterClose(t *testing.T) {
	_, r, _ := fifoDevice(t)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, ok, err := r.Poll()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReopenIsRateLimited(t *testing.T) {
	path, r, w := fifoDevice(t)

	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }
	r.drop()
	assert.True(t, r.Absent())

	// Within the interval nothing is attempted.
	now = now.Add(r.ReopenInterval / 2)
	_, ok, err := r.Poll()
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, r.Absent())

	now = now.Add(r.ReopenInterval)
	_, ok, err = r.Poll()
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, r.Absent())

	writeEvent(t, w, Event{Kind: KindAxis, Number: 0, Value: 7})
	ev, ok, err := r.Poll()
	require.NoError(t, err, path)
	require.True(t, ok)
	assert.Equal(t, int16(7), ev.Value)
}
