//go:build linux

package joystick

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultReopenInterval bounds how often a vanished device is reopened.
const DefaultReopenInterval = time.Second

// Reader is a Source over a joystick device node opened O_NONBLOCK.
//
// A read error other than EAGAIN drops the descriptor; later polls try to
// reopen the node at most once per ReopenInterval and report empty until
// that succeeds.
type Reader struct {
	path string
	fd   int

	buf  [RecordSize]byte
	have int

	ReopenInterval time.Duration
	lastReopen     time.Time
	now            func() time.Time

	closed bool
}

var _ Source = (*Reader)(nil)

// Open opens path for non-blocking reads. Failure here is fatal to startup.
func Open(path string) (*Reader, error) {
	fd, err := openNonBlocking(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, path, err)
	}
	return &Reader{
		path:           path,
		fd:             fd,
		ReopenInterval: DefaultReopenInterval,
		now:            time.Now,
	}, nil
}

func openNonBlocking(path string) (int, error) {
	return unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
}

// Path returns the device node.
func (r *Reader) Path() string { return r.path }

// Absent reports whether the device was lost and not yet reopened.
func (r *Reader) Absent() bool { return !r.closed && r.fd < 0 }

// Poll returns the next complete record if one is ready.
func (r *Reader) Poll() (Event, bool, error) {
	if r.closed {
		return Event{}, false, ErrClosed
	}
	if r.fd < 0 && !r.reopen() {
		return Event{}, false, nil
	}

	for r.have < RecordSize {
		n, err := unix.Read(r.fd, r.buf[r.have:])
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return Event{}, false, nil
		case err != nil:
			r.drop()
			return Event{}, false, fmt.Errorf("%w: %s: %w", ErrRead, r.path, err)
		case n == 0:
			// FIFO without a writer; nothing to read yet.
			return Event{}, false, nil
		}
		r.have += n
	}

	r.have = 0
	ev, err := Decode(r.buf[:])
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

func (r *Reader) drop() {
	if r.fd >= 0 {
		_ = unix.Close(r.fd)
	}
	r.fd = -1
	r.have = 0
	r.lastReopen = r.now()
}

func (r *Reader) reopen() bool {
	now := r.now()
	if now.Sub(r.lastReopen) < r.ReopenInterval {
		return false
	}
	r.lastReopen = now
	fd, err := openNonBlocking(r.path)
	if err != nil {
		return false
	}
	r.fd = fd
	return true
}

// Close releases the descriptor. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}
