package joystick

import "errors"

var (
	ErrOpen   = errors.New("joystick: open failed")
	ErrRead   = errors.New("joystick: read failed")
	ErrClosed = errors.New("joystick: reader closed")
)

// Source yields input events without blocking. ok=false means nothing is
// pending; a non-nil error is a warning and the tick carries on.
type Source interface {
	Poll() (ev Event, ok bool, err error)
	Close() error
}
