package utils

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// DefaultWriteTimeout bounds one frame write when the caller's context has
// no deadline of its own. A full TX queue must not hold up a control tick.
const DefaultWriteTimeout = 2 * time.Millisecond

type CANWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}

type SocketCANWriter struct {
	iface string
	conn  net.Conn
	tx    *socketcan.Transmitter

	// WriteTimeout overrides DefaultWriteTimeout; negative disables it.
	WriteTimeout time.Duration

	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewSocketCANWriter(ctx context.Context, iface string) (*SocketCANWriter, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", iface, err)
	}
	return &SocketCANWriter{
		iface: iface,
		conn:  conn,
		tx:    socketcan.NewTransmitter(conn),
	}, nil
}

// WriteFrame transmits one frame. The transmitter turns the context
// deadline into a socket write deadline.
func (w *SocketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	if _, ok := ctx.Deadline(); !ok {
		timeout := w.WriteTimeout
		if timeout == 0 {
			timeout = DefaultWriteTimeout
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}
	if err := w.tx.TransmitFrame(ctx, frame); err != nil {
		w.failed.Add(1)
		return fmt.Errorf("%s tx 0x%08X: %w", w.iface, frame.ID, err)
	}
	w.sent.Add(1)
	return nil
}

// Counts returns frames written and writes that failed.
func (w *SocketCANWriter) Counts() (sent, failed uint64) {
	return w.sent.Load(), w.failed.Load()
}

func (w *SocketCANWriter) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}
