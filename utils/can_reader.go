//go:build linux || darwin

package utils

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// CANReader delivers received frames to a handler until the context ends or
// the socket closes.
type CANReader interface {
	Run(ctx context.Context, handle func(can.Frame)) error
	Close() error
}

// SocketCANReader implements CANReader using Einride's socketcan
type SocketCANReader struct {
	conn net.Conn
	recv *socketcan.Receiver

	closeOnce sync.Once
	closeErr  error
}

func NewSocketCANReader(ctx context.Context, ifname string) (*SocketCANReader, error) {
	conn, err := socketcan.DialContext(ctx, "can", ifname)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", ifname, err)
	}
	return &SocketCANReader{
		conn: conn,
		recv: socketcan.NewReceiver(conn),
	}, nil
}

// Run blocks in Receive; cancel ctx or Close the reader to stop it. Error
// frames are skipped.
func (r *SocketCANReader) Run(ctx context.Context, handle func(can.Frame)) error {
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	for r.recv.Receive() {
		if r.recv.HasErrorFrame() {
			continue
		}
		handle(r.recv.Frame())
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := r.recv.Err(); err != nil {
		return fmt.Errorf("socketcan receive: %w", err)
	}
	return nil
}

// Close unblocks Run. Only the first call closes the socket.
func (r *SocketCANReader) Close() error {
	r.closeOnce.Do(func() {
		if r.conn != nil {
			r.closeErr = r.conn.Close()
		}
	})
	return r.closeErr
}
