// Package status renders and ships the per-tick status records produced by
// the control loop: a console line, MQTT, InfluxDB and a CBOR recording.
// Outputs run behind a Fanout so a slow broker never stalls the loop.
package status

import (
	"errors"
	"sync"
	"sync/atomic"

	"flexteleop/control"
)

// ErrClosed is returned by outputs used after Close.
var ErrClosed = errors.New("status: output closed")

// Output consumes status records off the loop goroutine.
type Output interface {
	Write(s control.Status) error
	Close() error
}

// Logger defines the logging interface used by the outputs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Fanout queues records and hands each to every output from one goroutine.
// Emit never blocks: when the queue is full the record is dropped and counted.
type Fanout struct {
	outputs []Output
	queue   chan control.Status
	log     Logger

	dropped atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

var _ control.StatusSink = (*Fanout)(nil)

// NewFanout starts the delivery goroutine. size is the queue capacity.
func NewFanout(size int, log Logger, outputs ...Output) *Fanout {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = noopLogger{}
	}
	f := &Fanout{
		outputs: outputs,
		queue:   make(chan control.Status, size),
		log:     log,
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

// Emit implements control.StatusSink.
func (f *Fanout) Emit(s control.Status) {
	select {
	case f.queue <- s:
	default:
		// Queue full, skip
		f.dropped.Add(1)
	}
}

func (f *Fanout) run() {
	defer close(f.done)
	for s := range f.queue {
		for _, o := range f.outputs {
			if err := o.Write(s); err != nil {
				if f.failed.Add(1) == 1 {
					f.log.Warn("status output failed", "err", err)
				}
			}
		}
	}
}

// Dropped is the number of records discarded because the queue was full.
func (f *Fanout) Dropped() uint64 { return f.dropped.Load() }

// Failed is the number of output writes that returned an error.
func (f *Fanout) Failed() uint64 { return f.failed.Load() }

// Close delivers what is queued, then closes every output. Emit must not be
// called after Close.
func (f *Fanout) Close() error {
	f.closeOnce.Do(func() {
		close(f.queue)
		<-f.done
		var errs []error
		for _, o := range f.outputs {
			errs = append(errs, o.Close())
		}
		f.closeErr = errors.Join(errs...)
	})
	return f.closeErr
}
