// Package sim is an in-memory bus. Every command sent through it is appended
// to a shared journal in issue order, and setpoints come back as telemetry,
// so the control loop can run without hardware.
package sim

import (
	"context"
	"sync"
	"time"

	"flexteleop/motor"
	"flexteleop/utils"
)

// DegreesPerTurn converts a position setpoint in turns to the echoed
// absolute encoder angle.
const DegreesPerTurn = 360.0

// Entry is one journaled command.
type Entry struct {
	Seq     int
	At      time.Time
	Address motor.Address
	Cmd     motor.Command
}

// Journal records commands across every port of a transport.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
}

func (j *Journal) add(e Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e.Seq = len(j.entries)
	j.entries = append(j.entries, e)
}

// Entries returns a copy of everything recorded so far.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Kinds filters Entries to the given command kinds.
func (j *Journal) Kinds(kinds ...motor.CommandKind) []Entry {
	var out []Entry
	for _, e := range j.Entries() {
		for _, k := range kinds {
			if e.Cmd.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
}

// Fault injects misbehaviour for one node.
type Fault struct {
	Open      error // returned by Transport.Open
	Send      error // returned by every Send
	Heartbeat error // returned by heartbeat Sends only
	Telemetry error // returned by every Receive
	// SendDelay stalls every Send on the transport clock.
	SendDelay time.Duration
}

// Transport is a motor.Transport backed by memory.
type Transport struct {
	Journal *Journal
	// Echo queues telemetry mirroring each setpoint. On by default.
	Echo bool

	clock utils.Clock

	mu     sync.Mutex
	faults map[uint8]Fault
	caps   map[uint8]motor.Capability
	ports  map[motor.Address]*Port
}

var _ motor.Transport = (*Transport)(nil)

// New returns a transport whose echoed telemetry and send delays use clock.
func New(clock utils.Clock) *Transport {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Transport{
		Journal: &Journal{},
		Echo:    true,
		clock:   clock,
		faults:  map[uint8]Fault{},
		caps:    map[uint8]motor.Capability{},
		ports:   map[motor.Address]*Port{},
	}
}

// Inject replaces the fault set of node.
func (t *Transport) Inject(node uint8, f Fault) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[node] = f
}

// SetCapabilities overrides what node's port advertises (default CapAll).
func (t *Transport) SetCapabilities(node uint8, c motor.Capability) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.caps[node] = c
}

func (t *Transport) fault(node uint8) Fault {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.faults[node]
}

func (t *Transport) Open(_ context.Context, addr motor.Address) (motor.Port, error) {
	if err := t.fault(addr.Node).Open; err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	caps, ok := t.caps[addr.Node]
	if !ok {
		caps = motor.CapAll
	}
	p := &Port{t: t, addr: addr, caps: caps}
	t.ports[addr] = p
	return p, nil
}

// Port returns the port opened for addr, or nil.
func (t *Transport) Port(addr motor.Address) *Port {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ports[addr]
}

// Port is one simulated device.
type Port struct {
	t    *Transport
	addr motor.Address
	caps motor.Capability

	mu     sync.Mutex
	queue  []motor.Feedback
	closed bool
}

func (p *Port) Send(ctx context.Context, cmd motor.Command) error {
	f := p.t.fault(p.addr.Node)
	if f.SendDelay > 0 {
		if err := p.t.clock.Sleep(ctx, f.SendDelay); err != nil {
			return err
		}
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return motor.ErrClosed
	}

	now := p.t.clock.Now()
	p.t.Journal.add(Entry{At: now, Address: p.addr, Cmd: cmd})

	if f.Send != nil {
		return f.Send
	}
	if cmd.Kind == motor.CmdHeartbeat && f.Heartbeat != nil {
		return f.Heartbeat
	}

	if p.t.Echo {
		switch cmd.Kind {
		case motor.CmdSetVelocity:
			p.Push(motor.Feedback{Kind: motor.FeedbackVelocity, Value: cmd.Value, At: now})
		case motor.CmdSetPosition:
			p.Push(motor.Feedback{Kind: motor.FeedbackAbsolutePosition, Value: cmd.Value * DegreesPerTurn, At: now})
		}
	}
	return nil
}

// Push queues a status message as if the device had sent it.
func (p *Port) Push(fb motor.Feedback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, fb)
}

func (p *Port) Receive() (motor.Feedback, bool, error) {
	if err := p.t.fault(p.addr.Node).Telemetry; err != nil {
		return motor.Feedback{}, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return motor.Feedback{}, false, nil
	}
	fb := p.queue[0]
	p.queue = p.queue[1:]
	return fb, true, nil
}

func (p *Port) Capabilities() motor.Capability { return p.caps }

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
