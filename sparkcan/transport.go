// Package sparkcan carries motor commands over SocketCAN. Commands become
// frames through a CSV frame map; status frames are routed back to the
// addressed device's mailbox by a receive goroutine per bus.
package sparkcan

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.einride.tech/can"

	"flexteleop/motor"
	"flexteleop/utils"
)

// Frame names the transport looks up in the map.
const (
	FrameHeartbeat         = "HEARTBEAT"
	FrameSetVelocity       = "SETPOINT_VELOCITY"
	FrameSetPosition       = "SETPOINT_POSITION"
	FrameSetGain           = "SET_GAIN"
	FrameSetIdleMode       = "SET_IDLE_MODE"
	FrameClearFaults       = "CLEAR_FAULTS"
	FrameBurnFlash         = "BURN_FLASH"
	FrameStatusVelocity    = "STATUS_VELOCITY"
	FrameStatusAbsolutePos = "STATUS_ABS_POSITION"
)

// mailboxSize bounds queued status per device; newer frames are dropped
// while the box is full.
const mailboxSize = 32

//go:embed spark_map.csv
var defaultMap []byte

// DefaultMap parses the embedded frame map.
func DefaultMap() (*utils.CANMap, error) {
	return utils.ParseCANMap(bytes.NewReader(defaultMap))
}

var ErrTransportClosed = errors.New("sparkcan: transport closed")

// Logger defines the logging interface used by the transport.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// DialFunc opens the writer and reader for one interface.
type DialFunc func(ctx context.Context, iface string) (utils.CANWriter, utils.CANReader, error)

// DialSocketCAN opens two SocketCAN sockets on iface, one per direction.
func DialSocketCAN(ctx context.Context, iface string) (utils.CANWriter, utils.CANReader, error) {
	w, err := utils.NewSocketCANWriter(ctx, iface)
	if err != nil {
		return nil, nil, err
	}
	r, err := utils.NewSocketCANReader(ctx, iface)
	if err != nil {
		_ = w.Close()
		return nil, nil, err
	}
	return w, r, nil
}

// Transport implements motor.Transport. One connection is shared by every
// device on the same interface.
type Transport struct {
	cmap *utils.CANMap
	dial DialFunc
	log  Logger
	now  func() time.Time
	caps motor.Capability

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	buses  map[string]*bus
	closed bool
}

var _ motor.Transport = (*Transport)(nil)

// Options configure New. Nil fields take defaults.
type Options struct {
	Dial   DialFunc
	Logger Logger
	Now    func() time.Time
}

// New builds a transport over cmap.
func New(cmap *utils.CANMap, opts Options) *Transport {
	if opts.Dial == nil {
		opts.Dial = DialSocketCAN
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cmap:   cmap,
		dial:   opts.Dial,
		log:    opts.Logger,
		now:    opts.Now,
		caps:   capabilitiesOf(cmap),
		ctx:    ctx,
		cancel: cancel,
		buses:  map[string]*bus{},
	}
}

// capabilitiesOf derives what any port can do from the frames in the map.
func capabilitiesOf(m *utils.CANMap) motor.Capability {
	var c motor.Capability
	for name, bit := range map[string]motor.Capability{
		FrameHeartbeat:         motor.CapHeartbeat,
		FrameSetVelocity:       motor.CapVelocitySetpoint,
		FrameSetPosition:       motor.CapPositionSetpoint,
		FrameSetGain:           motor.CapGains,
		FrameSetIdleMode:       motor.CapIdleMode,
		FrameClearFaults:       motor.CapClearFaults,
		FrameBurnFlash:         motor.CapCommit,
		FrameStatusVelocity:    motor.CapVelocityTelemetry,
		FrameStatusAbsolutePos: motor.CapAbsolutePositionTelemetry,
	} {
		if m.HasFrame(name) {
			c |= bit
		}
	}
	return c
}

// frameCounter is implemented by writers that keep TX totals.
type frameCounter interface {
	Counts() (sent, failed uint64)
}

type bus struct {
	iface string
	w     utils.CANWriter
	r     utils.CANReader

	mu    sync.Mutex
	boxes map[uint8]chan motor.Feedback
}

// Open attaches to addr.Node on addr.Bus, dialing the bus on first use.
func (t *Transport) Open(ctx context.Context, addr motor.Address) (motor.Port, error) {
	if int(addr.Node) > int(uint32(1)<<t.cmap.NodeBits-1) {
		return nil, fmt.Errorf("node %d does not fit %d-bit node field", addr.Node, t.cmap.NodeBits)
	}
	b, err := t.dialBus(ctx, addr.Bus)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, taken := b.boxes[addr.Node]; taken {
		return nil, fmt.Errorf("%w: %s already open", motor.ErrDuplicateAddress, addr)
	}
	box := make(chan motor.Feedback, mailboxSize)
	b.boxes[addr.Node] = box

	return &port{t: t, bus: b, node: addr.Node, box: box}, nil
}

func (t *Transport) dialBus(ctx context.Context, iface string) (*bus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if b, ok := t.buses[iface]; ok {
		return b, nil
	}

	w, r, err := t.dial(ctx, iface)
	if err != nil {
		return nil, err
	}
	b := &bus{iface: iface, w: w, r: r, boxes: map[uint8]chan motor.Feedback{}}
	t.buses[iface] = b

	t.wg.Add(1)
	go t.receiveLoop(b)
	return b, nil
}

func (t *Transport) receiveLoop(b *bus) {
	defer t.wg.Done()
	t.log.Debug("RX loop started", "iface", b.iface)
	defer t.log.Debug("RX loop stopped", "iface", b.iface)

	err := b.r.Run(t.ctx, func(f can.Frame) { t.route(b, f) })
	if err != nil && t.ctx.Err() == nil {
		t.log.Warn("RX loop ended", "iface", b.iface, "err", err)
	}
}

// route decodes a status frame and hands it to its node's mailbox. Frames
// for unknown ids or nodes nobody opened are ignored.
func (t *Transport) route(b *bus, f can.Frame) {
	fd, node, vals, err := t.cmap.DecodeFrame(f.ID, f.Data[:f.Length])
	if err != nil {
		return
	}

	var fb motor.Feedback
	switch fd.Name {
	case FrameStatusVelocity:
		fb = motor.Feedback{Kind: motor.FeedbackVelocity, Value: vals["velocity"]}
	case FrameStatusAbsolutePos:
		fb = motor.Feedback{Kind: motor.FeedbackAbsolutePosition, Value: vals["position"]}
	default:
		return
	}
	fb.Faults = uint16(vals["faults"])
	fb.At = t.now()

	b.mu.Lock()
	box, ok := b.boxes[node]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case box <- fb:
	default:
		// Mailbox full, skip
	}
}

// Close stops every receive goroutine and closes all sockets.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	buses := t.buses
	t.buses = nil
	t.mu.Unlock()

	t.cancel()
	var errs []error
	for _, b := range buses {
		if c, ok := b.w.(frameCounter); ok {
			sent, failed := c.Counts()
			t.log.Debug("TX totals", "iface", b.iface, "sent", sent, "failed", failed)
		}
		errs = append(errs, b.r.Close(), b.w.Close())
	}
	t.wg.Wait()
	return errors.Join(errs...)
}

type port struct {
	t    *Transport
	bus  *bus
	node uint8
	box  chan motor.Feedback
}

func (p *port) Capabilities() motor.Capability { return p.t.caps }

func (p *port) Send(ctx context.Context, cmd motor.Command) error {
	name, values, err := frameFor(cmd)
	if err != nil {
		return err
	}
	frame, err := p.t.cmap.EncodeNodeFrame(name, p.node, values)
	if err != nil {
		return err
	}
	return p.bus.w.WriteFrame(ctx, frame)
}

func frameFor(cmd motor.Command) (string, map[string]float64, error) {
	switch cmd.Kind {
	case motor.CmdHeartbeat:
		return FrameHeartbeat, nil, nil
	case motor.CmdSetVelocity:
		return FrameSetVelocity, map[string]float64{"setpoint": cmd.Value}, nil
	case motor.CmdSetPosition:
		return FrameSetPosition, map[string]float64{"setpoint": cmd.Value}, nil
	case motor.CmdSetGain:
		return FrameSetGain, map[string]float64{
			"slot":  float64(cmd.Slot),
			"term":  float64(cmd.Term),
			"value": cmd.Value,
		}, nil
	case motor.CmdSetIdleMode:
		return FrameSetIdleMode, map[string]float64{"mode": cmd.Value}, nil
	case motor.CmdClearFaults:
		return FrameClearFaults, nil, nil
	case motor.CmdCommitConfig:
		return FrameBurnFlash, nil, nil
	default:
		return "", nil, fmt.Errorf("sparkcan: no frame for %s", cmd.Kind)
	}
}

func (p *port) Receive() (motor.Feedback, bool, error) {
	select {
	case fb := <-p.box:
		return fb, true, nil
	default:
		return motor.Feedback{}, false, nil
	}
}

// Close detaches the node's mailbox. The shared bus stays up until the
// transport closes.
func (p *port) Close() error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	if box, ok := p.bus.boxes[p.node]; ok && box == p.box {
		delete(p.bus.boxes, p.node)
	}
	return nil
}
