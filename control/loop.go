package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"flexteleop/joystick"
	"flexteleop/motor"
	"flexteleop/utils"
)

var (
	ErrCommissioning = errors.New("control: commissioning failed")
	ErrAlreadyRun    = errors.New("control: loop already run")
)

const (
	// DefaultPeriod is the tick period of the reference rig.
	DefaultPeriod = 3 * time.Millisecond
	// maxInputPerTick bounds one tick's input drain; the rest waits a tick.
	maxInputPerTick = 1024
	// DefaultWarnEvery is how often a repeating per-tick warning is logged.
	DefaultWarnEvery = 1000
)

// Logger defines the logging interface used by the loop.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configure New. Registry and Input are required.
type Options struct {
	Registry *motor.Registry
	Input    joystick.Source
	Mapper   joystick.Mapper

	Clock  utils.Clock
	Period time.Duration
	// RunDuration bounds the running phase; zero runs until ctx is canceled.
	RunDuration time.Duration
	// SettleDelay follows commissioning. Zero means motor.CommitSettleDelay;
	// anything shorter is rejected.
	SettleDelay time.Duration

	Sink      StatusSink
	Logger    Logger
	RunID     string
	WarnEvery uint64
}

// Loop owns the registry, the input source and the command state for one run.
// Run drives it from a single goroutine; State, Command and Stats may be read
// from others.
type Loop struct {
	reg         *motor.Registry
	input       joystick.Source
	mapper      joystick.Mapper
	clock       utils.Clock
	period      time.Duration
	runDuration time.Duration
	settleDelay time.Duration
	sink        StatusSink
	log         Logger
	runID       string
	warn        *throttle

	state stateVar

	mu  sync.Mutex
	cmd CommandState

	ticks, overruns, inputEvents, inputErrors     atomic.Uint64
	heartbeatErrors, setpointErrors, telemetryErr atomic.Uint64
}

// New validates opts and returns an idle loop.
func New(opts Options) (*Loop, error) {
	if opts.Registry == nil {
		return nil, errors.New("control: registry is required")
	}
	if opts.Input == nil {
		return nil, errors.New("control: input source is required")
	}
	if opts.Mapper.MaxSpeed <= 0 {
		return nil, fmt.Errorf("control: max speed must be positive, got %v", opts.Mapper.MaxSpeed)
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock{}
	}
	if opts.Period == 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Period < 0 {
		return nil, fmt.Errorf("control: negative period %s", opts.Period)
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = motor.CommitSettleDelay
	}
	if opts.SettleDelay < motor.CommitSettleDelay {
		return nil, fmt.Errorf("control: settle delay %s is below the device minimum %s", opts.SettleDelay, motor.CommitSettleDelay)
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.WarnEvery == 0 {
		opts.WarnEvery = DefaultWarnEvery
	}

	return &Loop{
		reg:         opts.Registry,
		input:       opts.Input,
		mapper:      opts.Mapper,
		clock:       opts.Clock,
		period:      opts.Period,
		runDuration: opts.RunDuration,
		settleDelay: opts.SettleDelay,
		sink:        opts.Sink,
		log:         opts.Logger,
		runID:       opts.RunID,
		warn:        newThrottle(opts.WarnEvery),
	}, nil
}

func (l *Loop) State() State { return l.state.load() }

// Command returns the current command state.
func (l *Loop) Command() CommandState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cmd
}

func (l *Loop) setCommand(c CommandState) {
	l.mu.Lock()
	l.cmd = c
	l.mu.Unlock()
}

func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:           l.ticks.Load(),
		Overruns:        l.overruns.Load(),
		InputEvents:     l.inputEvents.Load(),
		InputErrors:     l.inputErrors.Load(),
		HeartbeatErrors: l.heartbeatErrors.Load(),
		SetpointErrors:  l.setpointErrors.Load(),
		TelemetryErrors: l.telemetryErr.Load(),
	}
}

// Run commissions, then ticks until ctx is canceled or the run duration
// elapses, then releases the input source. Cancellation is only observed
// between ticks. It returns nil on a normal or interrupted run and an
// ErrCommissioning error if the devices could not be configured. No stop
// command is sent on the way out: devices idle themselves once heartbeats
// cease.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.v.CompareAndSwap(int32(StateIdle), int32(StateCommissioning)) {
		return ErrAlreadyRun
	}
	defer l.stop()

	l.log.Info("commissioning", "devices", l.reg.Len())
	committed, err := l.commission(ctx)
	if err != nil {
		l.log.Error("commissioning failed", "err", err)
		return err
	}
	if err := l.settle(ctx, committed); err != nil {
		l.log.Warn("interrupted while settling", "err", err)
		return nil
	}

	l.state.store(StateRunning)
	start := l.clock.Now()
	l.log.Info("running", "period", l.period.String(), "run_duration", l.runDuration.String(), "run_id", l.runID)

	// A started tick always finishes its bus transactions.
	tickCtx := context.WithoutCancel(ctx)
	p := newPacer(l.clock, l.period, start)
	var overrun bool
	for {
		if ctx.Err() != nil {
			l.log.Info("stop requested")
			break
		}
		if l.runDuration > 0 && l.clock.Now().Sub(start) >= l.runDuration {
			l.log.Info("run duration reached", "elapsed", l.clock.Now().Sub(start).String())
			break
		}

		l.tick(tickCtx, overrun)

		overrun, err = p.wait(ctx)
		if overrun {
			l.overruns.Add(1)
		}
		if err != nil {
			l.log.Info("stop requested")
			break
		}
	}

	st := l.Stats()
	l.log.Info("loop finished", "ticks", st.Ticks, "overruns", st.Overruns,
		"input_events", st.InputEvents, "heartbeat_errors", st.HeartbeatErrors,
		"telemetry_errors", st.TelemetryErrors)
	return nil
}

func (l *Loop) stop() {
	l.state.store(StateDraining)
	if err := l.input.Close(); err != nil {
		l.log.Warn("input close failed", "err", err)
	}
	l.state.store(StateStopped)
}

// tick is one full cycle. Every step reports failures as warnings and moves
// on; nothing in here aborts the loop.
func (l *Loop) tick(ctx context.Context, lastOverran bool) {
	handles := l.reg.All()
	devs := make([]DeviceStatus, len(handles))

	// Every heartbeat goes out before any setpoint of the same tick.
	for i, h := range handles {
		devs[i] = DeviceStatus{
			Name:    h.Name(),
			Address: h.Address().String(),
			Role:    h.Role().String(),
		}
		err := h.Heartbeat(ctx)
		devs[i].HeartbeatOK = err == nil
		l.report("heartbeat", h, err, &l.heartbeatErrors)
	}

	cmd := l.drainInput()

	for i, h := range handles {
		var err error
		switch h.Role() {
		case motor.RoleVelocityPID:
			devs[i].Setpoint = cmd.Velocity
			err = h.SetVelocity(ctx, cmd.Velocity)
		case motor.RoleAbsolutePosition:
			devs[i].Setpoint = cmd.Position + h.Config().PositionOffset
			err = h.SetPosition(ctx, devs[i].Setpoint)
		}
		devs[i].SetpointOK = err == nil
		l.report("setpoint", h, err, &l.setpointErrors)
	}

	for i, h := range handles {
		tel, err := h.ReadTelemetry()
		devs[i].Velocity = tel.Velocity
		devs[i].Position = tel.Position
		devs[i].Faults = tel.Faults
		if err != nil {
			devs[i].TelemetryError = err.Error()
		}
		l.report("telemetry", h, err, &l.telemetryErr)
	}

	n := l.ticks.Add(1)
	l.sink.Emit(Status{
		RunID:   l.runID,
		Tick:    n,
		At:      l.clock.Now(),
		Command: cmd,
		Overrun: lastOverran,
		Devices: devs,
	})
}

// drainInput folds pending events into the command in arrival order.
func (l *Loop) drainInput() CommandState {
	cmd := l.Command()
	changed := false
	for i := 0; i < maxInputPerTick; i++ {
		ev, ok, err := l.input.Poll()
		if err != nil {
			l.inputErrors.Add(1)
			if log, n := l.warn.fail("input"); log {
				l.log.Warn("input read failed", "err", err, "consecutive", n)
			}
			break
		}
		if n := l.warn.ok("input"); n > 0 {
			l.log.Info("input recovered", "failures", n)
		}
		if !ok {
			break
		}
		l.inputEvents.Add(1)
		d, ok := l.mapper.Map(ev)
		if !ok {
			continue
		}
		cmd = cmd.Apply(d, l.mapper.MaxSpeed)
		changed = true
	}
	if changed {
		l.setCommand(cmd)
	}
	return cmd
}

func (l *Loop) report(what string, h *motor.Handle, err error, counter *atomic.Uint64) {
	key := what + " " + h.Address().String()
	if err == nil {
		if n := l.warn.ok(key); n > 0 {
			l.log.Info(what+" recovered", "device", h.Name(), "failures", n)
		}
		return
	}
	counter.Add(1)
	if log, n := l.warn.fail(key); log {
		l.log.Warn(what+" failed", "device", h.Name(), "err", err, "consecutive", n)
	}
}
