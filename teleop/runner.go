//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"flexteleop/config"
	"flexteleop/control"
	"flexteleop/joystick"
	"flexteleop/motor"
	"flexteleop/sim"
	"flexteleop/sparkcan"
	"flexteleop/status"
	"flexteleop/utils"
)

type RunnerConfig struct {
	Config *config.Config
	RunID  string
	// Sim swaps the CAN bus for the in-memory transport.
	Sim bool
}

// Runner owns everything one run needs. Construction failures are fatal:
// the loop never starts with a device or the joystick missing.
type Runner struct {
	cfg    *config.Config
	log    *utils.Logger
	closer []func() error
	reg    *motor.Registry
	input  joystick.Source
	fanout *status.Fanout
	loop   *control.Loop
}

func NewRunner(ctx context.Context, rc RunnerConfig, log *utils.Logger) (*Runner, error) {
	cfg := rc.Config
	r := &Runner{cfg: cfg, log: log}

	fail := func(err error) (*Runner, error) {
		r.Close()
		return nil, err
	}

	transport, err := r.openTransport(rc.Sim)
	if err != nil {
		return fail(err)
	}

	devices, err := cfg.MotorDevices()
	if err != nil {
		return fail(err)
	}
	r.reg, err = motor.NewRegistry(ctx, transport, devices, motor.RegistryOptions{
		Stagger:         cfg.CAN.Stagger,
		TelemetryMaxAge: cfg.Loop.TelemetryMaxAge,
		Logger:          log.With("component", "registry"),
	})
	if err != nil {
		return fail(fmt.Errorf("device registry: %w", err))
	}

	js, err := joystick.Open(cfg.Input.Device)
	if err != nil {
		return fail(fmt.Errorf("input device: %w", err))
	}
	js.ReopenInterval = cfg.Input.ReopenInterval
	r.input = js

	outputs, err := r.openOutputs(rc.RunID)
	if err != nil {
		return fail(err)
	}
	r.fanout = status.NewFanout(cfg.Status.QueueSize, log.With("component", "status"), outputs...)

	r.loop, err = control.New(control.Options{
		Registry: r.reg,
		Input:    r.input,
		Mapper: joystick.Mapper{
			PositionAxis: uint8(cfg.Input.PositionAxis),
			VelocityAxis: uint8(cfg.Input.VelocityAxis),
			MaxSpeed:     cfg.Input.MaxSpeed,
			Deadband:     cfg.Input.Deadband,
		},
		Period:      cfg.Loop.Period,
		RunDuration: cfg.Loop.RunDuration,
		SettleDelay: cfg.Loop.SettleDelay,
		Sink:        r.fanout,
		Logger:      log.With("component", "loop"),
		RunID:       rc.RunID,
		WarnEvery:   uint64(cfg.Loop.WarnEvery),
	})
	if err != nil {
		return fail(err)
	}
	return r, nil
}

func (r *Runner) openTransport(useSim bool) (motor.Transport, error) {
	if useSim {
		r.log.Warn("using simulated bus; no CAN traffic will be sent")
		return sim.New(utils.SystemClock{}), nil
	}

	cmap, err := r.loadMap()
	if err != nil {
		return nil, err
	}
	tr := sparkcan.New(cmap, sparkcan.Options{Logger: r.log.With("component", "can")})
	r.closer = append(r.closer, tr.Close)
	return tr, nil
}

func (r *Runner) loadMap() (*utils.CANMap, error) {
	if p := r.cfg.CAN.MapPath; p != "" {
		cmap, err := utils.LoadCANMap(p)
		if err != nil {
			return nil, fmt.Errorf("load can map: %w", err)
		}
		return cmap, nil
	}
	return sparkcan.DefaultMap()
}

// openOutputs connects the enabled status outputs. A broker or database that
// cannot be reached is logged and skipped; it never stops the rig.
func (r *Runner) openOutputs(runID string) ([]status.Output, error) {
	sc := r.cfg.Status
	var outs []status.Output

	if sc.Console.Enabled {
		outs = append(outs, status.NewConsole(os.Stdout, sc.Console.Interval))
	}
	if sc.Recorder.Enabled {
		rec, err := status.NewRecorder(sc.Recorder.Path)
		if err != nil {
			return nil, err
		}
		outs = append(outs, rec)
	}
	if sc.MQTT.Enabled {
		p, err := status.ConnectMQTT(sc.MQTT, runID)
		if err != nil {
			r.log.Error("MQTT status disabled", "err", err)
		} else {
			outs = append(outs, p)
		}
	}
	if sc.InfluxDB.Enabled {
		w, err := status.ConnectInflux(sc.InfluxDB, r.log.With("component", "influxdb"))
		if err != nil {
			r.log.Error("InfluxDB status disabled", "err", err)
		} else {
			outs = append(outs, w)
		}
	}
	return outs, nil
}

func (r *Runner) Run(ctx context.Context) error {
	return r.loop.Run(ctx)
}

func (r *Runner) Stats() control.Stats { return r.loop.Stats() }

// Close releases everything in reverse order of acquisition. Safe on a
// partially built runner.
func (r *Runner) Close() {
	var errs []error
	if r.fanout != nil {
		errs = append(errs, r.fanout.Close())
	}
	if r.input != nil {
		errs = append(errs, r.input.Close())
	}
	if r.reg != nil {
		errs = append(errs, r.reg.Close())
	}
	for i := len(r.closer) - 1; i >= 0; i-- {
		errs = append(errs, r.closer[i]())
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Warn("shutdown", "err", err)
	}
	if r.fanout != nil {
		if n := r.fanout.Dropped(); n > 0 {
			r.log.Warn("status records dropped", "count", n)
		}
	}
}
