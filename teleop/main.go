//go:build linux

// Command teleop drives the flex rig from a joystick: it commissions the
// drive controllers, then heartbeats every controller and dispatches
// joystick setpoints at a fixed period until interrupted or the run
// duration elapses.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"flexteleop/config"
	"flexteleop/utils"
)

func main() {
	var (
		cfgPath  = flag.String("config", "config/teleop.yaml", "YAML configuration file (empty for built-in defaults)")
		logLevel = flag.String("log", "", "trace|debug|info|warn|error|critical (overrides config)")
		duration = flag.Duration("duration", 0, "run duration bound (overrides config)")
		useSim   = flag.Bool("sim", false, "use the in-memory bus instead of SocketCAN")
	)
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *duration > 0 {
		cfg.Loop.RunDuration = *duration
	}

	runID := uuid.NewString()
	log, err := utils.NewFileLogger(cfg.Logging.File, utils.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, cfg.Logging.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: cannot open %s: %v\n", cfg.Logging.File, err)
		os.Exit(1)
	}
	log = log.With("run_id", runID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	code := run(ctx, cfg, runID, *useSim, log)
	stop()
	_ = log.Close()
	os.Exit(code)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config, runID string, useSim bool, log *utils.Logger) int {
	log.Info("starting", "iface", cfg.CAN.Interface, "devices", len(cfg.Devices),
		"input", cfg.Input.Device, "period", cfg.Loop.Period.String(), "sim", useSim)

	runner, err := NewRunner(ctx, RunnerConfig{Config: cfg, RunID: runID, Sim: useSim}, log)
	if err != nil {
		log.Critical("Startup failed", "err", err)
		return 1
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil {
		log.Critical("Run failed", "err", err)
		return 1
	}
	st := runner.Stats()
	log.Info("done", "ticks", st.Ticks, "overruns", st.Overruns)
	return 0
}
