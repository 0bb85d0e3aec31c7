package control

import (
	"context"
	"fmt"

	"flexteleop/motor"
)

// commission configures every velocity-PID device in registration order and
// persists it. It reports how many devices were committed. The first failure
// aborts: running with a half-configured device is not allowed.
func (l *Loop) commission(ctx context.Context) (int, error) {
	devices := l.reg.ByRole(motor.RoleVelocityPID)
	for _, h := range devices {
		cfg := h.Config()
		steps := []struct {
			name string
			do   func() error
		}{
			{"clear faults", func() error { return h.ClearFaults(ctx) }},
			{"set idle mode", func() error { return h.SetIdleMode(ctx, cfg.Idle) }},
			{"set gains", func() error { return h.SetGains(ctx, cfg.Gains) }},
			{"commit config", func() error { return h.CommitConfig(ctx) }},
		}
		for _, s := range steps {
			if err := s.do(); err != nil {
				return 0, fmt.Errorf("%w: %s %s: %w", ErrCommissioning, cfg.Name, s.name, err)
			}
		}
		l.log.Info("device commissioned",
			"name", cfg.Name, "address", cfg.Address.String(),
			"idle", cfg.Idle.String(), "p", cfg.Gains.P, "i", cfg.Gains.I, "d", cfg.Gains.D)
	}
	return len(devices), nil
}

// settle waits out the flash write of the devices just committed.
func (l *Loop) settle(ctx context.Context, committed int) error {
	if committed == 0 {
		return nil
	}
	l.log.Info("waiting for committed configuration to settle", "delay", l.settleDelay.String(), "devices", committed)
	return l.clock.Sleep(ctx, l.settleDelay)
}
