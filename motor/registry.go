package motor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flexteleop/utils"
)

// Logger defines the logging interface used by the registry.
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

// DefaultStagger spaces device opens so controllers do not collide while
// enumerating on the bus.
const DefaultStagger = 3 * time.Millisecond

// RegistryOptions tune NewRegistry. Zero values take defaults.
type RegistryOptions struct {
	Stagger time.Duration
	// TelemetryMaxAge is passed to every handle; zero disables staleness.
	TelemetryMaxAge time.Duration
	Clock           utils.Clock
	Logger          Logger
}

// Registry is the fixed, ordered set of handles. Order is configuration
// order and never changes.
type Registry struct {
	handles []*Handle
	log     Logger
}

// NewRegistry opens every configured device in order, pausing Stagger
// between opens. Any failure (open error, duplicate address, a port that
// cannot carry what the device's role needs) closes what was opened and
// returns an error: the loop must not run with a device missing.
func NewRegistry(ctx context.Context, tr Transport, cfgs []DeviceConfig, opts RegistryOptions) (*Registry, error) {
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Stagger == 0 {
		opts.Stagger = DefaultStagger
	}

	r := &Registry{log: opts.Logger}
	seen := make(map[Address]string, len(cfgs))

	fail := func(err error) (*Registry, error) {
		_ = r.Close()
		return nil, err
	}

	for i, cfg := range cfgs {
		if prev, dup := seen[cfg.Address]; dup {
			return fail(fmt.Errorf("%w: %s used by %q and %q", ErrDuplicateAddress, cfg.Address, prev, cfg.Name))
		}
		seen[cfg.Address] = cfg.Name

		if i > 0 && opts.Stagger > 0 {
			if err := opts.Clock.Sleep(ctx, opts.Stagger); err != nil {
				return fail(err)
			}
		}

		port, err := tr.Open(ctx, cfg.Address)
		if err != nil {
			return fail(fmt.Errorf("%w: %s (%s): %w", ErrOpen, cfg.Name, cfg.Address, err))
		}

		need := RequiredCapabilities(cfg.Role)
		if have := port.Capabilities(); !have.Has(need) {
			_ = port.Close()
			return fail(fmt.Errorf("%w: %s (%s) as %s is missing %s",
				ErrMissingCapability, cfg.Name, cfg.Address, cfg.Role, need&^have))
		}

		r.handles = append(r.handles, newHandle(cfg, port, opts.Clock, opts.TelemetryMaxAge))
		r.log.Debug("device opened", "name", cfg.Name, "address", cfg.Address.String(), "role", cfg.Role.String())
	}

	r.log.Info("registry ready", "devices", len(r.handles))
	return r, nil
}

// All returns the handles in registration order. Callers must not modify
// the slice.
func (r *Registry) All() []*Handle { return r.handles }

// ByRole returns the handles with role, in registration order.
func (r *Registry) ByRole(role Role) []*Handle {
	var out []*Handle
	for _, h := range r.handles {
		if h.cfg.Role == role {
			out = append(out, h)
		}
	}
	return out
}

func (r *Registry) Len() int { return len(r.handles) }

// Close closes every port, returning all close errors joined.
func (r *Registry) Close() error {
	var errs []error
	for _, h := range r.handles {
		if err := h.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.cfg.Address, err))
		}
	}
	r.handles = nil
	return errors.Join(errs...)
}
