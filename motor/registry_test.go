package motor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexteleop/motor"
	"flexteleop/sim"
)

func rig() []motor.DeviceConfig {
	return []motor.DeviceConfig{
		{Name: "drive-1", Address: motor.Address{Bus: "can0", Node: 1}, Role: motor.RoleVelocityPID,
			Gains: motor.Gains{P: 0.2, D: 0.1}},
		{Name: "drive-2", Address: motor.Address{Bus: "can0", Node: 2}, Role: motor.RoleVelocityPID,
			Gains: motor.Gains{P: 0.2, D: 0.1}},
		{Name: "steer-5", Address: motor.Address{Bus: "can0", Node: 5}, Role: motor.RoleAbsolutePosition,
			PositionOffset: 0.25},
	}
}

func TestNewRegistryOpensInOrderWithStagger(t *testing.T) {
	start := time.Unix(0, 0)
	clock := sim.NewAutoClock(start)
	tr := sim.New(clock)

	reg, err := motor.NewRegistry(context.Background(), tr, rig(), motor.RegistryOptions{Clock: clock})
	require.NoError(t, err)
	defer reg.Close()

	require.Equal(t, 3, reg.Len())
	names := []string{}
	for _, h := range reg.All() {
		names = append(names, h.Name())
	}
	assert.Equal(t, []string{"drive-1", "drive-2", "steer-5"}, names)

	// Two gaps between three opens.
	assert.Equal(t, 2*motor.DefaultStagger, clock.Now().Sub(start))

	assert.Len(t, reg.ByRole(motor.RoleVelocityPID), 2)
	pos := reg.ByRole(motor.RoleAbsolutePosition)
	require.Len(t, pos, 1)
	assert.Equal(t, 0.25, pos[0].Config().PositionOffset)
}

func TestNewRegistryOpenFailureClosesOpened(t *testing.T) {
	clock := sim.NewAutoClock(time.Unix(0, 0))
	tr := sim.New(clock)
	tr.Inject(5, sim.Fault{Open: errors.New("no such node")})

	_, err := motor.NewRegistry(context.Background(), tr, rig(), motor.RegistryOptions{Clock: clock})
	require.Error(t, err)
	assert.ErrorIs(t, err, motor.ErrOpen)

	assert.True(t, tr.Port(motor.Address{Bus: "can0", Node: 1}).Closed())
	assert.True(t, tr.Port(motor.Address{Bus: "can0", Node: 2}).Closed())
}

func TestNewRegistryRejectsMissingCapability(t *testing.T) {
	clock := sim.NewAutoClock(time.Unix(0, 0))
	tr := sim.New(clock)
	tr.SetCapabilities(2, motor.CapAll&^motor.CapCommit)

	_, err := motor.NewRegistry(context.Background(), tr, rig(), motor.RegistryOptions{Clock: clock})
	require.Error(t, err)
	assert.ErrorIs(t, err, motor.ErrMissingCapability)
	assert.Contains(t, err.Error(), "commit")
	assert.True(t, tr.Port(motor.Address{Bus: "can0", Node: 2}).Closed())
}

func TestPositionDeviceNeedsNoCommit(t *testing.T) {
	clock := sim.NewAutoClock(time.Unix(0, 0))
	tr := sim.New(clock)
	tr.SetCapabilities(5, motor.RequiredCapabilities(motor.RoleAbsolutePosition))

	reg, err := motor.NewRegistry(context.Background(), tr, rig(), motor.RegistryOptions{Clock: clock})
	require.NoError(t, err)
	assert.NoError(t, reg.Close())
}

func TestNewRegistryRejectsDuplicateAddress(t *testing.T) {
	clock := sim.NewAutoClock(time.Unix(0, 0))
	cfgs := rig()
	cfgs[2].Address = cfgs[0].Address

	_, err := motor.NewRegistry(context.Background(), sim.New(clock), cfgs, motor.RegistryOptions{Clock: clock})
	assert.ErrorIs(t, err, motor.ErrDuplicateAddress)
}

func TestNewRegistryCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clock := sim.NewAutoClock(time.Unix(0, 0))

	_, err := motor.NewRegistry(ctx, sim.New(clock), rig(), motor.RegistryOptions{Clock: clock})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequiredCapabilities(t *testing.T) {
	v := motor.RequiredCapabilities(motor.RoleVelocityPID)
	assert.True(t, v.Has(motor.CapCommit|motor.CapGains|motor.CapVelocitySetpoint|motor.CapHeartbeat))
	assert.False(t, v.Has(motor.CapPositionSetpoint))

	p := motor.RequiredCapabilities(motor.RoleAbsolutePosition)
	assert.True(t, p.Has(motor.CapPositionSetpoint|motor.CapAbsolutePositionTelemetry))
	assert.False(t, p.Has(motor.CapCommit))
}
