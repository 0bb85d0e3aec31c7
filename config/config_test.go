package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexteleop/motor"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "teleop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	devs, err := cfg.MotorDevices()
	require.NoError(t, err)
	require.Len(t, devs, 8)

	assert.Equal(t, motor.Address{Bus: "can0", Node: 1}, devs[0].Address)
	assert.Equal(t, motor.RoleVelocityPID, devs[0].Role)
	assert.Equal(t, motor.Gains{P: 0.2, D: 0.1}, devs[0].Gains)
	assert.Equal(t, motor.IdleCoast, devs[0].Idle)

	offsets := []float64{0.25, 0, 0.25, 0}
	for i, d := range devs[4:] {
		assert.Equal(t, motor.RoleAbsolutePosition, d.Role)
		assert.Equal(t, offsets[i], d.PositionOffset)
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load("teleop.yaml")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Millisecond, cfg.Loop.Period)
	assert.Equal(t, Default().Devices, cfg.Devices)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
can:
  interface: vcan0
loop:
  period: 5ms
  run_duration: 2m
input:
  deadband: 0.05
devices:
  - {name: left, node: 10, role: velocity, idle_mode: brake, gains: {slot: 1, p: 0.5}}
  - {name: arm, bus: can1, node: 10, role: position, position_offset: -0.1}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "vcan0", cfg.CAN.Interface)
	assert.Equal(t, 5*time.Millisecond, cfg.Loop.Period)
	assert.Equal(t, 2*time.Minute, cfg.Loop.RunDuration)
	assert.Equal(t, motor.CommitSettleDelay, cfg.Loop.SettleDelay, "untouched keys keep defaults")
	assert.Equal(t, 0.05, cfg.Input.Deadband)

	devs, err := cfg.MotorDevices()
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, motor.Address{Bus: "vcan0", Node: 10}, devs[0].Address)
	assert.Equal(t, motor.IdleBrake, devs[0].Idle)
	assert.Equal(t, motor.Gains{Slot: 1, P: 0.5}, devs[0].Gains)
	assert.Equal(t, motor.Address{Bus: "can1", Node: 10}, devs[1].Address)
	assert.Equal(t, -0.1, devs[1].PositionOffset)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("/nonexistent/teleop.yaml")
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "loop: [broken"))
	assert.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Loop.SettleDelay = 4 * time.Second
	cfg.Input.VelocityAxis = cfg.Input.PositionAxis
	cfg.Input.MaxSpeed = 0
	cfg.Input.Deadband = 1
	cfg.Devices[1].Node = 1
	cfg.Devices[2].Node = 64
	cfg.Devices[3].Role = "torque"
	cfg.Devices[0].IdleMode = "float"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{
		"settle_delay",
		"must differ",
		"max_speed",
		"deadband",
		"already used by drive-1",
		"drive-3: node must be between 1 and 63",
		`unknown role "torque"`,
		`unknown idle mode "float"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateSinks(t *testing.T) {
	cfg := Default()
	cfg.Status.MQTT.Enabled = true
	cfg.Status.MQTT.QoS = 3
	cfg.Status.InfluxDB.Enabled = true
	cfg.Status.InfluxDB.Bucket = ""
	cfg.Status.Recorder.Enabled = true
	cfg.Status.Recorder.Path = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qos")
	assert.Contains(t, err.Error(), "influxdb")
	assert.Contains(t, err.Error(), "recorder")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLEXTELEOP_CAN_INTERFACE", "vcan1")
	t.Setenv("FLEXTELEOP_INPUT_DEVICE", "/dev/input/js1")
	t.Setenv("FLEXTELEOP_RUN_DURATION", "30s")
	t.Setenv("FLEXTELEOP_MQTT_HOST", "broker.lan")
	t.Setenv("FLEXTELEOP_INFLUXDB_TOKEN", "secret")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "vcan1", cfg.CAN.Interface)
	assert.Equal(t, "/dev/input/js1", cfg.Input.Device)
	assert.Equal(t, 30*time.Second, cfg.Loop.RunDuration)
	assert.Equal(t, "broker.lan", cfg.Status.MQTT.Broker.Host)
	assert.Equal(t, "secret", cfg.Status.InfluxDB.Token)

	devs, err := cfg.MotorDevices()
	require.NoError(t, err)
	assert.Equal(t, "vcan1", devs[0].Address.Bus)
}

func TestEnvOverrideBadDuration(t *testing.T) {
	t.Setenv("FLEXTELEOP_RUN_DURATION", "forever")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "FLEXTELEOP_RUN_DURATION")
}
