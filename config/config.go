// Package config loads the teleop configuration: bus and device topology, loop
// timing, joystick mapping, logging and status outputs. Values come from a
// YAML file on top of built-in defaults and can be overridden by
// FLEXTELEOP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"flexteleop/motor"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration structure.
type Config struct {
	CAN     CANConfig      `yaml:"can"`
	Loop    LoopConfig     `yaml:"loop"`
	Input   InputConfig    `yaml:"input"`
	Devices []DeviceConfig `yaml:"devices"`
	Logging LoggingConfig  `yaml:"logging"`
	Status  StatusConfig   `yaml:"status"`
}

// CANConfig contains bus settings.
type CANConfig struct {
	Interface string `yaml:"interface"`
	// MapPath overrides the built-in frame map when set.
	MapPath string        `yaml:"map_path"`
	Stagger time.Duration `yaml:"stagger"`
}

// LoopConfig contains control loop timing.
type LoopConfig struct {
	Period      time.Duration `yaml:"period"`
	RunDuration time.Duration `yaml:"run_duration"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	// TelemetryMaxAge marks older readings unavailable; zero disables.
	TelemetryMaxAge time.Duration `yaml:"telemetry_max_age"`
	WarnEvery       int           `yaml:"warn_every"`
}

// InputConfig contains joystick settings.
type InputConfig struct {
	Device         string        `yaml:"device"`
	PositionAxis   int           `yaml:"position_axis"`
	VelocityAxis   int           `yaml:"velocity_axis"`
	MaxSpeed       float64       `yaml:"max_speed"`
	Deadband       float64       `yaml:"deadband"`
	ReopenInterval time.Duration `yaml:"reopen_interval"`
}

// DeviceConfig describes one motor controller.
type DeviceConfig struct {
	Name string `yaml:"name"`
	// Bus defaults to can.interface.
	Bus            string      `yaml:"bus"`
	Node           int         `yaml:"node"`
	Role           string      `yaml:"role"`
	Gains          GainsConfig `yaml:"gains"`
	IdleMode       string      `yaml:"idle_mode"`
	PositionOffset float64     `yaml:"position_offset"`
}

// GainsConfig holds closed-loop constants for velocity devices.
type GainsConfig struct {
	Slot int     `yaml:"slot"`
	P    float64 `yaml:"p"`
	I    float64 `yaml:"i"`
	D    float64 `yaml:"d"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
	Stdout bool   `yaml:"stdout"`
}

// StatusConfig selects where per-tick status records go.
type StatusConfig struct {
	// QueueSize bounds records waiting for slow outputs.
	QueueSize int            `yaml:"queue_size"`
	Console   ConsoleConfig  `yaml:"console"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig `yaml:"influxdb"`
	Recorder  RecorderConfig `yaml:"recorder"`
}

// ConsoleConfig contains the status line settings.
type ConsoleConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Broker      MQTTBrokerConfig `yaml:"broker"`
	Auth        MQTTAuthConfig   `yaml:"auth"`
	QoS         int              `yaml:"qos"`
	TopicPrefix string           `yaml:"topic_prefix"`
	// Interval throttles publishing; zero publishes every tick.
	Interval time.Duration `yaml:"interval"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
	// BatchSize is points per write; FlushInterval is in milliseconds.
	BatchSize     int `yaml:"batch_size"`
	FlushInterval int `yaml:"flush_interval"`
}

// RecorderConfig contains the CBOR status recording settings.
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv is Default with environment overrides, validated.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	if err := applyEnvOverrides(c); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// Default mirrors the reference rig: four velocity-PID drive controllers and
// four absolute-position flex controllers on can0.
func Default() *Config {
	drive := GainsConfig{P: 0.2, I: 0, D: 0.1}
	return &Config{
		CAN: CANConfig{
			Interface: "can0",
			Stagger:   motor.DefaultStagger,
		},
		Loop: LoopConfig{
			Period:      3 * time.Millisecond,
			RunDuration: 100 * time.Second,
			SettleDelay: motor.CommitSettleDelay,
			WarnEvery:   1000,
		},
		Input: InputConfig{
			Device:         "/dev/input/js0",
			PositionAxis:   0,
			VelocityAxis:   3,
			MaxSpeed:       4.0,
			ReopenInterval: time.Second,
		},
		Devices: []DeviceConfig{
			{Name: "drive-1", Node: 1, Role: "velocity_pid", Gains: drive, IdleMode: "coast"},
			{Name: "drive-2", Node: 2, Role: "velocity_pid", Gains: drive, IdleMode: "coast"},
			{Name: "drive-3", Node: 3, Role: "velocity_pid", Gains: drive, IdleMode: "coast"},
			{Name: "drive-4", Node: 4, Role: "velocity_pid", Gains: drive, IdleMode: "coast"},
			{Name: "flex-5", Node: 5, Role: "absolute_position", PositionOffset: 0.25},
			{Name: "flex-6", Node: 6, Role: "absolute_position", PositionOffset: 0},
			{Name: "flex-7", Node: 7, Role: "absolute_position", PositionOffset: 0.25},
			{Name: "flex-8", Node: 8, Role: "absolute_position", PositionOffset: 0},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "teleop.log",
		},
		Status: StatusConfig{
			QueueSize: 256,
			Console:   ConsoleConfig{Enabled: true, Interval: 100 * time.Millisecond},
			MQTT: MQTTConfig{
				Broker: MQTTBrokerConfig{
					Host:     "localhost",
					Port:     1883,
					ClientID: "flexteleop",
				},
				QoS:         0,
				TopicPrefix: "flexteleop",
				Interval:    50 * time.Millisecond,
			},
			InfluxDB: InfluxDBConfig{
				URL:           "http://localhost:8086",
				Org:           "flexteleop",
				Bucket:        "teleop",
				BatchSize:     500,
				FlushInterval: 1000,
			},
			Recorder: RecorderConfig{Path: "status.cbor"},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FLEXTELEOP_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("FLEXTELEOP_CAN_INTERFACE"); v != "" {
		cfg.CAN.Interface = v
	}
	if v := os.Getenv("FLEXTELEOP_INPUT_DEVICE"); v != "" {
		cfg.Input.Device = v
	}
	if v := os.Getenv("FLEXTELEOP_RUN_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FLEXTELEOP_RUN_DURATION: %w", err)
		}
		cfg.Loop.RunDuration = d
	}
	if v := os.Getenv("FLEXTELEOP_MQTT_HOST"); v != "" {
		cfg.Status.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLEXTELEOP_INFLUXDB_TOKEN"); v != "" {
		cfg.Status.InfluxDB.Token = v
	}
	return nil
}

// maxNode is the largest id the 6-bit node field carries.
const maxNode = 63

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.CAN.Interface == "" {
		errs = append(errs, "can.interface is required")
	}
	if c.CAN.Stagger < 0 {
		errs = append(errs, "can.stagger must not be negative")
	}

	if c.Loop.Period <= 0 {
		errs = append(errs, "loop.period must be positive")
	}
	if c.Loop.RunDuration < 0 {
		errs = append(errs, "loop.run_duration must not be negative")
	}
	if c.Loop.SettleDelay < motor.CommitSettleDelay {
		errs = append(errs, fmt.Sprintf("loop.settle_delay must be at least %s", motor.CommitSettleDelay))
	}
	if c.Loop.TelemetryMaxAge < 0 {
		errs = append(errs, "loop.telemetry_max_age must not be negative")
	}

	if c.Input.Device == "" {
		errs = append(errs, "input.device is required")
	}
	if !axisOK(c.Input.PositionAxis) || !axisOK(c.Input.VelocityAxis) {
		errs = append(errs, "input axes must be between 0 and 255")
	}
	if c.Input.PositionAxis == c.Input.VelocityAxis {
		errs = append(errs, "input.position_axis and input.velocity_axis must differ")
	}
	if c.Input.MaxSpeed <= 0 {
		errs = append(errs, "input.max_speed must be positive")
	}
	if c.Input.Deadband < 0 || c.Input.Deadband >= 1 {
		errs = append(errs, "input.deadband must be in [0, 1)")
	}

	if len(c.Devices) == 0 {
		errs = append(errs, "at least one device is required")
	}
	seen := map[string]string{}
	for i, d := range c.Devices {
		name := d.Name
		if name == "" {
			name = fmt.Sprintf("devices[%d]", i)
		}
		if d.Node < 1 || d.Node > maxNode {
			errs = append(errs, fmt.Sprintf("%s: node must be between 1 and %d", name, maxNode))
		}
		key := fmt.Sprintf("%s/%d", c.busOf(d), d.Node)
		if prev, dup := seen[key]; dup {
			errs = append(errs, fmt.Sprintf("%s: address %s already used by %s", name, key, prev))
		}
		seen[key] = name

		role, err := motor.ParseRole(d.Role)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if role == motor.RoleVelocityPID {
			if _, err := motor.ParseIdleMode(d.IdleMode); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			}
		}
	}

	if c.Status.QueueSize < 1 {
		errs = append(errs, "status.queue_size must be positive")
	}
	if m := c.Status.MQTT; m.Enabled {
		if m.Broker.Host == "" {
			errs = append(errs, "status.mqtt.broker.host is required")
		}
		if m.QoS < 0 || m.QoS > 2 {
			errs = append(errs, "status.mqtt.qos must be 0, 1, or 2")
		}
	}
	if f := c.Status.InfluxDB; f.Enabled && (f.URL == "" || f.Bucket == "") {
		errs = append(errs, "status.influxdb.url and bucket are required")
	}
	if r := c.Status.Recorder; r.Enabled && r.Path == "" {
		errs = append(errs, "status.recorder.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

func axisOK(a int) bool { return a >= 0 && a <= 255 }

func (c *Config) busOf(d DeviceConfig) string {
	if d.Bus != "" {
		return d.Bus
	}
	return c.CAN.Interface
}

// MotorDevices converts the device list for motor.NewRegistry, in file order.
func (c *Config) MotorDevices() ([]motor.DeviceConfig, error) {
	out := make([]motor.DeviceConfig, 0, len(c.Devices))
	for _, d := range c.Devices {
		role, err := motor.ParseRole(d.Role)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Name, err)
		}
		md := motor.DeviceConfig{
			Name:           d.Name,
			Address:        motor.Address{Bus: c.busOf(d), Node: uint8(d.Node)},
			Role:           role,
			PositionOffset: d.PositionOffset,
		}
		if role == motor.RoleVelocityPID {
			idle, err := motor.ParseIdleMode(d.IdleMode)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.Name, err)
			}
			md.Idle = idle
			md.Gains = motor.Gains{Slot: d.Gains.Slot, P: d.Gains.P, I: d.Gains.I, D: d.Gains.D}
		}
		out = append(out, md)
	}
	return out, nil
}
