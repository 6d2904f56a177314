// Package config loads the daemon configuration from an optional YAML file
// with TILTBOT_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/sweeney/tiltbot/internal/control"
	"github.com/sweeney/tiltbot/internal/port"
	"github.com/sweeney/tiltbot/internal/robot"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TILTBOT_"

// Board selects and tunes the hardware behind the robot.
type Board struct {
	Simulate        bool          `yaml:"simulate" env:"SIMULATE"`
	Chip            string        `yaml:"chip" env:"CHIP"`
	IIODevice       string        `yaml:"iio_device" env:"IIO_DEVICE"`
	AnalogFullScale int           `yaml:"analog_full_scale" env:"ANALOG_FULL_SCALE"`
	SampleInterval  time.Duration `yaml:"sample_interval" env:"SAMPLE_INTERVAL"`
}

// MQTT is the telemetry broker.
type MQTT struct {
	Broker   string `yaml:"broker" env:"BROKER"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
}

// Config is the full daemon configuration.
type Config struct {
	Pins         robot.Pins        `yaml:"pins"`
	PWMFrequency int               `yaml:"pwm_frequency" env:"PWM_FREQUENCY"`
	Calibration  robot.Calibration `yaml:"calibration"`
	Limits       control.Limits    `yaml:"limits"`
	GuardBand    float64           `yaml:"guard_band" env:"GUARD_BAND"`
	Switches     map[string]bool   `yaml:"switches"`

	ControlPeriod  time.Duration `yaml:"control_period" env:"CONTROL_PERIOD"`
	UpdatePeriod   time.Duration `yaml:"update_period" env:"UPDATE_PERIOD"`
	Heartbeat      time.Duration `yaml:"heartbeat" env:"HEARTBEAT"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`

	Board    Board  `yaml:"board" envPrefix:"BOARD_"`
	MQTT     MQTT   `yaml:"mqtt" envPrefix:"MQTT_"`
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`
}

// Default returns the reference calibration and wiring.
func Default() Config {
	rc := robot.DefaultConfig()
	return Config{
		Pins:           rc.Pins,
		PWMFrequency:   rc.PWMFrequency,
		Calibration:    rc.Calibration,
		Limits:         rc.Limits,
		GuardBand:      rc.GuardBand,
		Switches:       rc.Switches,
		ControlPeriod:  100 * time.Millisecond,
		UpdatePeriod:   rc.UpdatePeriod,
		Heartbeat:      15 * time.Minute,
		ReconnectDelay: 5 * time.Second,
		Board: Board{
			Chip:            "gpiochip0",
			IIODevice:       "/sys/bus/iio/devices/iio:device0",
			AnalogFullScale: 4095,
			SampleInterval:  10 * time.Millisecond,
		},
		MQTT: MQTT{
			Broker:   "tcp://127.0.0.1:1883",
			ClientID: "tiltbot",
		},
		HTTPAddr: ":80",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	return load(path, nil)
}

func load(path string, environ map[string]string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Robot returns the robot part of the configuration.
func (c Config) Robot() robot.Config {
	return robot.Config{
		Pins:         c.Pins,
		PWMFrequency: c.PWMFrequency,
		Calibration:  c.Calibration,
		Limits:       c.Limits,
		GuardBand:    c.GuardBand,
		UpdatePeriod: c.UpdatePeriod,
		Switches:     c.Switches,
	}
}

// RealPort returns the hardware port settings.
func (c Config) RealPort() port.RealConfig {
	return port.RealConfig{
		Chip:            c.Board.Chip,
		IIODevice:       c.Board.IIODevice,
		AnalogFullScale: c.Board.AnalogFullScale,
		SampleInterval:  c.Board.SampleInterval,
	}
}

// Simulator returns simulator settings whose travel matches the tilt limits
// with a small margin either side, so the soft limits are reachable.
func (c Config) Simulator() port.SimConfig {
	sc := port.DefaultSimConfig()
	sc.TravelMin = clampUnit(c.Limits.Min - 0.06)
	sc.TravelMax = clampUnit(c.Limits.Max + 0.06)
	sc.Initial = (c.Limits.Min + c.Limits.Max) / 2
	if c.Board.SampleInterval > 0 {
		sc.SampleInterval = c.Board.SampleInterval
	}
	return sc
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	errs := c.Robot().Validate()
	if c.ControlPeriod <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("control period must be positive, got %v", c.ControlPeriod))
	}
	if c.Heartbeat < 0 {
		errs = multierr.Append(errs, fmt.Errorf("heartbeat must not be negative, got %v", c.Heartbeat))
	}
	if c.ReconnectDelay <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("reconnect delay must be positive, got %v", c.ReconnectDelay))
	}
	if !c.Board.Simulate {
		if c.Board.AnalogFullScale <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("analog full scale must be positive, got %d", c.Board.AnalogFullScale))
		}
		if c.Board.SampleInterval <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("sample interval must be positive, got %v", c.Board.SampleInterval))
		}
	}
	if c.HTTPAddr == "" {
		errs = multierr.Append(errs, errors.New("http address is required"))
	}
	if errs != nil {
		return fmt.Errorf("invalid config: %w", errs)
	}
	return nil
}

// Summary lists the effective settings for the startup log.
func (c Config) Summary() []interface{} {
	return []interface{}{
		"simulate", c.Board.Simulate,
		"broker", c.MQTT.Broker,
		"http", c.HTTPAddr,
		"control_period", c.ControlPeriod,
		"update_period", c.UpdatePeriod,
		"heartbeat", c.Heartbeat,
		"limits", fmt.Sprintf("%.2f..%.2f", c.Limits.Min, c.Limits.Max),
		"guard_band", c.GuardBand,
		"pwm_hz", c.PWMFrequency,
		"alpha", c.Calibration.TiltAlpha,
		"tau0", c.Calibration.Tau0,
	}
}
