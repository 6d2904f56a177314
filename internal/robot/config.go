package robot

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"

	"github.com/sweeney/tiltbot/internal/control"
	"github.com/sweeney/tiltbot/internal/logic"
	"github.com/sweeney/tiltbot/internal/port"
)

// Switch names.
const (
	SwitchPeripheral  = "peripheral"
	SwitchWheelsSleep = "wheels_sleep"
	SwitchTiltSleep   = "tilt_sleep"
)

// SwitchNames lists every switch in the order they are opened.
var SwitchNames = []string{SwitchPeripheral, SwitchWheelsSleep, SwitchTiltSleep}

// Pins is the board wiring.
type Pins struct {
	LeftPositive  int `yaml:"left_positive" json:"left_positive"`
	LeftReverse   int `yaml:"left_reverse" json:"left_reverse"`
	RightPositive int `yaml:"right_positive" json:"right_positive"`
	RightReverse  int `yaml:"right_reverse" json:"right_reverse"`
	TiltPositive  int `yaml:"tilt_positive" json:"tilt_positive"`
	TiltReverse   int `yaml:"tilt_reverse" json:"tilt_reverse"`
	Peripheral    int `yaml:"peripheral" json:"peripheral"`
	WheelsSleep   int `yaml:"wheels_sleep" json:"wheels_sleep"`
	TiltSleep     int `yaml:"tilt_sleep" json:"tilt_sleep"`
	TiltEncoder   int `yaml:"tilt_encoder" json:"tilt_encoder"`
}

// DefaultPins is the reference wiring.
func DefaultPins() Pins {
	return Pins{
		LeftPositive:  port.PinLeftWheelPositive,
		LeftReverse:   port.PinLeftWheelReverse,
		RightPositive: port.PinRightWheelPositive,
		RightReverse:  port.PinRightWheelReverse,
		TiltPositive:  port.PinTiltPositive,
		TiltReverse:   port.PinTiltReverse,
		Peripheral:    port.PinPeripheralCircuit,
		WheelsSleep:   port.PinWheelsSleep,
		TiltSleep:     port.PinTiltSleep,
		TiltEncoder:   port.PinTiltEncoder,
	}
}

// Validate rejects a pin used twice or a negative pin.
func (p Pins) Validate() error {
	seen := map[int]string{}
	for name, pin := range p.byName() {
		if pin < 0 {
			return fmt.Errorf("pin %s: negative pin %d", name, pin)
		}
		if other, ok := seen[pin]; ok {
			return fmt.Errorf("pin %d used by both %s and %s", pin, other, name)
		}
		seen[pin] = name
	}
	return nil
}

func (p Pins) byName() map[string]int {
	return map[string]int{
		"left_positive":  p.LeftPositive,
		"left_reverse":   p.LeftReverse,
		"right_positive": p.RightPositive,
		"right_reverse":  p.RightReverse,
		"tilt_positive":  p.TiltPositive,
		"tilt_reverse":   p.TiltReverse,
		"peripheral":     p.Peripheral,
		"wheels_sleep":   p.WheelsSleep,
		"tilt_sleep":     p.TiltSleep,
		"tilt_encoder":   p.TiltEncoder,
	}
}

// Calibration is the speed transfer function per motor.
type Calibration struct {
	LeftAlpha  float64 `yaml:"left_alpha" json:"left_alpha"`
	RightAlpha float64 `yaml:"right_alpha" json:"right_alpha"`
	TiltAlpha  float64 `yaml:"tilt_alpha" json:"tilt_alpha"`
	Tau0       float64 `yaml:"tau0" json:"tau0"`
}

// DefaultCalibration uses the reference gain for every motor.
func DefaultCalibration() Calibration {
	return Calibration{
		LeftAlpha:  logic.DefaultAlpha,
		RightAlpha: logic.DefaultAlpha,
		TiltAlpha:  logic.DefaultAlpha,
		Tau0:       logic.DefaultTau0,
	}
}

// Validate rejects gains and offsets that would give zero or negative pulse
// widths.
func (c Calibration) Validate() error {
	var errs error
	for _, g := range []struct {
		name  string
		value float64
	}{
		{"left_alpha", c.LeftAlpha},
		{"right_alpha", c.RightAlpha},
		{"tilt_alpha", c.TiltAlpha},
		{"tau0", c.Tau0},
	} {
		if !(g.value > 0) || math.IsInf(g.value, 0) {
			errs = multierr.Append(errs, fmt.Errorf("calibration %s must be positive, got %v", g.name, g.value))
		}
	}
	return errs
}

// Config is everything the robot needs to open and drive the board.
type Config struct {
	Pins         Pins
	PWMFrequency int
	Calibration  Calibration
	Limits       control.Limits
	GuardBand    float64
	// UpdatePeriod paces tilt value events to subscribers.
	UpdatePeriod time.Duration
	// Switches holds the state each switch returns to on Reset.
	Switches map[string]bool
}

// DefaultSwitches powers the peripherals and keeps both motor drivers awake.
func DefaultSwitches() map[string]bool {
	return map[string]bool{
		SwitchPeripheral:  true,
		SwitchWheelsSleep: false,
		SwitchTiltSleep:   false,
	}
}

// DefaultConfig is the reference robot.
func DefaultConfig() Config {
	return Config{
		Pins:         DefaultPins(),
		PWMFrequency: port.DefaultPWMFrequency,
		Calibration:  DefaultCalibration(),
		Limits:       control.DefaultLimits,
		GuardBand:    logic.DefaultGuardBand,
		UpdatePeriod: 100 * time.Millisecond,
		Switches:     DefaultSwitches(),
	}
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	var errs error
	if err := c.Pins.Validate(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.PWMFrequency <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("pwm frequency must be positive, got %d", c.PWMFrequency))
	}
	if err := c.Calibration.Validate(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := c.Limits.Validate(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.GuardBand < 0 || c.GuardBand >= c.Limits.Max-c.Limits.Min {
		errs = multierr.Append(errs, fmt.Errorf("guard band %v must be in [0, %v)", c.GuardBand, c.Limits.Max-c.Limits.Min))
	}
	if c.UpdatePeriod < 0 {
		errs = multierr.Append(errs, fmt.Errorf("update period must not be negative, got %v", c.UpdatePeriod))
	}
	for name := range c.Switches {
		if !knownSwitch(name) {
			errs = multierr.Append(errs, fmt.Errorf("%w: %q", ErrUnknownSwitch, name))
		}
	}
	return errs
}

func knownSwitch(name string) bool {
	for _, n := range SwitchNames {
		if n == name {
			return true
		}
	}
	return false
}
