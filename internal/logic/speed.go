package logic

import "math"

// MaxLevel bounds the user-facing speed level to [-MaxLevel, MaxLevel].
const MaxLevel = 10

// Default transfer function calibration, tuned for a 50 kHz PWM carrier
// (20us period). Widths below ~11us have no effect on the motor driver.
const (
	DefaultAlpha = 4.1
	DefaultTau0  = 11.0
)

// Speed is a motor speed command. The level is always clamped into
// [-MaxLevel, MaxLevel] and the pulse width is recomputed on every mutation.
//
// Speed is a value type: two commands are equal when their levels match,
// regardless of calibration. The zero value is a stopped command that picks
// up the default calibration on its first mutation.
type Speed struct {
	level int
	alpha float64
	tau0  float64
	width float64 // microseconds
}

// NewSpeed returns a command at the given level using the default calibration.
func NewSpeed(level int) Speed {
	return NewCalibratedSpeed(level, DefaultAlpha, DefaultTau0)
}

// NewCalibratedSpeed returns a command at the given level with an explicit
// gain (alpha) and offset (tau0) in microseconds.
func NewCalibratedSpeed(level int, alpha, tau0 float64) Speed {
	s := Speed{alpha: alpha, tau0: tau0}
	s.SetLevel(level)
	return s
}

// Level returns the clamped user-facing level.
func (s Speed) Level() int {
	return s.level
}

// Alpha returns the gain used by the transfer function.
func (s Speed) Alpha() float64 {
	return s.alpha
}

// Tau0 returns the offset used by the transfer function.
func (s Speed) Tau0() float64 {
	return s.tau0
}

// SetLevel clamps v into range and recomputes the pulse width.
func (s *Speed) SetLevel(v int) {
	switch {
	case v > MaxLevel:
		v = MaxLevel
	case v < -MaxLevel:
		v = -MaxLevel
	}
	s.calibrate()
	s.level = v
	s.width = scalePulseWidth(v, s.alpha, s.tau0)
}

// SetAlpha changes the gain without touching the level. Used to trim
// mismatched wheel motors.
func (s *Speed) SetAlpha(alpha float64) {
	s.calibrate()
	s.alpha = alpha
	s.width = scalePulseWidth(s.level, s.alpha, s.tau0)
}

// Increase steps the level up by one. No-op at MaxLevel.
func (s *Speed) Increase() {
	if s.level < MaxLevel {
		s.SetLevel(s.level + 1)
	}
}

// Decrease steps the level down by one. No-op at -MaxLevel.
func (s *Speed) Decrease() {
	if s.level > -MaxLevel {
		s.SetLevel(s.level - 1)
	}
}

// PulseWidth returns the unsigned pulse width in microseconds.
func (s Speed) PulseWidth() float64 {
	return s.width
}

// PositiveWidth returns the pulse width for the forward pin, zero unless the
// level is positive.
func (s Speed) PositiveWidth() float64 {
	if s.level > 0 {
		return s.width
	}
	return 0
}

// ReverseWidth returns the pulse width for the reverse pin, zero unless the
// level is negative.
func (s Speed) ReverseWidth() float64 {
	if s.level < 0 {
		return s.width
	}
	return 0
}

// Sign returns -1, 0 or +1.
func (s Speed) Sign() int {
	switch {
	case s.level > 0:
		return 1
	case s.level < 0:
		return -1
	}
	return 0
}

// IsPositive reports whether the level is zero or forward.
func (s Speed) IsPositive() bool {
	return s.level >= 0
}

// IsZero reports whether the command is at rest.
func (s Speed) IsZero() bool {
	return s.level == 0
}

// Equal compares by level only; the pulse width is derived state.
func (s Speed) Equal(o Speed) bool {
	return s.level == o.level
}

// Stopped returns a zero command that keeps this command's calibration.
func (s Speed) Stopped() Speed {
	s.SetLevel(0)
	return s
}

func (s *Speed) calibrate() {
	if s.alpha == 0 && s.tau0 == 0 {
		s.alpha, s.tau0 = DefaultAlpha, DefaultTau0
	}
}

func scalePulseWidth(level int, alpha, tau0 float64) float64 {
	if level == 0 {
		return 0
	}
	return alpha*math.Log(math.Abs(float64(level))) + tau0
}
