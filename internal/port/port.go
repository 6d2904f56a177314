// Package port is the hardware abstraction the control core is programmed
// against: analog inputs, PWM outputs and digital outputs opened on a
// connected I/O board.
// The real implementation drives Linux GPIO/PWM/IIO devices.
// The fake and simulator implementations allow running without hardware.
package port

import (
	"context"
	"errors"
)

// ErrConnectionLost is returned (wrapped) by any operation once the link to
// the I/O board is gone. It is never retried at this layer.
var ErrConnectionLost = errors.New("connection to i/o board lost")

// Port opens peripherals on a connected I/O board.
type Port interface {
	// OpenAnalogInput opens an analog input yielding normalized [0,1] samples.
	OpenAnalogInput(pin int) (AnalogInput, error)

	// OpenPWMOutput opens a PWM output with the given carrier frequency.
	OpenPWMOutput(pin int, freqHz int) (PWMOutput, error)

	// OpenDigitalOutput opens a digital output driven to the given physical
	// level.
	OpenDigitalOutput(pin int, level bool) (DigitalOutput, error)

	// Close releases the board.
	Close() error
}

// AnalogInput is a sampled analog pin.
type AnalogInput interface {
	// Read blocks until the next sample is available and returns it in
	// [0,1]. A cancelled ctx returns ctx.Err().
	Read(ctx context.Context) (float64, error)

	Close() error
}

// PWMOutput is a pulse-width modulated pin.
type PWMOutput interface {
	// SetPulseWidth sets the high time of each period in microseconds.
	SetPulseWidth(micros float64) error

	Close() error
}

// DigitalOutput is a push-pull digital pin.
type DigitalOutput interface {
	// Write drives the physical line high (true) or low (false).
	Write(level bool) error

	Close() error
}

// Default pin map (I/O board numbering).
const (
	PinLeftWheelReverse   = 10
	PinLeftWheelPositive  = 11
	PinRightWheelReverse  = 12
	PinRightWheelPositive = 13

	PinPeripheralCircuit = 20

	PinWheelsSleep = 29
	PinTiltSleep   = 30

	PinTiltReverse  = 39
	PinTiltPositive = 40

	PinTiltEncoder = 45
)

// DefaultPWMFrequency is the carrier frequency the speed calibration assumes.
const DefaultPWMFrequency = 50000
