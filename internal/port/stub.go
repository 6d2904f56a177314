//go:build !linux

package port

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

var errUnsupported = errors.New("port: hardware i/o not supported on this platform (requires Linux)")

// RealConfig selects the Linux devices backing a RealPort.
type RealConfig struct {
	Chip            string
	IIODevice       string
	AnalogFullScale int
	SampleInterval  time.Duration
}

// RealPort is not available on non-Linux platforms.
type RealPort struct{}

// NewRealPort returns an error on non-Linux platforms.
func NewRealPort(cfg RealConfig, logger *zap.SugaredLogger) (*RealPort, error) {
	return nil, errUnsupported
}

// OpenAnalogInput is not implemented on non-Linux platforms.
func (p *RealPort) OpenAnalogInput(pin int) (AnalogInput, error) {
	return nil, errUnsupported
}

// OpenPWMOutput is not implemented on non-Linux platforms.
func (p *RealPort) OpenPWMOutput(pin int, freqHz int) (PWMOutput, error) {
	return nil, errUnsupported
}

// OpenDigitalOutput is not implemented on non-Linux platforms.
func (p *RealPort) OpenDigitalOutput(pin int, level bool) (DigitalOutput, error) {
	return nil, errUnsupported
}

// Close is not implemented on non-Linux platforms.
func (p *RealPort) Close() error {
	return nil
}
