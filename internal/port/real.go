//go:build linux

package port

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// RealConfig selects the Linux devices backing a RealPort.
type RealConfig struct {
	// Chip is the GPIO character device used for digital outputs.
	Chip string
	// IIODevice is the sysfs directory of the ADC, e.g.
	// /sys/bus/iio/devices/iio:device0. Analog pin N maps to in_voltageN_raw.
	IIODevice string
	// AnalogFullScale is the raw ADC reading that maps to 1.0.
	AnalogFullScale int
	// SampleInterval paces analog reads.
	SampleInterval time.Duration
}

// RealPort drives I/O on actual Linux hardware: digital outputs through the
// GPIO character device, PWM through periph.io and analog inputs through the
// IIO sysfs interface.
type RealPort struct {
	cfg    RealConfig
	chip   *gpiocdev.Chip
	logger *zap.SugaredLogger
}

// NewRealPort opens the GPIO chip and initializes periph.io host drivers.
func NewRealPort(cfg RealConfig, logger *zap.SugaredLogger) (*RealPort, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.AnalogFullScale <= 0 {
		return nil, fmt.Errorf("analog full scale must be positive, got %d", cfg.AnalogFullScale)
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", cfg.Chip, err)
	}
	return &RealPort{cfg: cfg, chip: chip, logger: logger}, nil
}

// OpenAnalogInput opens an IIO voltage channel.
func (p *RealPort) OpenAnalogInput(pin int) (AnalogInput, error) {
	path := fmt.Sprintf("%s/in_voltage%d_raw", p.cfg.IIODevice, pin)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open analog pin %d: %w", pin, err)
	}
	return &iioInput{
		pin:       pin,
		path:      path,
		fullScale: float64(p.cfg.AnalogFullScale),
		interval:  p.cfg.SampleInterval,
	}, nil
}

// OpenPWMOutput looks up a periph.io pin by its number and starts it at 0%
// duty.
func (p *RealPort) OpenPWMOutput(pin int, freqHz int) (PWMOutput, error) {
	if freqHz <= 0 {
		return nil, fmt.Errorf("open pwm pin %d: invalid frequency %d", pin, freqHz)
	}
	pp := gpioreg.ByName(strconv.Itoa(pin))
	if pp == nil {
		return nil, fmt.Errorf("open pwm pin %d: no such pin", pin)
	}
	o := &periphPWM{pin: pin, p: pp, freq: physic.Frequency(freqHz) * physic.Hertz}
	if err := o.SetPulseWidth(0); err != nil {
		return nil, err
	}
	return o, nil
}

// OpenDigitalOutput requests a GPIO line as an output at the given level.
func (p *RealPort) OpenDigitalOutput(pin int, level bool) (DigitalOutput, error) {
	line, err := p.chip.RequestLine(pin, gpiocdev.AsOutput(boolToRaw(level)))
	if err != nil {
		return nil, fmt.Errorf("request output pin %d: %w", pin, err)
	}
	return &cdevOutput{pin: pin, line: line}, nil
}

// Close releases the GPIO chip.
func (p *RealPort) Close() error {
	if p.chip == nil {
		return nil
	}
	if err := p.chip.Close(); err != nil {
		return fmt.Errorf("close chip: %w", err)
	}
	return nil
}

type iioInput struct {
	pin       int
	path      string
	fullScale float64
	interval  time.Duration
}

func (in *iioInput) Read(ctx context.Context) (float64, error) {
	if in.interval > 0 {
		t := time.NewTimer(in.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := os.ReadFile(in.path)
	if err != nil {
		return 0, fmt.Errorf("read analog pin %d: %v: %w", in.pin, err, ErrConnectionLost)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse analog pin %d: %w", in.pin, err)
	}
	return math.Max(0, math.Min(1, float64(raw)/in.fullScale)), nil
}

func (in *iioInput) Close() error {
	return nil
}

type periphPWM struct {
	pin  int
	p    gpio.PinIO
	freq physic.Frequency
}

// SetPulseWidth converts a high time into a duty cycle of the carrier period,
// saturating at 100%.
func (o *periphPWM) SetPulseWidth(micros float64) error {
	periodMicros := float64(o.freq.Period()) / float64(time.Microsecond)
	frac := math.Max(0, math.Min(1, micros/periodMicros))
	duty := gpio.Duty(frac * float64(gpio.DutyMax))
	if err := o.p.PWM(duty, o.freq); err != nil {
		return fmt.Errorf("set pwm pin %d: %v: %w", o.pin, err, ErrConnectionLost)
	}
	return nil
}

func (o *periphPWM) Close() error {
	var errs error
	if err := o.p.PWM(0, o.freq); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("zero pwm pin %d: %w", o.pin, err))
	}
	if err := o.p.Halt(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("halt pwm pin %d: %w", o.pin, err))
	}
	return errs
}

type cdevOutput struct {
	pin  int
	line *gpiocdev.Line
}

func (o *cdevOutput) Write(level bool) error {
	if err := o.line.SetValue(boolToRaw(level)); err != nil {
		return fmt.Errorf("write pin %d: %v: %w", o.pin, err, ErrConnectionLost)
	}
	return nil
}

// Close returns the line to an input before releasing it, matching the board
// boot default.
func (o *cdevOutput) Close() error {
	var errs error
	if err := o.line.Reconfigure(gpiocdev.AsInput); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("reconfigure pin %d: %w", o.pin, err))
	}
	if err := o.line.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("close pin %d: %w", o.pin, err))
	}
	return errs
}

func boolToRaw(b bool) int {
	if b {
		return 1
	}
	return 0
}
