package port

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SimConfig tunes the simulated head.
type SimConfig struct {
	// Initial encoder value.
	Initial float64
	// Travel is the mechanical range of the encoder; the head stalls at
	// either end.
	TravelMin, TravelMax float64
	// Rate is the encoder change per second per microsecond of net pulse
	// width.
	Rate float64
	// SampleInterval paces encoder samples.
	SampleInterval time.Duration
}

// DefaultSimConfig starts the head mid-travel between the reference limits.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Initial:        0.375,
		TravelMin:      0.20,
		TravelMax:      0.55,
		Rate:           0.002,
		SampleInterval: 20 * time.Millisecond,
	}
}

// Simulator is an in-process board: a tilt motor on PinTiltPositive and
// PinTiltReverse moves an encoder read on PinTiltEncoder. A positive width
// raises the head, which lowers the encoder value. PinTiltSleep held low
// stops the motor. Every other pin is accepted and remembered.
type Simulator struct {
	cfg   SimConfig
	clock clock.Clock

	mu      sync.Mutex
	pos     float64
	updated time.Time
	pwm     map[int]float64
	digital map[int]bool
	closed  bool
}

// NewSimulator returns a simulator driven by clk (nil means the wall clock).
func NewSimulator(cfg SimConfig, clk clock.Clock) (*Simulator, error) {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.TravelMin >= cfg.TravelMax {
		return nil, fmt.Errorf("simulator travel min %v must be below max %v", cfg.TravelMin, cfg.TravelMax)
	}
	if cfg.SampleInterval <= 0 {
		return nil, fmt.Errorf("simulator sample interval must be positive, got %v", cfg.SampleInterval)
	}
	return &Simulator{
		cfg:     cfg,
		clock:   clk,
		pos:     clamp(cfg.Initial, cfg.TravelMin, cfg.TravelMax),
		updated: clk.Now(),
		pwm:     map[int]float64{},
		digital: map[int]bool{},
	}, nil
}

// Position returns the current encoder value.
func (s *Simulator) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	return s.pos
}

// PulseWidth returns the last width written to pin.
func (s *Simulator) PulseWidth(pin int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pwm[pin]
}

// Level returns the last physical level written to pin.
func (s *Simulator) Level(pin int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digital[pin]
}

// OpenAnalogInput opens the encoder. Other analog pins read a constant 0.
func (s *Simulator) OpenAnalogInput(pin int) (AnalogInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("open analog pin %d: %w", pin, ErrConnectionLost)
	}
	return &simInput{sim: s, pin: pin}, nil
}

// OpenPWMOutput opens a PWM output at 0 width.
func (s *Simulator) OpenPWMOutput(pin int, freqHz int) (PWMOutput, error) {
	if freqHz <= 0 {
		return nil, fmt.Errorf("open pwm pin %d: invalid frequency %d", pin, freqHz)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("open pwm pin %d: %w", pin, ErrConnectionLost)
	}
	s.advanceLocked()
	s.pwm[pin] = 0
	return &simPWM{sim: s, pin: pin}, nil
}

// OpenDigitalOutput opens a digital output at level.
func (s *Simulator) OpenDigitalOutput(pin int, level bool) (DigitalOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("open digital pin %d: %w", pin, ErrConnectionLost)
	}
	s.advanceLocked()
	s.digital[pin] = level
	return &simDigital{sim: s, pin: pin}, nil
}

// Close powers the board down; further I/O fails with ErrConnectionLost.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	s.closed = true
	return nil
}

// advanceLocked integrates the motor drive since the last update.
func (s *Simulator) advanceLocked() {
	now := s.clock.Now()
	dt := now.Sub(s.updated).Seconds()
	s.updated = now
	if dt <= 0 || s.closed {
		return
	}
	if awake, ok := s.digital[PinTiltSleep]; ok && !awake {
		return
	}
	drive := s.pwm[PinTiltPositive] - s.pwm[PinTiltReverse]
	s.pos = clamp(s.pos-drive*s.cfg.Rate*dt, s.cfg.TravelMin, s.cfg.TravelMax)
}

func (s *Simulator) linkUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

type simInput struct {
	sim *Simulator
	pin int
}

func (in *simInput) Read(ctx context.Context) (float64, error) {
	t := in.sim.clock.Timer(in.sim.cfg.SampleInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.C:
	}
	if !in.sim.linkUp() {
		return 0, fmt.Errorf("read analog pin %d: %w", in.pin, ErrConnectionLost)
	}
	if in.pin != PinTiltEncoder {
		return 0, nil
	}
	return in.sim.Position(), nil
}

func (in *simInput) Close() error {
	return nil
}

type simPWM struct {
	sim *Simulator
	pin int
}

func (o *simPWM) SetPulseWidth(micros float64) error {
	s := o.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("set pwm pin %d: %w", o.pin, ErrConnectionLost)
	}
	s.advanceLocked()
	s.pwm[o.pin] = micros
	return nil
}

func (o *simPWM) Close() error {
	return o.SetPulseWidth(0)
}

type simDigital struct {
	sim *Simulator
	pin int
}

func (o *simDigital) Write(level bool) error {
	s := o.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("write digital pin %d: %w", o.pin, ErrConnectionLost)
	}
	s.advanceLocked()
	s.digital[o.pin] = level
	return nil
}

func (o *simDigital) Close() error {
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
