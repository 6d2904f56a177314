// Package control runs the periodic drive and tilt control cycle. Drive
// commands are momentary and consumed by each cycle; the tilt command is
// held, but cut to zero while the head sits beyond a soft limit in the
// direction it is being driven.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sweeney/tiltbot/internal/logic"
)

// ErrInvalidLimits is returned for a Limits with Min >= Max or values
// outside [0,1].
var ErrInvalidLimits = errors.New("invalid tilt limits")

// Actuator applies speed commands. Implemented by actuator.Motor.
type Actuator interface {
	SetSpeed(logic.Speed) error
	Speed() logic.Speed
}

// PositionSource reports the latest tilt encoder value. Implemented by
// sensor.Channel.
type PositionSource interface {
	LastValue() (float64, bool)
}

// Limits are the encoder bounds of tilt travel. Raising the head lowers the
// encoder value, so Min is the top limit and Max the bottom one.
type Limits struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// DefaultLimits is the reference calibration of the tilt encoder.
var DefaultLimits = Limits{Min: 0.26, Max: 0.49}

// Validate checks that Min < Max and both lie in [0,1].
func (l Limits) Validate() error {
	if math.IsNaN(l.Min) || math.IsNaN(l.Max) || l.Min < 0 || l.Max > 1 || l.Min >= l.Max {
		return fmt.Errorf("%w: min=%v max=%v", ErrInvalidLimits, l.Min, l.Max)
	}
	return nil
}

// Stats counts loop activity.
type Stats struct {
	Cycles  uint64
	Clamps  uint64
	Clamped bool
}

// Loop holds the pending commands and applies them once per Cycle.
type Loop struct {
	left, right, tilt Actuator
	position          PositionSource
	limits            Limits
	logger            *zap.SugaredLogger

	cycles  atomic.Uint64
	clamps  atomic.Uint64
	clamped atomic.Bool

	// cycleMu keeps cycles from overlapping.
	cycleMu sync.Mutex

	mu           sync.Mutex
	pendingLeft  logic.Speed
	pendingRight logic.Speed
	pendingTilt  logic.Speed
}

// NewLoop validates limits and returns a loop with all commands stopped.
func NewLoop(left, right, tilt Actuator, position PositionSource, limits Limits, logger *zap.SugaredLogger) (*Loop, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Loop{
		left:         left,
		right:        right,
		tilt:         tilt,
		position:     position,
		limits:       limits,
		logger:       logger,
		pendingLeft:  left.Speed().Stopped(),
		pendingRight: right.Speed().Stopped(),
		pendingTilt:  tilt.Speed().Stopped(),
	}, nil
}

// Limits returns the configured soft limits.
func (l *Loop) Limits() Limits {
	return l.limits
}

// SetDrive sets both pending drive commands for the next cycle.
func (l *Loop) SetDrive(left, right logic.Speed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingLeft = left
	l.pendingRight = right
}

// SetLeft sets the pending left drive command.
func (l *Loop) SetLeft(s logic.Speed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingLeft = s
}

// SetRight sets the pending right drive command.
func (l *Loop) SetRight(s logic.Speed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingRight = s
}

// SetTilt sets the held tilt command.
func (l *Loop) SetTilt(s logic.Speed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingTilt = s
}

// UpdateTilt applies fn to the held tilt command atomically and returns the
// result.
func (l *Loop) UpdateTilt(fn func(*logic.Speed)) logic.Speed {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.pendingTilt)
	return l.pendingTilt
}

// Pending returns the commands the next cycle will use.
func (l *Loop) Pending() (left, right, tilt logic.Speed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingLeft, l.pendingRight, l.pendingTilt
}

// Reset stops every pending command, keeping calibration.
func (l *Loop) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingLeft = l.pendingLeft.Stopped()
	l.pendingRight = l.pendingRight.Stopped()
	l.pendingTilt = l.pendingTilt.Stopped()
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Cycles:  l.cycles.Load(),
		Clamps:  l.clamps.Load(),
		Clamped: l.clamped.Load(),
	}
}

// Cycle consumes the pending drive commands and applies them, then reads the
// tilt position and applies the tilt command subject to the soft limits.
// Errors from every actuator are combined; a lost connection is reported
// wrapped.
func (l *Loop) Cycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	l.mu.Lock()
	left, right, tilt := l.pendingLeft, l.pendingRight, l.pendingTilt
	l.pendingLeft = left.Stopped()
	l.pendingRight = right.Stopped()
	l.mu.Unlock()

	var errs error
	if err := l.left.SetSpeed(left); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("left drive: %w", err))
	}
	if err := l.right.SetSpeed(right); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("right drive: %w", err))
	}

	// The position is read after the drive writes so the clamp sees the
	// freshest sample.
	applied, clamped := l.clampTilt(tilt)
	if clamped && !l.clamped.Load() {
		l.logger.Infow("tilt held at soft limit", "level", tilt.Level())
	}
	if clamped {
		l.clamps.Inc()
	}
	l.clamped.Store(clamped)

	if err := l.tilt.SetSpeed(applied); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("tilt: %w", err))
	}
	l.cycles.Inc()
	return errs
}

// clampTilt returns the command to apply and whether the soft limit cut it.
// Without a position reading the command passes through.
func (l *Loop) clampTilt(tilt logic.Speed) (logic.Speed, bool) {
	pos, ok := l.position.LastValue()
	if !ok {
		return tilt, false
	}
	switch {
	case tilt.Sign() > 0 && pos <= l.limits.Min:
		return tilt.Stopped(), true
	case tilt.Sign() < 0 && pos >= l.limits.Max:
		return tilt.Stopped(), true
	}
	return tilt, false
}
