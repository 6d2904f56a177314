// Package actuator drives the robot's outputs: bidirectional PWM motors and
// inverted on/off switches. Both cache the last applied state and skip writes
// that would not change it.
package actuator

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sweeney/tiltbot/internal/logic"
	"github.com/sweeney/tiltbot/internal/port"
)

// Motor is a DC motor behind an H-bridge with one PWM input per direction.
type Motor struct {
	name     string
	positive port.PWMOutput
	reverse  port.PWMOutput
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	current logic.Speed
}

// NewMotor wraps already opened outputs. The motor is assumed stopped.
func NewMotor(name string, positive, reverse port.PWMOutput, logger *zap.SugaredLogger) *Motor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Motor{
		name:     name,
		positive: positive,
		reverse:  reverse,
		logger:   logger.With("motor", name),
	}
}

// OpenMotor opens both PWM pins on p.
func OpenMotor(p port.Port, name string, positivePin, reversePin, freqHz int, logger *zap.SugaredLogger) (*Motor, error) {
	pos, err := p.OpenPWMOutput(positivePin, freqHz)
	if err != nil {
		return nil, fmt.Errorf("open motor %s positive pin %d: %w", name, positivePin, err)
	}
	rev, err := p.OpenPWMOutput(reversePin, freqHz)
	if err != nil {
		pos.Close()
		return nil, fmt.Errorf("open motor %s reverse pin %d: %w", name, reversePin, err)
	}
	return NewMotor(name, pos, rev, logger), nil
}

// Name returns the motor's name.
func (m *Motor) Name() string {
	return m.name
}

// SetSpeed applies s unless it equals the current command. The side that
// ends up at zero is written first so both inputs are never driven at once.
// On failure the current command is left unchanged and the next SetSpeed
// retries the full write.
func (m *Motor) SetSpeed(s logic.Speed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Equal(m.current) {
		return nil
	}

	first, firstW := m.positive, s.PositiveWidth()
	second, secondW := m.reverse, s.ReverseWidth()
	if s.Sign() > 0 {
		first, firstW, second, secondW = second, secondW, first, firstW
	}

	if err := first.SetPulseWidth(firstW); err != nil {
		return fmt.Errorf("motor %s: %w", m.name, err)
	}
	if err := second.SetPulseWidth(secondW); err != nil {
		return fmt.Errorf("motor %s: %w", m.name, err)
	}

	m.logger.Debugw("speed applied", "level", s.Level(), "width_us", s.PulseWidth())
	m.current = s
	return nil
}

// Stop applies a zero command.
func (m *Motor) Stop() error {
	return m.SetSpeed(m.Speed().Stopped())
}

// Speed returns the last successfully applied command.
func (m *Motor) Speed() logic.Speed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close releases both outputs.
func (m *Motor) Close() error {
	return multierr.Combine(m.positive.Close(), m.reverse.Close())
}
