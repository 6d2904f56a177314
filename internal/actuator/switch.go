package actuator

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sweeney/tiltbot/internal/port"
)

// Switch is an active-low on/off output: logical on drives the line low.
type Switch struct {
	name   string
	out    port.DigitalOutput
	logger *zap.SugaredLogger

	mu    sync.Mutex
	state bool
}

// NewSwitch wraps an output already driven to the physical level matching
// state.
func NewSwitch(name string, out port.DigitalOutput, state bool, logger *zap.SugaredLogger) *Switch {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Switch{
		name:   name,
		out:    out,
		state:  state,
		logger: logger.With("switch", name),
	}
}

// OpenSwitch opens pin on p in the given logical state.
func OpenSwitch(p port.Port, name string, pin int, state bool, logger *zap.SugaredLogger) (*Switch, error) {
	out, err := p.OpenDigitalOutput(pin, !state)
	if err != nil {
		return nil, fmt.Errorf("open switch %s pin %d: %w", name, pin, err)
	}
	return NewSwitch(name, out, state, logger), nil
}

// Name returns the switch's name.
func (s *Switch) Name() string {
	return s.name
}

// Set writes the line only if on differs from the cached state.
func (s *Switch) Set(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on == s.state {
		return nil
	}
	return s.writeLocked(on)
}

// ForceSet writes the line unconditionally.
func (s *Switch) ForceSet(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(on)
}

func (s *Switch) writeLocked(on bool) error {
	if err := s.out.Write(!on); err != nil {
		return fmt.Errorf("switch %s: %w", s.name, err)
	}
	s.state = on
	s.logger.Debugw("switch set", "on", on)
	return nil
}

// State returns the cached logical state.
func (s *Switch) State() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close releases the output.
func (s *Switch) Close() error {
	return s.out.Close()
}
