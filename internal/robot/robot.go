// Package robot is the command surface of the robot: it opens the board,
// owns the motors, switches, tilt sensor and control loop, and reacts to
// tilt threshold crossings.
package robot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sweeney/tiltbot/internal/actuator"
	"github.com/sweeney/tiltbot/internal/control"
	"github.com/sweeney/tiltbot/internal/logic"
	"github.com/sweeney/tiltbot/internal/port"
	"github.com/sweeney/tiltbot/internal/sensor"
)

var (
	// ErrDisconnected is returned by commands while the board is not
	// connected or after the link was lost.
	ErrDisconnected = errors.New("robot not connected")

	// ErrAlreadyConnected is returned by Connect on a connected robot.
	ErrAlreadyConnected = errors.New("robot already connected")

	// ErrUnknownSwitch is returned for a switch name not in SwitchNames.
	ErrUnknownSwitch = errors.New("unknown switch")
)

// Option configures a Robot.
type Option func(*Robot)

// WithClock sets the clock handed to the tilt sensor.
func WithClock(clk clock.Clock) Option {
	return func(r *Robot) { r.clock = clk }
}

// connection holds everything opened on a board.
type connection struct {
	left, right, tilt *actuator.Motor
	switches          map[string]*actuator.Switch
	channel           *sensor.Channel
	loop              *control.Loop
}

// Robot is safe for concurrent use.
type Robot struct {
	cfg    Config
	logger *zap.SugaredLogger
	clock  clock.Clock

	connected atomic.Bool
	lastEdge  atomic.String
	lastEdgeT atomic.Time
	reactions atomic.Uint64

	mu        sync.Mutex
	conn      *connection
	heldTilt  logic.Speed
	switches  map[string]bool
	threshold *thresholdSub
	period    time.Duration

	subsMu sync.RWMutex
	subs   map[int]sensor.Observer
	nextID int
}

type thresholdSub struct {
	value float64
	mask  logic.EdgeMask
}

// New validates cfg and returns a disconnected robot.
func New(cfg Config, logger *zap.SugaredLogger, opts ...Option) (*Robot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid robot config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	switches := DefaultSwitches()
	for name, on := range cfg.Switches {
		switches[name] = on
	}
	cfg.Switches = switches

	r := &Robot{
		cfg:      cfg,
		logger:   logger,
		clock:    clock.New(),
		heldTilt: logic.NewCalibratedSpeed(0, cfg.Calibration.TiltAlpha, cfg.Calibration.Tau0),
		switches: copySwitches(switches),
		period:   cfg.UpdatePeriod,
		subs:     map[int]sensor.Observer{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the robot configuration.
func (r *Robot) Config() Config {
	return r.cfg
}

// Connect opens every peripheral on p, restores the held tilt command and
// switch states, and starts sampling the tilt encoder. The caller keeps
// ownership of p.
func (r *Robot) Connect(p port.Port) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return ErrAlreadyConnected
	}

	c := &connection{switches: map[string]*actuator.Switch{}}
	defer func() {
		if err != nil {
			err = multierr.Append(err, c.close())
		}
	}()

	pins, freq := r.cfg.Pins, r.cfg.PWMFrequency
	if c.left, err = actuator.OpenMotor(p, "left", pins.LeftPositive, pins.LeftReverse, freq, r.logger); err != nil {
		return err
	}
	if c.right, err = actuator.OpenMotor(p, "right", pins.RightPositive, pins.RightReverse, freq, r.logger); err != nil {
		return err
	}
	if c.tilt, err = actuator.OpenMotor(p, "tilt", pins.TiltPositive, pins.TiltReverse, freq, r.logger); err != nil {
		return err
	}

	switchPins := map[string]int{
		SwitchPeripheral:  pins.Peripheral,
		SwitchWheelsSleep: pins.WheelsSleep,
		SwitchTiltSleep:   pins.TiltSleep,
	}
	for _, name := range SwitchNames {
		sw, err := actuator.OpenSwitch(p, name, switchPins[name], r.switches[name], r.logger)
		if err != nil {
			return err
		}
		c.switches[name] = sw
		if err := sw.ForceSet(r.switches[name]); err != nil {
			return err
		}
	}

	in, err := p.OpenAnalogInput(pins.TiltEncoder)
	if err != nil {
		return fmt.Errorf("open tilt encoder pin %d: %w", pins.TiltEncoder, err)
	}
	c.channel = sensor.NewChannel("tilt", in,
		sensor.WithClock(r.clock),
		sensor.WithLogger(r.logger),
		sensor.WithGuardBand(r.cfg.GuardBand))

	if c.loop, err = control.NewLoop(c.left, c.right, c.tilt, c.channel, r.cfg.Limits, r.logger); err != nil {
		return err
	}
	c.loop.SetTilt(r.heldTilt)

	if err := c.channel.SubscribePeriodic(r.period); err != nil {
		return err
	}
	if t := r.threshold; t != nil {
		if err := c.channel.SubscribeThreshold(t.value, t.mask); err != nil {
			return err
		}
	}
	loop := c.loop
	c.channel.SetObserver(sensor.ObserverFunc(func(e sensor.Event) {
		r.dispatch(loop, e)
	}))

	r.conn = c
	r.connected.Store(true)
	r.logger.Infow("robot connected", "held_tilt", r.heldTilt.Level())
	return nil
}

// Disconnect stops sampling, zeroes every motor when the link still allows
// it and releases the peripherals. The held tilt command survives for the
// next Connect.
func (r *Robot) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.conn
	if c == nil {
		return nil
	}
	r.connected.Store(false)
	r.conn = nil

	// Join the sampling goroutine first so no threshold reaction can change
	// the tilt command after it is saved.
	c.channel.RemoveObserver()
	_, _, r.heldTilt = c.loop.Pending()

	for _, m := range []*actuator.Motor{c.left, c.right, c.tilt} {
		if err := m.Stop(); err != nil {
			r.logger.Debugw("stop on disconnect failed", "motor", m.Name(), "error", err)
		}
	}
	err := c.close()
	r.logger.Infow("robot disconnected", "held_tilt", r.heldTilt.Level())
	return err
}

// Connected reports whether the board is connected and the link is healthy.
func (r *Robot) Connected() bool {
	return r.connected.Load()
}

// Cycle runs one control cycle.
func (r *Robot) Cycle(ctx context.Context) error {
	c, err := r.active()
	if err != nil {
		return err
	}
	if !c.channel.Running() {
		return r.lost(fmt.Errorf("tilt sensor stopped: %w", port.ErrConnectionLost))
	}
	if err := c.loop.Cycle(ctx); err != nil {
		if errors.Is(err, port.ErrConnectionLost) {
			return r.lost(err)
		}
		return err
	}
	return nil
}

// Run cycles the control loop on every tick until ctx is done or the link is
// lost. A stopped tilt sensor ends the run since the soft limits can no
// longer be enforced.
func (r *Robot) Run(ctx context.Context, tick <-chan time.Time) error {
	if _, err := r.active(); err != nil {
		return err
	}
	return control.Run(ctx, r, tick)
}

// Drive sets both momentary drive levels for the next cycle.
func (r *Robot) Drive(left, right int) error {
	c, err := r.active()
	if err != nil {
		return err
	}
	cal := r.cfg.Calibration
	c.loop.SetDrive(
		logic.NewCalibratedSpeed(left, cal.LeftAlpha, cal.Tau0),
		logic.NewCalibratedSpeed(right, cal.RightAlpha, cal.Tau0))
	return nil
}

// SetLeft sets the momentary left drive level.
func (r *Robot) SetLeft(level int) error {
	c, err := r.active()
	if err != nil {
		return err
	}
	cal := r.cfg.Calibration
	c.loop.SetLeft(logic.NewCalibratedSpeed(level, cal.LeftAlpha, cal.Tau0))
	return nil
}

// SetRight sets the momentary right drive level.
func (r *Robot) SetRight(level int) error {
	c, err := r.active()
	if err != nil {
		return err
	}
	cal := r.cfg.Calibration
	c.loop.SetRight(logic.NewCalibratedSpeed(level, cal.RightAlpha, cal.Tau0))
	return nil
}

// SetTilt sets the held tilt level and returns the clamped level.
func (r *Robot) SetTilt(level int) (int, error) {
	return r.updateTilt(func(s *logic.Speed) { s.SetLevel(level) })
}

// IncreaseTilt steps the held tilt level up by one.
func (r *Robot) IncreaseTilt() (int, error) {
	return r.updateTilt((*logic.Speed).Increase)
}

// DecreaseTilt steps the held tilt level down by one.
func (r *Robot) DecreaseTilt() (int, error) {
	return r.updateTilt((*logic.Speed).Decrease)
}

func (r *Robot) updateTilt(fn func(*logic.Speed)) (int, error) {
	c, err := r.active()
	if err != nil {
		return 0, err
	}
	return c.loop.UpdateTilt(fn).Level(), nil
}

// SetSwitch sets a named switch. The state is remembered across reconnects.
func (r *Robot) SetSwitch(name string, on bool) error {
	if !knownSwitch(name) {
		return fmt.Errorf("%w: %q", ErrUnknownSwitch, name)
	}
	c, err := r.active()
	if err != nil {
		return err
	}
	if err := c.switches[name].Set(on); err != nil {
		if errors.Is(err, port.ErrConnectionLost) {
			return r.lost(err)
		}
		return err
	}
	r.mu.Lock()
	r.switches[name] = on
	r.mu.Unlock()
	return nil
}

// ForceSet rewrites every switch line with its cached state.
func (r *Robot) ForceSet() error {
	c, err := r.active()
	if err != nil {
		return err
	}
	var errs error
	for _, name := range SwitchNames {
		sw := c.switches[name]
		errs = multierr.Append(errs, sw.ForceSet(sw.State()))
	}
	if errors.Is(errs, port.ErrConnectionLost) {
		return r.lost(errs)
	}
	return errs
}

// SubscribeTiltThreshold replaces tilt threshold detection. An empty mask
// cancels it. The subscription is restored on reconnect.
func (r *Robot) SubscribeTiltThreshold(threshold float64, mask logic.EdgeMask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.threshold = nil
	if c := r.conn; c != nil {
		if err := c.channel.SubscribeThreshold(threshold, mask); err != nil {
			return err
		}
	} else if err := validateThreshold(threshold, mask); err != nil {
		return err
	}
	if mask != logic.MaskNone {
		r.threshold = &thresholdSub{value: threshold, mask: mask}
	}
	return nil
}

func validateThreshold(threshold float64, mask logic.EdgeMask) error {
	if mask == logic.MaskNone {
		return nil
	}
	if !(threshold >= 0 && threshold <= 1) {
		return fmt.Errorf("%w: %v", sensor.ErrInvalidThreshold, threshold)
	}
	if !mask.Valid() {
		return fmt.Errorf("%w: mask %v", sensor.ErrInvalidThreshold, mask)
	}
	return nil
}

// SubscribeTiltUpdates changes how often subscribers receive tilt values.
func (r *Robot) SubscribeTiltUpdates(period time.Duration) error {
	if period < 0 {
		return fmt.Errorf("%w: %v", sensor.ErrInvalidPeriod, period)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.period = period
	if c := r.conn; c != nil {
		return c.channel.SubscribePeriodic(period)
	}
	return nil
}

// Subscribe registers obs for tilt events. The returned function removes it
// and blocks until any delivery in progress has finished; it must not be
// called from inside obs.
func (r *Robot) Subscribe(obs sensor.Observer) (unsubscribe func()) {
	r.subsMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = obs
	r.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, id)
			r.subsMu.Unlock()
		})
	}
}

// Stop zeroes every command and applies it immediately.
func (r *Robot) Stop(ctx context.Context) error {
	c, err := r.active()
	if err != nil {
		return err
	}
	c.loop.Reset()
	return r.Cycle(ctx)
}

// Reset stops every command, returns the switches to their configured
// states and cancels threshold detection.
func (r *Robot) Reset(ctx context.Context) error {
	c, err := r.active()
	if err != nil {
		return err
	}
	c.loop.Reset()
	if err := r.SubscribeTiltThreshold(0, logic.MaskNone); err != nil {
		return err
	}
	var errs error
	for _, name := range SwitchNames {
		errs = multierr.Append(errs, r.SetSwitch(name, r.cfg.Switches[name]))
	}
	errs = multierr.Append(errs, r.Cycle(ctx))
	return errs
}

// active returns the live connection or ErrDisconnected.
func (r *Robot) active() (*connection, error) {
	if !r.connected.Load() {
		return nil, ErrDisconnected
	}
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c == nil {
		return nil, ErrDisconnected
	}
	return c, nil
}

// lost marks the link as gone. Resources stay open until Disconnect.
func (r *Robot) lost(err error) error {
	if r.connected.CompareAndSwap(true, false) {
		r.logger.Warnw("connection lost", "error", err)
	}
	return fmt.Errorf("%w: %w", ErrDisconnected, err)
}

// dispatch runs on the sampling goroutine.
func (r *Robot) dispatch(loop *control.Loop, e sensor.Event) {
	if e.Kind == sensor.KindThreshold {
		r.lastEdge.Store(e.Edge.String())
		r.lastEdgeT.Store(e.Time)
		r.react(loop, e)
	}

	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for _, obs := range r.subs {
		obs.Notify(e)
	}
}

// react stops the held tilt command when the head is moving toward the
// crossed threshold: a falling edge while raising, a rising edge while
// lowering.
func (r *Robot) react(loop *control.Loop, e sensor.Event) {
	var stopped bool
	loop.UpdateTilt(func(s *logic.Speed) {
		if (e.Edge == logic.EdgeFalling && s.Sign() > 0) || (e.Edge == logic.EdgeRising && s.Sign() < 0) {
			*s = s.Stopped()
			stopped = true
		}
	})
	if stopped {
		r.reactions.Inc()
		r.logger.Infow("tilt stopped at threshold", "edge", e.Edge, "value", e.Value)
	}
}

func (c *connection) close() error {
	var errs error
	if c.channel != nil {
		errs = multierr.Append(errs, c.channel.Close())
	}
	for _, m := range []*actuator.Motor{c.left, c.right, c.tilt} {
		if m != nil {
			errs = multierr.Append(errs, m.Close())
		}
	}
	for _, name := range SwitchNames {
		if sw := c.switches[name]; sw != nil {
			errs = multierr.Append(errs, sw.Close())
		}
	}
	return errs
}

func copySwitches(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
