// Package sensor samples an analog input on a background goroutine and
// notifies a single observer of periodic value updates and of hysteresis
// threshold crossings.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/sweeney/tiltbot/internal/logic"
	"github.com/sweeney/tiltbot/internal/port"
)

var (
	// ErrInvalidThreshold is returned by SubscribeThreshold for a threshold
	// outside [0,1]. Threshold detection is cancelled before it is returned.
	ErrInvalidThreshold = errors.New("invalid sensor threshold")

	// ErrInvalidPeriod is returned by SubscribePeriodic for a negative period.
	ErrInvalidPeriod = errors.New("invalid update period")
)

// Stats counts sampling activity since the channel was created.
type Stats struct {
	Samples     uint64
	ValueEvents uint64
	Rising      uint64
	Falling     uint64
	ReadErrors  uint64
	Disabled    uint64
}

// Option configures a Channel.
type Option func(*Channel)

// WithClock sets the clock used for periodic updates and event times.
func WithClock(clk clock.Clock) Option {
	return func(c *Channel) { c.clock = clk }
}

// WithLogger sets the channel's logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithGuardBand sets the hysteresis band used by SubscribeThreshold.
func WithGuardBand(guard float64) Option {
	return func(c *Channel) { c.guard = guard }
}

// Channel owns an analog input. A sampling goroutine runs exactly while an
// observer is registered.
type Channel struct {
	name   string
	in     port.AnalogInput
	clock  clock.Clock
	logger *zap.SugaredLogger
	guard  float64

	last    *atomic.Float64
	running atomic.Bool

	samples     atomic.Uint64
	valueEvents atomic.Uint64
	rising      atomic.Uint64
	falling     atomic.Uint64
	readErrors  atomic.Uint64
	disabled    atomic.Uint64

	// lifecycle serializes starting and joining the goroutine.
	lifecycle sync.Mutex

	mu         sync.Mutex
	observer   Observer
	periodic   bool
	period     time.Duration
	lastNotify time.Time
	detector   *logic.EdgeDetector
	mask       logic.EdgeMask
	cancel     context.CancelFunc
	done       chan struct{}
	stopping   bool
	// gen counts observer registrations. A read failure only disables the
	// channel if no observer was registered while the read was in flight.
	gen uint64
}

// NewChannel wraps in. Sampling does not start until SetObserver.
func NewChannel(name string, in port.AnalogInput, opts ...Option) *Channel {
	c := &Channel{
		name:  name,
		in:    in,
		clock: clock.New(),
		guard: logic.DefaultGuardBand,
		last:  atomic.NewFloat64(math.NaN()),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	c.logger = c.logger.With("channel", name)
	return c
}

// Name returns the channel's name.
func (c *Channel) Name() string {
	return c.name
}

// SetObserver registers obs and starts sampling if needed. A nil observer
// stops sampling and blocks until the goroutine has exited; subscriptions are
// kept.
func (c *Channel) SetObserver(obs Observer) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if obs == nil {
		c.stop()
		return
	}

	c.mu.Lock()
	c.observer = obs
	c.gen++
	done, stopping := c.done, c.stopping
	c.mu.Unlock()

	if done != nil {
		if !stopping {
			return
		}
		// The previous goroutine disabled itself; wait for it to finish.
		<-done
	}
	c.start()
}

// RemoveObserver clears the observer and every subscription, then blocks
// until the sampling goroutine has exited.
func (c *Channel) RemoveObserver() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	c.clearSubscriptionsLocked()
	c.mu.Unlock()
	c.stop()
}

// SubscribePeriodic asks for a value event at most once per period. A zero
// period notifies on every sample.
func (c *Channel) SubscribePeriodic(period time.Duration) error {
	if period < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPeriod, period)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.periodic = true
	c.period = period
	c.lastNotify = time.Time{}
	return nil
}

// UnsubscribePeriodic stops value events.
func (c *Channel) UnsubscribePeriodic() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.periodic = false
}

// SubscribeThreshold replaces threshold detection with a detector around
// threshold reporting the edges in mask. An empty mask cancels detection.
// When both edges are requested the initial state follows the last sampled
// value, or low if there is none.
func (c *Channel) SubscribeThreshold(threshold float64, mask logic.EdgeMask) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.detector = nil
	c.mask = logic.MaskNone
	if mask == logic.MaskNone {
		return nil
	}
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}

	initialHigh := false
	if v := c.last.Load(); !math.IsNaN(v) {
		initialHigh = v >= threshold
	}
	d, err := logic.ThresholdDetector(threshold, c.guard, mask, initialHigh)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, err)
	}
	c.detector = d
	c.mask = mask
	c.logger.Debugw("threshold subscribed", "threshold", threshold, "mask", mask)
	return nil
}

// Threshold returns the active detector band and mask. ok is false when
// detection is off.
func (c *Channel) Threshold() (low, high float64, mask logic.EdgeMask, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detector == nil {
		return 0, 0, logic.MaskNone, false
	}
	low, high = c.detector.Thresholds()
	return low, high, c.mask, true
}

// LastValue returns the most recent sample. ok is false until a sample has
// been read.
func (c *Channel) LastValue() (float64, bool) {
	v := c.last.Load()
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Running reports whether the sampling goroutine is alive.
func (c *Channel) Running() bool {
	return c.running.Load()
}

// Stats returns the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Samples:     c.samples.Load(),
		ValueEvents: c.valueEvents.Load(),
		Rising:      c.rising.Load(),
		Falling:     c.falling.Load(),
		ReadErrors:  c.readErrors.Load(),
		Disabled:    c.disabled.Load(),
	}
}

// Close stops sampling and releases the input.
func (c *Channel) Close() error {
	c.RemoveObserver()
	if err := c.in.Close(); err != nil {
		return fmt.Errorf("close channel %s: %w", c.name, err)
	}
	return nil
}

// start launches the goroutine. Caller holds lifecycle.
func (c *Channel) start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.stopping = false
	c.mu.Unlock()

	c.running.Store(true)
	go c.run(ctx, done)
	c.logger.Debugw("sampling started")
}

// stop clears the observer, cancels the goroutine and joins it. Caller holds
// lifecycle.
func (c *Channel) stop() {
	c.mu.Lock()
	c.observer = nil
	c.stopping = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done

	c.mu.Lock()
	if c.done == done {
		c.cancel = nil
		c.done = nil
	}
	c.mu.Unlock()
	c.logger.Debugw("sampling stopped")
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.running.Store(false)
		close(done)
	}()

	for {
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()

		v, err := c.in.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			switch {
			case errors.Is(err, port.ErrConnectionLost):
				if c.disable(gen, err) {
					return
				}
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				// Interrupted wait, no sample.
			default:
				c.readErrors.Inc()
				c.logger.Warnw("sensor read failed", "error", err)
			}
			continue
		}
		c.handle(v)
	}
}

func (c *Channel) handle(v float64) {
	now := c.clock.Now()
	c.last.Store(v)

	var events []Event

	c.mu.Lock()
	obs := c.observer
	if c.periodic && (c.period == 0 || c.lastNotify.IsZero() || now.Sub(c.lastNotify) >= c.period) {
		c.lastNotify = now
		events = append(events, Event{Channel: c.name, Kind: KindValue, Value: v, Time: now})
	}
	if c.detector != nil {
		if e := c.detector.Observe(v); e != logic.EdgeNone && c.mask.Has(e) {
			events = append(events, Event{Channel: c.name, Kind: KindThreshold, Value: v, Edge: e, Time: now})
		}
	}
	c.mu.Unlock()

	for _, ev := range events {
		switch {
		case ev.Kind == KindValue:
			c.valueEvents.Inc()
		case ev.Edge == logic.EdgeRising:
			c.rising.Inc()
		default:
			c.falling.Inc()
		}
		if obs != nil {
			obs.Notify(ev)
		}
	}
	c.samples.Inc()
}

// disable drops the observer and every subscription after the input is
// gone. The channel can be restarted with SetObserver once the link is back.
// It returns false, leaving the channel running, when an observer was
// registered after the failed read started; the next read decides.
func (c *Channel) disable(gen uint64, err error) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.logger.Debugw("observer registered during failed read, retrying", "error", err)
		return false
	}
	c.observer = nil
	c.stopping = true
	c.clearSubscriptionsLocked()
	c.mu.Unlock()

	c.disabled.Inc()
	c.logger.Warnw("sensor disabled", "error", err)
	return true
}

func (c *Channel) clearSubscriptionsLocked() {
	c.periodic = false
	c.period = 0
	c.detector = nil
	c.mask = logic.MaskNone
}
