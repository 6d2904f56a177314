package port

import (
	"context"
	"fmt"
	"sync"
)

// FakePort is a test double that records every write and serves analog
// samples fed by the test. All peripherals fail with ErrConnectionLost after
// Disconnect.
type FakePort struct {
	mu sync.Mutex

	analogs  map[int]*FakeAnalogInput
	pwms     map[int]*FakePWMOutput
	digitals map[int]*FakeDigitalOutput

	// lost is closed on Disconnect to wake blocked readers.
	lost         chan struct{}
	disconnected bool

	// OpenError, if set, is returned by every Open* call.
	OpenError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakePort creates an empty, connected FakePort.
func NewFakePort() *FakePort {
	return &FakePort{
		analogs:  map[int]*FakeAnalogInput{},
		pwms:     map[int]*FakePWMOutput{},
		digitals: map[int]*FakeDigitalOutput{},
		lost:     make(chan struct{}),
	}
}

// Analog returns the fake analog input for pin, creating it if needed.
func (p *FakePort) Analog(pin int) *FakeAnalogInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.analogLocked(pin)
}

func (p *FakePort) analogLocked(pin int) *FakeAnalogInput {
	a, ok := p.analogs[pin]
	if !ok {
		a = &FakeAnalogInput{Pin: pin, port: p, samples: make(chan float64, 64)}
		p.analogs[pin] = a
	}
	return a
}

// PWM returns the fake PWM output for pin, or nil if it was never opened.
func (p *FakePort) PWM(pin int) *FakePWMOutput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pwms[pin]
}

// Digital returns the fake digital output for pin, or nil if it was never
// opened.
func (p *FakePort) Digital(pin int) *FakeDigitalOutput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.digitals[pin]
}

// OpenAnalogInput returns the fake analog input for pin.
func (p *FakePort) OpenAnalogInput(pin int) (AnalogInput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.openErrLocked(); err != nil {
		return nil, err
	}
	return p.analogLocked(pin), nil
}

// OpenPWMOutput opens (or reopens) a recording PWM output.
func (p *FakePort) OpenPWMOutput(pin int, freqHz int) (PWMOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.openErrLocked(); err != nil {
		return nil, err
	}
	o := &FakePWMOutput{Pin: pin, FreqHz: freqHz, port: p}
	p.pwms[pin] = o
	return o, nil
}

// OpenDigitalOutput opens (or reopens) a recording digital output.
func (p *FakePort) OpenDigitalOutput(pin int, level bool) (DigitalOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.openErrLocked(); err != nil {
		return nil, err
	}
	o := &FakeDigitalOutput{Pin: pin, Initial: level, level: level, port: p}
	p.digitals[pin] = o
	return o, nil
}

func (p *FakePort) openErrLocked() error {
	if p.OpenError != nil {
		return p.OpenError
	}
	if p.disconnected {
		return fmt.Errorf("open: %w", ErrConnectionLost)
	}
	return nil
}

// Disconnect simulates losing the link to the board.
func (p *FakePort) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.disconnected {
		p.disconnected = true
		close(p.lost)
	}
}

// Reconnect restores the link. Previously opened peripherals work again.
func (p *FakePort) Reconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		p.disconnected = false
		p.lost = make(chan struct{})
	}
}

func (p *FakePort) linkState() (bool, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected, p.lost
}

// Close marks the port as closed.
func (p *FakePort) Close() error {
	p.mu.Lock()
	p.Closed = true
	p.mu.Unlock()
	return nil
}

// FakeAnalogInput serves samples pushed with Feed.
type FakeAnalogInput struct {
	Pin     int
	port    *FakePort
	samples chan float64

	mu     sync.Mutex
	reads  int
	closed bool
}

// Feed queues a sample, blocking if the queue is full.
func (a *FakeAnalogInput) Feed(v float64) {
	a.samples <- v
}

// TryFeed queues a sample without blocking. Returns false if the queue is
// full.
func (a *FakeAnalogInput) TryFeed(v float64) bool {
	select {
	case a.samples <- v:
		return true
	default:
		return false
	}
}

// Read returns the next fed sample.
func (a *FakeAnalogInput) Read(ctx context.Context) (float64, error) {
	disconnected, lost := a.port.linkState()
	if disconnected {
		return 0, fmt.Errorf("read analog pin %d: %w", a.Pin, ErrConnectionLost)
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-lost:
		return 0, fmt.Errorf("read analog pin %d: %w", a.Pin, ErrConnectionLost)
	case v := <-a.samples:
		a.mu.Lock()
		a.reads++
		a.mu.Unlock()
		return v, nil
	}
}

// Reads returns how many samples were consumed.
func (a *FakeAnalogInput) Reads() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reads
}

// Close marks the input as closed.
func (a *FakeAnalogInput) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

// Closed tracks if Close was called.
func (a *FakeAnalogInput) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// FakePWMOutput records every pulse width written.
type FakePWMOutput struct {
	Pin    int
	FreqHz int
	port   *FakePort

	mu     sync.Mutex
	widths []float64
	err    error
	closed bool
}

// SetPulseWidth records the width.
func (o *FakePWMOutput) SetPulseWidth(micros float64) error {
	if disconnected, _ := o.port.linkState(); disconnected {
		return fmt.Errorf("set pwm pin %d: %w", o.Pin, ErrConnectionLost)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.widths = append(o.widths, micros)
	return nil
}

// SetError makes every following write fail with err (nil clears it).
func (o *FakePWMOutput) SetError(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

// Writes returns a copy of all recorded widths.
func (o *FakePWMOutput) Writes() []float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]float64(nil), o.widths...)
}

// Last returns the most recent width, or 0 if nothing was written.
func (o *FakePWMOutput) Last() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.widths) == 0 {
		return 0
	}
	return o.widths[len(o.widths)-1]
}

// Close marks the output as closed.
func (o *FakePWMOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

// Closed tracks if Close was called.
func (o *FakePWMOutput) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// FakeDigitalOutput records every physical level written. The level passed
// at open time is kept in Initial and is not counted as a write.
type FakeDigitalOutput struct {
	Pin     int
	Initial bool
	port    *FakePort

	mu     sync.Mutex
	level  bool
	writes []bool
	closed bool
}

// Write records the level.
func (o *FakeDigitalOutput) Write(level bool) error {
	if disconnected, _ := o.port.linkState(); disconnected {
		return fmt.Errorf("write digital pin %d: %w", o.Pin, ErrConnectionLost)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.level = level
	o.writes = append(o.writes, level)
	return nil
}

// Level returns the current physical level.
func (o *FakeDigitalOutput) Level() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.level
}

// Writes returns a copy of all recorded levels.
func (o *FakeDigitalOutput) Writes() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.writes...)
}

// Close marks the output as closed.
func (o *FakeDigitalOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

// Closed tracks if Close was called.
func (o *FakeDigitalOutput) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
