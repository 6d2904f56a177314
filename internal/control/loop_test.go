package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sweeney/tiltbot/internal/actuator"
	"github.com/sweeney/tiltbot/internal/logic"
	"github.com/sweeney/tiltbot/internal/port"
)

type fakePosition struct {
	mu    sync.Mutex
	value float64
	ok    bool
}

func (p *fakePosition) Set(v float64) {
	p.mu.Lock()
	p.value, p.ok = v, true
	p.mu.Unlock()
}

func (p *fakePosition) LastValue() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.ok
}

type fixture struct {
	port              *port.FakePort
	left, right, tilt *actuator.Motor
	pos               *fakePosition
	loop              *Loop
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	p := port.NewFakePort()
	open := func(name string, pos, rev int) *actuator.Motor {
		m, err := actuator.OpenMotor(p, name, pos, rev, port.DefaultPWMFrequency, logger)
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		return m
	}
	f := &fixture{
		port:  p,
		left:  open("left", port.PinLeftWheelPositive, port.PinLeftWheelReverse),
		right: open("right", port.PinRightWheelPositive, port.PinRightWheelReverse),
		tilt:  open("tilt", port.PinTiltPositive, port.PinTiltReverse),
		pos:   &fakePosition{},
	}
	loop, err := NewLoop(f.left, f.right, f.tilt, f.pos, DefaultLimits, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.loop = loop
	return f
}

func TestLimitsValidate(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
		ok     bool
	}{
		{"reference", DefaultLimits, true},
		{"inverted", Limits{Min: 0.5, Max: 0.4}, false},
		{"equal", Limits{Min: 0.4, Max: 0.4}, false},
		{"below range", Limits{Min: -0.1, Max: 0.4}, false},
		{"above range", Limits{Min: 0.1, Max: 1.1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidLimits) {
				t.Errorf("expected ErrInvalidLimits, got %v", err)
			}
		})
	}
}

func TestCycleDriveIsMomentary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.loop.SetDrive(logic.NewSpeed(5), logic.NewSpeed(5))
	if err := f.loop.Cycle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.left.Speed().Level() != 5 || f.right.Speed().Level() != 5 {
		t.Errorf("expected both wheels at 5, got %d/%d", f.left.Speed().Level(), f.right.Speed().Level())
	}

	left, right, _ := f.loop.Pending()
	if !left.IsZero() || !right.IsZero() {
		t.Errorf("pending drive should be consumed, got %d/%d", left.Level(), right.Level())
	}

	if err := f.loop.Cycle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.left.Speed().IsZero() || !f.right.Speed().IsZero() {
		t.Errorf("expected wheels stopped on second cycle, got %d/%d", f.left.Speed().Level(), f.right.Speed().Level())
	}
}

func TestCycleKeepsDriveCalibration(t *testing.T) {
	f := newFixture(t)
	s := logic.NewCalibratedSpeed(3, 3.9, 11)
	f.loop.SetLeft(s)
	f.loop.Cycle(context.Background())

	left, _, _ := f.loop.Pending()
	if left.Alpha() != 3.9 {
		t.Errorf("expected trimmed alpha kept after reset, got %v", left.Alpha())
	}
}

func TestCycleTiltIsHeld(t *testing.T) {
	f := newFixture(t)
	f.pos.Set(0.4)
	f.loop.SetTilt(logic.NewSpeed(4))

	for i := 0; i < 3; i++ {
		if err := f.loop.Cycle(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if f.tilt.Speed().Level() != 4 {
		t.Errorf("expected tilt held at 4, got %d", f.tilt.Speed().Level())
	}
	if n := len(f.port.PWM(port.PinTiltPositive).Writes()); n != 1 {
		t.Errorf("expected a single tilt write, got %d", n)
	}
}

func TestCycleClampsRaisingAtMin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.loop.SetTilt(logic.NewSpeed(4))

	f.pos.Set(0.30)
	f.loop.Cycle(ctx)
	if f.tilt.Speed().Level() != 4 {
		t.Fatalf("expected tilt applied above min, got %d", f.tilt.Speed().Level())
	}

	f.pos.Set(0.26)
	f.loop.Cycle(ctx)
	if !f.tilt.Speed().IsZero() {
		t.Errorf("expected tilt cut at min, got %d", f.tilt.Speed().Level())
	}
	if f.port.PWM(port.PinTiltPositive).Last() != 0 {
		t.Error("expected positive tilt pin at 0 width")
	}

	_, _, pending := f.loop.Pending()
	if pending.Level() != 4 {
		t.Errorf("clamp must not change the pending command, got %d", pending.Level())
	}
	if s := f.loop.Stats(); s.Clamps != 1 || !s.Clamped {
		t.Errorf("unexpected stats: %+v", s)
	}

	// Lowering away from the limit is allowed.
	f.loop.SetTilt(logic.NewSpeed(-4))
	f.loop.Cycle(ctx)
	if f.tilt.Speed().Level() != -4 {
		t.Errorf("expected lowering allowed at min, got %d", f.tilt.Speed().Level())
	}
	if f.loop.Stats().Clamped {
		t.Error("expected clamp released")
	}
}

func TestCycleClampsLoweringAtMax(t *testing.T) {
	f := newFixture(t)
	f.loop.SetTilt(logic.NewSpeed(-7))
	f.pos.Set(0.50)

	f.loop.Cycle(context.Background())
	if !f.tilt.Speed().IsZero() {
		t.Errorf("expected tilt cut beyond max, got %d", f.tilt.Speed().Level())
	}

	f.loop.SetTilt(logic.NewSpeed(7))
	f.loop.Cycle(context.Background())
	if f.tilt.Speed().Level() != 7 {
		t.Errorf("expected raising allowed at max, got %d", f.tilt.Speed().Level())
	}
}

func TestCycleWithoutPositionSkipsClamp(t *testing.T) {
	f := newFixture(t)
	f.loop.SetTilt(logic.NewSpeed(2))

	f.loop.Cycle(context.Background())
	if f.tilt.Speed().Level() != 2 {
		t.Errorf("expected tilt applied without a position, got %d", f.tilt.Speed().Level())
	}
}

func TestCycleConnectionLost(t *testing.T) {
	f := newFixture(t)
	f.loop.SetDrive(logic.NewSpeed(1), logic.NewSpeed(1))
	f.port.Disconnect()

	err := f.loop.Cycle(context.Background())
	if !errors.Is(err, port.ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost, got %v", err)
	}
}

func TestCycleCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.loop.Cycle(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if f.loop.Stats().Cycles != 0 {
		t.Error("cancelled cycle should not run")
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.loop.SetDrive(logic.NewSpeed(3), logic.NewSpeed(-3))
	f.loop.SetTilt(logic.NewSpeed(6))

	f.loop.Reset()

	left, right, tilt := f.loop.Pending()
	if !left.IsZero() || !right.IsZero() || !tilt.IsZero() {
		t.Errorf("expected all pending stopped, got %d/%d/%d", left.Level(), right.Level(), tilt.Level())
	}
}

func TestUpdateTilt(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 12; i++ {
		f.loop.UpdateTilt((*logic.Speed).Increase)
	}
	_, _, tilt := f.loop.Pending()
	if tilt.Level() != logic.MaxLevel {
		t.Errorf("expected tilt clamped at %d, got %d", logic.MaxLevel, tilt.Level())
	}
}

func TestNewLoopRejectsLimits(t *testing.T) {
	f := newFixture(t)
	if _, err := NewLoop(f.left, f.right, f.tilt, f.pos, Limits{Min: 0.5, Max: 0.2}, nil); !errors.Is(err, ErrInvalidLimits) {
		t.Errorf("expected ErrInvalidLimits, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	tick := make(chan time.Time)
	errc := make(chan error, 1)

	go func() { errc <- Run(ctx, f.loop, tick) }()

	f.loop.SetDrive(logic.NewSpeed(2), logic.NewSpeed(2))
	tick <- time.Now()
	tick <- time.Now()
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if f.loop.Stats().Cycles < 1 {
		t.Error("expected at least one cycle")
	}
}

func TestRunReturnsCycleError(t *testing.T) {
	f := newFixture(t)
	tick := make(chan time.Time, 1)
	f.loop.SetTilt(logic.NewSpeed(3))
	f.port.Disconnect()
	tick <- time.Now()

	err := Run(context.Background(), f.loop, tick)
	if !errors.Is(err, port.ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost, got %v", err)
	}
}

// readHook is a position source that calls fn on every read.
type readHook struct {
	value float64
	fn    func()
}

func (p *readHook) LastValue() (float64, bool) {
	p.fn()
	return p.value, true
}

func TestCycleReadsPositionAfterDrive(t *testing.T) {
	f := newFixture(t)
	var leftAtRead, rightAtRead float64
	pos := &readHook{value: 0.4, fn: func() {
		leftAtRead = f.port.PWM(port.PinLeftWheelPositive).Last()
		rightAtRead = f.port.PWM(port.PinRightWheelReverse).Last()
	}}
	loop, err := NewLoop(f.left, f.right, f.tilt, pos, DefaultLimits, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loop.SetDrive(logic.NewSpeed(5), logic.NewSpeed(-5))
	loop.SetTilt(logic.NewSpeed(2))
	if err := loop.Cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if leftAtRead <= 0 || rightAtRead <= 0 {
		t.Errorf("drive should be written before the position read, got left=%v right=%v", leftAtRead, rightAtRead)
	}
	if f.tilt.Speed().Level() != 2 {
		t.Errorf("tilt: got %d, want 2", f.tilt.Speed().Level())
	}
}
