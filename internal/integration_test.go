package internal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/sweeney/tiltbot/internal/mqtt"
	"github.com/sweeney/tiltbot/internal/port"
	"github.com/sweeney/tiltbot/internal/robot"
	"github.com/sweeney/tiltbot/internal/sensor"
	"github.com/sweeney/tiltbot/internal/status"
	"github.com/sweeney/tiltbot/internal/web"
)

// stack is a robot on a fake board with the HTTP API in front and threshold
// events forwarded to a fake publisher.
type stack struct {
	robot     *robot.Robot
	port      *port.FakePort
	publisher *mqtt.FakePublisher
	tracker   *status.Tracker
	ts        *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	r, err := robot.New(robot.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("robot: %v", err)
	}
	p := port.NewFakePort()
	if err := r.Connect(p); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { r.Disconnect() })

	pub := mqtt.NewFakePublisher()
	obs := sensor.NewChanObserver(64)
	unsubscribe := r.Subscribe(obs)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-obs.C:
				if e.Kind == sensor.KindThreshold {
					pub.Publish(e)
				}
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		unsubscribe()
	})

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC))
	tr := status.NewTracker(mock, status.Config{ControlMs: 100, UpdateMs: 100})

	srv := web.New(":0", tr, r, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &stack{robot: r, port: p, publisher: pub, tracker: tr, ts: ts}
}

func (s *stack) post(t *testing.T, path, body string) int {
	t.Helper()
	resp, err := http.Post(s.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func (s *stack) status(t *testing.T) status.StatusInner {
	t.Helper()
	s.tracker.Update(s.robot.State())
	resp, err := http.Get(s.ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return sj.Status
}

// feed delivers v to the encoder and waits until the robot has sampled it.
func (s *stack) feed(t *testing.T, v float64) {
	t.Helper()
	before := s.robot.State().Sensor.Samples
	s.port.Analog(port.PinTiltEncoder).Feed(v)
	waitFor(t, "encoder sample", func() bool { return s.robot.State().Sensor.Samples > before })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestIntegrationThresholdToMQTT subscribes through the API and checks the
// published MQTT payloads for a crossing in each direction.
func TestIntegrationThresholdToMQTT(t *testing.T) {
	s := newStack(t)
	s.feed(t, 0.30)

	if code := s.post(t, "/api/threshold", `{"value":0.4,"mask":"both"}`); code != http.StatusOK {
		t.Fatalf("threshold: got status %d", code)
	}

	s.feed(t, 0.38)
	s.feed(t, 0.45)
	waitFor(t, "rising event", func() bool { return s.publisher.EventCount() == 1 })
	s.feed(t, 0.35)
	waitFor(t, "falling event", func() bool { return s.publisher.EventCount() == 2 })

	var edges []string
	for _, raw := range s.publisher.Payloads {
		var p mqtt.Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("invalid payload %s: %v", raw, err)
		}
		edges = append(edges, p.Tilt.Event)
	}
	if len(edges) != 2 || edges[0] != "RISING" || edges[1] != "FALLING" {
		t.Errorf("edges: got %v, want [RISING FALLING]", edges)
	}

	st := s.status(t)
	if st.Tilt.Threshold == nil || st.Tilt.Threshold.Value != 0.4 || st.Tilt.Threshold.Mask != "both" {
		t.Errorf("threshold in status: got %+v", st.Tilt.Threshold)
	}
	if st.Tilt.LastEdge != "FALLING" {
		t.Errorf("last edge: got %q", st.Tilt.LastEdge)
	}
}

// TestIntegrationRisingOnlyMask checks that a rising-only subscription never
// publishes a falling edge.
func TestIntegrationRisingOnlyMask(t *testing.T) {
	s := newStack(t)
	s.feed(t, 0.45)

	if code := s.post(t, "/api/threshold", `{"value":0.4,"mask":"rising"}`); code != http.StatusOK {
		t.Fatalf("threshold: got status %d", code)
	}
	s.feed(t, 0.35)
	s.feed(t, 0.42)
	waitFor(t, "rising event", func() bool { return s.publisher.EventCount() == 1 })
	s.feed(t, 0.30)

	if got := s.publisher.EventCount(); got != 1 {
		t.Errorf("expected exactly one event, got %d", got)
	}
}

// TestIntegrationSoftLimit drives the tilt towards the lower limit and checks
// the command is held while the position is past it.
func TestIntegrationSoftLimit(t *testing.T) {
	s := newStack(t)
	tiltPos := s.port.PWM(port.PinTiltPositive)

	if code := s.post(t, "/api/tilt", `{"level":5}`); code != http.StatusOK {
		t.Fatalf("tilt: got status %d", code)
	}

	s.feed(t, 0.35)
	if err := s.robot.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if tiltPos.Last() <= 0 {
		t.Fatal("expected tilt driven inside the limits")
	}

	s.feed(t, 0.25)
	if err := s.robot.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if tiltPos.Last() != 0 {
		t.Errorf("expected tilt stopped past the lower limit, got %v", tiltPos.Last())
	}
	st := s.status(t)
	if !st.Tilt.Clamped || st.Tilt.Held != 5 || st.Tilt.Applied != 0 {
		t.Errorf("tilt status: got %+v", st.Tilt)
	}

	// moving away from the limit is always allowed
	if code := s.post(t, "/api/tilt", `{"level":-3}`); code != http.StatusOK {
		t.Fatalf("tilt: got status %d", code)
	}
	if err := s.robot.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if s.port.PWM(port.PinTiltReverse).Last() <= 0 {
		t.Error("expected reverse tilt applied at the lower limit")
	}
}

// TestIntegrationConnectionLoss checks the API reports the lost board and
// publishing failures stay contained.
func TestIntegrationConnectionLoss(t *testing.T) {
	s := newStack(t)
	s.publisher.PublishError = errors.New("broker down")
	s.feed(t, 0.30)

	if code := s.post(t, "/api/threshold", `{"value":0.4,"mask":"both"}`); code != http.StatusOK {
		t.Fatalf("threshold: got status %d", code)
	}
	s.feed(t, 0.45)

	s.port.Disconnect()
	err := s.robot.Cycle(context.Background())
	for err == nil {
		time.Sleep(2 * time.Millisecond)
		err = s.robot.Cycle(context.Background())
	}
	if !errors.Is(err, port.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}

	if code := s.post(t, "/api/drive", `{"left":3,"right":3}`); code != http.StatusServiceUnavailable {
		t.Errorf("drive after loss: got status %d, want 503", code)
	}
	if st := s.status(t); st.Board != "DISCONNECTED" {
		t.Errorf("Board: got %q, want DISCONNECTED", st.Board)
	}
}
