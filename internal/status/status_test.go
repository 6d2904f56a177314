package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sweeney/tiltbot/internal/control"
	"github.com/sweeney/tiltbot/internal/robot"
	"github.com/sweeney/tiltbot/internal/sensor"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newMockClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(start)
	return mock
}

func connectedState() robot.State {
	return robot.State{
		Connected:  true,
		Left:       3,
		Right:      -3,
		Tilt:       0,
		HeldTilt:   4,
		Clamped:    true,
		Position:   0.26,
		PositionOK: true,
		Limits:     control.DefaultLimits,
		Switches:   map[string]bool{robot.SwitchPeripheral: true},
		Threshold:  &robot.Threshold{Value: 0.3, Mask: "falling"},
		LastEdge:   "FALLING",
		LastEdgeAt: start.Add(time.Minute),
		Reactions:  1,
		Loop:       control.Stats{Cycles: 600, Clamps: 12, Clamped: true},
		Sensor:     sensor.Stats{Samples: 3000, Falling: 1},
	}
}

func TestNewTracker(t *testing.T) {
	cfg := Config{ControlMs: 100, UpdateMs: 100, Broker: "tcp://localhost:1883", HTTPPort: ":80"}
	tr := NewTracker(newMockClock(), cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.ControlMs != 100 {
		t.Errorf("Config.ControlMs: got %d, want 100", snap.Config.ControlMs)
	}
	if snap.Config.HTTPPort != ":80" {
		t.Errorf("Config.HTTPPort: got %q, want %q", snap.Config.HTTPPort, ":80")
	}
	if snap.Robot.Connected {
		t.Error("expected robot disconnected initially")
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
}

func TestUpdateAndSnapshot(t *testing.T) {
	tr := NewTracker(newMockClock(), Config{})

	tr.Update(connectedState())
	tr.IncReconnects()

	snap := tr.Snapshot()
	if !snap.Robot.Connected {
		t.Error("expected connected")
	}
	if snap.Robot.HeldTilt != 4 {
		t.Errorf("HeldTilt: got %d, want 4", snap.Robot.HeldTilt)
	}
	if snap.Reconnects != 1 {
		t.Errorf("Reconnects: got %d, want 1", snap.Reconnects)
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(nil, Config{})

	tr.SetMQTTConnected(true)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}

	tr.SetMQTTConnected(false)
	if tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
}

func TestSetNetwork(t *testing.T) {
	tr := NewTracker(nil, Config{})

	if tr.Snapshot().Network != nil {
		t.Error("expected nil Network initially")
	}

	tr.SetNetwork(&NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected"})

	snap := tr.Snapshot()
	if snap.Network == nil {
		t.Fatal("expected non-nil Network")
	}
	if snap.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want %q", snap.Network.IP, "192.168.1.42")
	}
}

func TestSnapshotNowFollowsClock(t *testing.T) {
	mock := newMockClock()
	tr := NewTracker(mock, Config{})

	mock.Add(15 * time.Minute)
	snap := tr.Snapshot()

	if snap.Uptime() != 15*time.Minute {
		t.Errorf("Uptime: got %v, want 15m", snap.Uptime())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(nil, Config{})
	tr.Update(connectedState())

	snap1 := tr.Snapshot()
	snap1.Robot.Switches[robot.SwitchPeripheral] = false

	if !tr.Snapshot().Robot.Switches[robot.SwitchPeripheral] {
		t.Error("snapshot should be a copy; switch map was shared")
	}
}

func TestFormatJSON(t *testing.T) {
	snap := Snapshot{
		Robot:         connectedState(),
		StartTime:     start,
		Now:           start.Add(15 * time.Minute),
		MQTTConnected: true,
		Config:        Config{ControlMs: 100, UpdateMs: 100, HeartbeatMs: 900000, Broker: "tcp://localhost:1883", HTTPPort: ":80"},
	}

	data := FormatJSON(snap)

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	s := parsed.Status
	if s.Board != "CONNECTED" {
		t.Errorf("Board: got %q, want CONNECTED", s.Board)
	}
	if s.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", s.UptimeSeconds)
	}
	if s.Drive.Left != 3 || s.Drive.Right != -3 {
		t.Errorf("Drive: got %+v", s.Drive)
	}
	if s.Tilt.Position == nil || *s.Tilt.Position != 0.26 {
		t.Errorf("Tilt.Position: got %v, want 0.26", s.Tilt.Position)
	}
	if !s.Tilt.Clamped || s.Tilt.Held != 4 {
		t.Errorf("Tilt: got %+v", s.Tilt)
	}
	if s.Tilt.Threshold == nil || s.Tilt.Threshold.Mask != "falling" {
		t.Errorf("Tilt.Threshold: got %+v", s.Tilt.Threshold)
	}
	if !s.Switches.Peripheral || s.Switches.TiltSleep {
		t.Errorf("Switches: got %+v", s.Switches)
	}
	if s.Counts.Cycles != 600 || s.Counts.Clamps != 12 || s.Counts.Falling != 1 {
		t.Errorf("Counts: got %+v", s.Counts)
	}
	if !s.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	// Event and Reason should be omitted
	if s.Event != "" || s.Reason != "" {
		t.Errorf("expected empty event/reason for web format, got %q/%q", s.Event, s.Reason)
	}
}

func TestFormatJSONDisconnected(t *testing.T) {
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(time.Second),
	}

	var raw map[string]map[string]interface{}
	if err := json.Unmarshal(FormatJSON(snap), &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	status := raw["status"]
	if status["board"] != "DISCONNECTED" {
		t.Errorf("board: got %v, want DISCONNECTED", status["board"])
	}
	tilt := status["tilt"].(map[string]interface{})
	if tilt["position"] != nil {
		t.Errorf("position should be null without a sample, got %v", tilt["position"])
	}
	if _, exists := tilt["threshold"]; exists {
		t.Error("threshold should be omitted when off")
	}
}

func TestFormatStatusEvent(t *testing.T) {
	snap := Snapshot{
		Robot:     connectedState(),
		StartTime: start,
		Now:       start.Add(15 * time.Minute),
		Config:    Config{Broker: "tcp://localhost:1883"},
	}

	data := FormatStatusEvent(snap, "HEARTBEAT", "")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "HEARTBEAT" {
		t.Errorf("Event: got %q, want HEARTBEAT", parsed.Status.Event)
	}
	if parsed.Status.Reason != "" {
		t.Errorf("Reason: got %q, want empty", parsed.Status.Reason)
	}
	if parsed.Status.Board != "CONNECTED" {
		t.Errorf("Board: got %q, want CONNECTED", parsed.Status.Board)
	}
}

func TestFormatStatusEventShutdown(t *testing.T) {
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(30 * time.Minute),
	}

	var parsed StatusJSON
	if err := json.Unmarshal(FormatStatusEvent(snap, "SHUTDOWN", "SIGTERM"), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "SHUTDOWN" {
		t.Errorf("Event: got %q, want SHUTDOWN", parsed.Status.Event)
	}
	if parsed.Status.Reason != "SIGTERM" {
		t.Errorf("Reason: got %q, want SIGTERM", parsed.Status.Reason)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	snap := Snapshot{StartTime: start, Now: start.Add(time.Second)}

	var raw map[string]interface{}
	json.Unmarshal(FormatStatusEvent(snap, "STARTUP", ""), &raw)
	status := raw["status"].(map[string]interface{})
	if _, exists := status["reason"]; exists {
		t.Error("reason should be omitted when empty")
	}
	if status["event"] != "STARTUP" {
		t.Errorf("event: got %v, want STARTUP", status["event"])
	}
}

func TestFormatJSONWithNetwork(t *testing.T) {
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(time.Minute),
		Network:   &NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected", SSID: "MyNet"},
	}

	var parsed StatusJSON
	json.Unmarshal(FormatJSON(snap), &parsed)

	if parsed.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if parsed.Status.Network.SSID != "MyNet" {
		t.Errorf("Network.SSID: got %q, want MyNet", parsed.Status.Network.SSID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(nil, Config{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			st := connectedState()
			st.HeldTilt = i % 10
			tr.Update(st)
			tr.SetMQTTConnected(i%2 == 0)
			tr.SetNetwork(&NetworkInfo{IP: "1.2.3.4"})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = FormatJSON(snap)
		}
	}()

	wg.Wait()
}
