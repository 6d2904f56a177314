// Package status provides a thread-safe status tracker for the tiltbot daemon.
// It is read by the HTTP handlers and the MQTT system events.
package status

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sweeney/tiltbot/internal/robot"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	ControlMs   int64
	UpdateMs    int64
	HeartbeatMs int64
	Broker      string
	HTTPPort    string
	Simulated   bool
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type; safe to use after the lock is released.
type Snapshot struct {
	Robot         robot.State
	Reconnects    int
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	clock clock.Clock

	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given clock and config. The start
// time is read from clk.
func NewTracker(clk clock.Clock, cfg Config) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		clock: clk,
		snap: Snapshot{
			StartTime: clk.Now(),
			Config:    cfg,
		},
	}
}

// Update stores the latest robot state.
// Called from the daemon loop on every status tick.
func (t *Tracker) Update(st robot.State) {
	t.mu.Lock()
	t.snap.Robot = st
	t.mu.Unlock()
}

// IncReconnects counts a successful reconnect to the board.
func (t *Tracker) IncReconnects() {
	t.mu.Lock()
	t.snap.Reconnects++
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the clock's time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Robot.Switches = copyMap(t.snap.Robot.Switches)
	t.mu.RUnlock()
	s.Now = t.clock.Now()
	return s
}

func copyMap(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
