package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/tiltbot/internal/robot"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Board         string       `json:"board"`
	Reconnects    int          `json:"reconnects"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	Drive         DriveJSON    `json:"drive"`
	Tilt          TiltJSON     `json:"tilt"`
	Switches      SwitchesJSON `json:"switches"`
	Counts        CountsJSON   `json:"counts"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// DriveJSON reports the applied wheel levels.
type DriveJSON struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// TiltJSON reports the tilt axis.
type TiltJSON struct {
	Applied   int            `json:"applied"`
	Held      int            `json:"held"`
	Clamped   bool           `json:"clamped"`
	Position  *float64       `json:"position"`
	Min       float64        `json:"min"`
	Max       float64        `json:"max"`
	Threshold *ThresholdJSON `json:"threshold,omitempty"`
	LastEdge  string         `json:"last_edge,omitempty"`
	LastEdgeT string         `json:"last_edge_at,omitempty"`
}

// ThresholdJSON is the active threshold subscription.
type ThresholdJSON struct {
	Value float64 `json:"value"`
	Mask  string  `json:"mask"`
}

// SwitchesJSON reports the logical switch states.
type SwitchesJSON struct {
	Peripheral  bool `json:"peripheral"`
	WheelsSleep bool `json:"wheels_sleep"`
	TiltSleep   bool `json:"tilt_sleep"`
}

// CountsJSON is the JSON representation of loop and sensor counters.
type CountsJSON struct {
	Cycles     uint64 `json:"cycles"`
	Clamps     uint64 `json:"clamps"`
	Samples    uint64 `json:"samples"`
	Rising     uint64 `json:"rising"`
	Falling    uint64 `json:"falling"`
	Reactions  uint64 `json:"reactions"`
	ReadErrors uint64 `json:"read_errors"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	ControlMs   int64  `json:"control_ms"`
	UpdateMs    int64  `json:"update_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPPort    string `json:"http_port"`
	Simulated   bool   `json:"simulated"`
}

func buildInner(snap Snapshot) StatusInner {
	r := snap.Robot
	board := "DISCONNECTED"
	if r.Connected {
		board = "CONNECTED"
	}

	tilt := TiltJSON{
		Applied:  r.Tilt,
		Held:     r.HeldTilt,
		Clamped:  r.Clamped,
		Min:      r.Limits.Min,
		Max:      r.Limits.Max,
		LastEdge: r.LastEdge,
	}
	if r.PositionOK {
		pos := r.Position
		tilt.Position = &pos
	}
	if r.Threshold != nil {
		tilt.Threshold = &ThresholdJSON{Value: r.Threshold.Value, Mask: r.Threshold.Mask}
	}
	if !r.LastEdgeAt.IsZero() {
		tilt.LastEdgeT = r.LastEdgeAt.UTC().Format(time.RFC3339Nano)
	}

	return StatusInner{
		Board:         board,
		Reconnects:    snap.Reconnects,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Drive:         DriveJSON{Left: r.Left, Right: r.Right},
		Tilt:          tilt,
		Switches: SwitchesJSON{
			Peripheral:  r.Switches[robot.SwitchPeripheral],
			WheelsSleep: r.Switches[robot.SwitchWheelsSleep],
			TiltSleep:   r.Switches[robot.SwitchTiltSleep],
		},
		Counts: CountsJSON{
			Cycles:     r.Loop.Cycles,
			Clamps:     r.Loop.Clamps,
			Samples:    r.Sensor.Samples,
			Rising:     r.Sensor.Rising,
			Falling:    r.Sensor.Falling,
			Reactions:  r.Reactions,
			ReadErrors: r.Sensor.ReadErrors,
		},
		MQTT: MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			ControlMs:   snap.Config.ControlMs,
			UpdateMs:    snap.Config.UpdateMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
			Simulated:   snap.Config.Simulated,
		},
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// Build returns the status document for the web endpoint (no event/reason).
func Build(snap Snapshot) StatusJSON {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)
	return StatusJSON{Status: inner}
}

// FormatJSON returns the indented JSON status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(Build(snap), "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
