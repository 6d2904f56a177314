package robot

import (
	"time"

	"github.com/sweeney/tiltbot/internal/control"
	"github.com/sweeney/tiltbot/internal/sensor"
)

// Threshold describes the active tilt threshold subscription.
type Threshold struct {
	Value float64
	Mask  string
}

// State is a point-in-time view of the robot.
type State struct {
	Connected bool

	// Applied levels as last written to the motors.
	Left  int
	Right int
	Tilt  int

	// HeldTilt is the tilt level the loop is trying to apply.
	HeldTilt int
	Clamped  bool

	Position   float64
	PositionOK bool
	Limits     control.Limits

	Switches  map[string]bool
	Threshold *Threshold

	LastEdge   string
	LastEdgeAt time.Time
	Reactions  uint64

	Loop   control.Stats
	Sensor sensor.Stats
}

// State returns a snapshot. Motor and sensor fields are zero while
// disconnected; held tilt and switches show what the next Connect restores.
func (r *Robot) State() State {
	r.mu.Lock()
	c := r.conn
	st := State{
		Connected: r.connected.Load(),
		HeldTilt:  r.heldTilt.Level(),
		Limits:    r.cfg.Limits,
		Switches:  copySwitches(r.switches),
		LastEdge:  r.lastEdge.Load(),
		Reactions: r.reactions.Load(),
	}
	if t := r.threshold; t != nil {
		st.Threshold = &Threshold{Value: t.value, Mask: t.mask.String()}
	}
	r.mu.Unlock()

	if at := r.lastEdgeT.Load(); !at.IsZero() {
		st.LastEdgeAt = at
	}
	if c == nil {
		return st
	}

	st.Left = c.left.Speed().Level()
	st.Right = c.right.Speed().Level()
	st.Tilt = c.tilt.Speed().Level()
	_, _, held := c.loop.Pending()
	st.HeldTilt = held.Level()
	st.Loop = c.loop.Stats()
	st.Clamped = st.Loop.Clamped
	st.Position, st.PositionOK = c.channel.LastValue()
	st.Sensor = c.channel.Stats()
	return st
}
