// Package logic holds the pure decision logic of the robot: PWM speed
// levels and hysteresis edge detection. It performs no I/O.
package logic

import (
	"errors"
	"fmt"
	"math"
)

// DefaultGuardBand is the hysteresis band used around a nominal threshold,
// as a fraction of the sensor's [0,1] full scale.
const DefaultGuardBand = 0.01

// ErrInvalidThresholds is returned when a detector is built with low > high
// or with a NaN threshold.
var ErrInvalidThresholds = errors.New("invalid hysteresis thresholds")

// Edge is the event produced by a detector on a state change.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
)

// String returns RISING, FALLING or NONE.
func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "RISING"
	case EdgeFalling:
		return "FALLING"
	}
	return "NONE"
}

// EdgeMask selects which edges a subscriber cares about.
type EdgeMask uint8

const (
	MaskRising EdgeMask = 1 << iota
	MaskFalling

	MaskNone EdgeMask = 0
	MaskBoth          = MaskRising | MaskFalling
)

// Has reports whether e is selected by the mask.
func (m EdgeMask) Has(e Edge) bool {
	switch e {
	case EdgeRising:
		return m&MaskRising != 0
	case EdgeFalling:
		return m&MaskFalling != 0
	}
	return false
}

// Valid reports whether the mask only contains known bits.
func (m EdgeMask) Valid() bool {
	return m&^MaskBoth == 0
}

// String returns the name accepted by ParseEdgeMask.
func (m EdgeMask) String() string {
	switch m {
	case MaskNone:
		return "none"
	case MaskRising:
		return "rising"
	case MaskFalling:
		return "falling"
	case MaskBoth:
		return "both"
	}
	return fmt.Sprintf("EdgeMask(%d)", uint8(m))
}

// ParseEdgeMask converts "rising", "falling", "both" or "none" into a mask.
func ParseEdgeMask(s string) (EdgeMask, error) {
	switch s {
	case "", "none":
		return MaskNone, nil
	case "rising":
		return MaskRising, nil
	case "falling":
		return MaskFalling, nil
	case "both":
		return MaskBoth, nil
	}
	return MaskNone, fmt.Errorf("unknown edge mask %q", s)
}

// EdgeDetector is a two-threshold comparator. A high state only drops to low
// on a value <= low, and a low state only rises on a value >= high, so noise
// inside the band never produces an event.
type EdgeDetector struct {
	low, high float64
	isHigh    bool
	last      Edge
}

// NewEdgeDetector returns a detector with the given thresholds and initial
// state. low must not exceed high.
func NewEdgeDetector(low, high float64, initialHigh bool) (*EdgeDetector, error) {
	if math.IsNaN(low) || math.IsNaN(high) || low > high {
		return nil, fmt.Errorf("%w: low=%v high=%v", ErrInvalidThresholds, low, high)
	}
	return &EdgeDetector{low: low, high: high, isHigh: initialHigh}, nil
}

// Observe feeds a new sample and returns the edge it triggered, if any.
// LastEdge is reset to EdgeNone when the sample does not change the state.
func (d *EdgeDetector) Observe(v float64) Edge {
	d.last = EdgeNone
	if d.isHigh {
		if v <= d.low {
			d.isHigh = false
			d.last = EdgeFalling
		}
	} else if v >= d.high {
		d.isHigh = true
		d.last = EdgeRising
	}
	return d.last
}

// LastEdge returns the edge produced by the most recent Observe call.
func (d *EdgeDetector) LastEdge() Edge {
	return d.last
}

// IsHigh returns the current comparator state.
func (d *EdgeDetector) IsHigh() bool {
	return d.isHigh
}

// Thresholds returns the low and high thresholds.
func (d *EdgeDetector) Thresholds() (low, high float64) {
	return d.low, d.high
}

// ThresholdDetector builds a detector around a single nominal threshold.
//
// The tight side of the band sits on the nominal value for the edge being
// watched: rising-only uses (threshold-guard, threshold) starting low,
// falling-only uses (threshold, threshold+guard) starting high, and both
// splits the band evenly and starts in initialHigh. initialHigh is ignored for
// single-edge masks. An empty mask returns a nil detector.
func ThresholdDetector(threshold, guard float64, mask EdgeMask, initialHigh bool) (*EdgeDetector, error) {
	if !mask.Valid() {
		return nil, fmt.Errorf("%w: unknown edge mask %d", ErrInvalidThresholds, uint8(mask))
	}
	if guard < 0 || math.IsNaN(guard) {
		return nil, fmt.Errorf("%w: guard band %v", ErrInvalidThresholds, guard)
	}
	switch mask {
	case MaskNone:
		return nil, nil
	case MaskRising:
		return NewEdgeDetector(threshold-guard, threshold, false)
	case MaskFalling:
		return NewEdgeDetector(threshold, threshold+guard, true)
	default:
		return NewEdgeDetector(threshold-guard/2, threshold+guard/2, initialHigh)
	}
}
