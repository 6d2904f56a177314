package sensor

import (
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/sweeney/tiltbot/internal/logic"
)

// Kind tells a periodic value update from a threshold crossing.
type Kind int

const (
	KindValue Kind = iota
	KindThreshold
)

// String returns the kind name used in payloads.
func (k Kind) String() string {
	switch k {
	case KindValue:
		return "VALUE"
	case KindThreshold:
		return "THRESHOLD"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event is delivered to a channel's observer. Edge is EdgeNone for value
// updates.
type Event struct {
	Channel string
	Kind    Kind
	Value   float64
	Edge    logic.Edge
	Time    time.Time
}

// Observer receives events on the sampling goroutine. Notify must not block
// for long and must not remove itself from the channel.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Notify calls f(e).
func (f ObserverFunc) Notify(e Event) {
	f(e)
}

// ChanObserver forwards events to a buffered channel, dropping them when the
// reader falls behind.
type ChanObserver struct {
	C       chan Event
	dropped atomic.Uint64
}

// NewChanObserver returns an observer with a buffer of size events.
func NewChanObserver(size int) *ChanObserver {
	return &ChanObserver{C: make(chan Event, size)}
}

// Notify enqueues e without blocking.
func (o *ChanObserver) Notify(e Event) {
	select {
	case o.C <- e:
	default:
		o.dropped.Inc()
	}
}

// Dropped returns how many events did not fit in the buffer.
func (o *ChanObserver) Dropped() uint64 {
	return o.dropped.Load()
}
