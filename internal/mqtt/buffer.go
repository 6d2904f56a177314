package mqtt

import "go.uber.org/zap"

// bufferedMsg is a serialized MQTT message waiting for the broker.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
	// system marks lifecycle messages, which outrank tilt events when the
	// outbox is full.
	system bool
}

// outbox holds messages while the broker is unreachable and hands them back
// in publish order. When full it evicts the oldest tilt event; lifecycle
// messages are only evicted when nothing else is left.
// Not safe for concurrent use; caller must synchronize.
type outbox struct {
	msgs     []bufferedMsg
	capacity int
	logger   *zap.SugaredLogger

	// dropped counts evictions since the last drain, by class.
	droppedEvents int
	droppedSystem int
}

func newOutbox(capacity int, logger *zap.SugaredLogger) *outbox {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &outbox{
		msgs:     make([]bufferedMsg, 0, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

func (o *outbox) push(msg bufferedMsg) {
	if len(o.msgs) == o.capacity {
		o.evict(msg)
		if len(o.msgs) == o.capacity {
			return
		}
	}
	o.msgs = append(o.msgs, msg)
}

// evict makes room for msg. A tilt event arriving when only lifecycle
// messages are buffered is itself dropped.
func (o *outbox) evict(incoming bufferedMsg) {
	first := o.droppedEvents+o.droppedSystem == 0

	victim := -1
	for i, m := range o.msgs {
		if !m.system {
			victim = i
			break
		}
	}
	switch {
	case victim >= 0:
		o.msgs = append(o.msgs[:victim], o.msgs[victim+1:]...)
		o.droppedEvents++
	case incoming.system:
		o.msgs = o.msgs[1:]
		o.droppedSystem++
	default:
		o.droppedEvents++
	}

	if first {
		o.logger.Warnw("mqtt outbox full, dropping messages", "capacity", o.capacity, "system", incoming.system)
	}
}

// drainAll returns every buffered message oldest first and empties the
// outbox.
func (o *outbox) drainAll() []bufferedMsg {
	if len(o.msgs) == 0 {
		return nil
	}
	if o.droppedEvents+o.droppedSystem > 0 {
		o.logger.Infow("replaying mqtt outbox after drops",
			"queued", len(o.msgs), "dropped_events", o.droppedEvents, "dropped_system", o.droppedSystem)
	}
	result := o.msgs
	o.msgs = make([]bufferedMsg, 0, o.capacity)
	o.droppedEvents = 0
	o.droppedSystem = 0
	return result
}

func (o *outbox) len() int {
	return len(o.msgs)
}
