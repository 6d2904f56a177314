package mqtt

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func tiltMsg(n byte) bufferedMsg {
	return bufferedMsg{topic: Topic, payload: []byte{n}}
}

func systemMsg(n byte) bufferedMsg {
	return bufferedMsg{topic: TopicSystem, payload: []byte{n}, qos: 1, retained: true, system: true}
}

func payloads(msgs []bufferedMsg) []byte {
	var out []byte
	for _, m := range msgs {
		out = append(out, m.payload[0])
	}
	return out
}

func TestOutboxEmptyDrain(t *testing.T) {
	o := newOutbox(10, nil)
	if got := o.drainAll(); got != nil {
		t.Errorf("expected nil from empty drain, got %d items", len(got))
	}
}

func TestOutboxKeepsPublishOrder(t *testing.T) {
	o := newOutbox(10, nil)
	o.push(systemMsg(1))
	o.push(tiltMsg(2))
	o.push(tiltMsg(3))
	o.push(systemMsg(4))

	if got := payloads(o.drainAll()); string(got) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("order: got %v, want [1 2 3 4]", got)
	}
	if got := o.drainAll(); got != nil {
		t.Errorf("expected nil from second drain, got %d items", len(got))
	}
	if o.len() != 0 {
		t.Errorf("expected len 0 after drain, got %d", o.len())
	}
}

func TestOutboxEvictsOldestTiltEventFirst(t *testing.T) {
	o := newOutbox(4, nil)
	o.push(systemMsg(1)) // STARTUP
	o.push(tiltMsg(2))
	o.push(systemMsg(3)) // DISCONNECTED
	o.push(tiltMsg(4))

	o.push(tiltMsg(5))   // evicts 2
	o.push(systemMsg(6)) // evicts 4

	if got := payloads(o.drainAll()); string(got) != string([]byte{1, 3, 5, 6}) {
		t.Errorf("after eviction: got %v, want [1 3 5 6]", got)
	}
}

func TestOutboxFullOfSystemMessages(t *testing.T) {
	o := newOutbox(3, nil)
	o.push(systemMsg(1))
	o.push(systemMsg(2))
	o.push(systemMsg(3))

	o.push(tiltMsg(4)) // dropped, nothing outranked
	if got := payloads(o.drainAll()); string(got) != string([]byte{1, 2, 3}) {
		t.Errorf("tilt event should be dropped: got %v", got)
	}

	o.push(systemMsg(1))
	o.push(systemMsg(2))
	o.push(systemMsg(3))
	o.push(systemMsg(4)) // evicts the oldest lifecycle message
	if got := payloads(o.drainAll()); string(got) != string([]byte{2, 3, 4}) {
		t.Errorf("oldest system message should go: got %v", got)
	}
}

func TestOutboxOnlyTiltEvents(t *testing.T) {
	o := newOutbox(5, nil)
	for i := byte(0); i < 8; i++ {
		o.push(tiltMsg(i))
	}
	if got := payloads(o.drainAll()); string(got) != string([]byte{3, 4, 5, 6, 7}) {
		t.Errorf("got %v, want the newest five", got)
	}
}

func TestOutboxPreservesFields(t *testing.T) {
	o := newOutbox(10, nil)
	o.push(bufferedMsg{
		topic:    TopicSystem,
		payload:  []byte(`{"test":true}`),
		qos:      1,
		retained: true,
		system:   true,
	})

	got := o.drainAll()
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	m := got[0]
	if m.topic != TopicSystem || string(m.payload) != `{"test":true}` || m.qos != 1 || !m.retained || !m.system {
		t.Errorf("fields not preserved: %+v", m)
	}
}

func TestOutboxOverflowLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	o := newOutbox(2, zap.New(core).Sugar())

	o.push(systemMsg(1))
	for i := byte(0); i < 5; i++ {
		o.push(tiltMsg(i))
	}
	if n := logs.FilterMessage("mqtt outbox full, dropping messages").Len(); n != 1 {
		t.Errorf("expected 1 overflow warning, got %d", n)
	}

	o.drainAll()
	replay := logs.FilterMessage("replaying mqtt outbox after drops").All()
	if len(replay) != 1 {
		t.Fatalf("expected 1 replay summary, got %d", len(replay))
	}
	fields := replay[0].ContextMap()
	if fields["dropped_events"] != int64(4) || fields["dropped_system"] != int64(0) {
		t.Errorf("drop counts: got %v", fields)
	}

	o.push(tiltMsg(1))
	o.push(tiltMsg(2))
	o.push(tiltMsg(3))
	if n := logs.FilterMessage("mqtt outbox full, dropping messages").Len(); n != 2 {
		t.Errorf("expected a new warning after drain, got %d", n)
	}
}
