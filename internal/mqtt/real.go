package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/sweeney/tiltbot/internal/sensor"
)

const (
	bufferCapacity = 256
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the broker is unreachable are buffered and replayed, oldest first, on the
// next connect.
type RealPublisher struct {
	client paho.Client
	topic  string
	logger *zap.SugaredLogger

	mu        sync.Mutex
	buf       *outbox
	connected atomic.Bool
	everUp    bool
}

// NewRealPublisher creates a publisher connected to the given broker. The
// broker publishes a retained OFFLINE system event if the connection drops
// without a clean Close.
func NewRealPublisher(broker, clientID string, logger *zap.SugaredLogger) (*RealPublisher, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("broker", broker)
	p := &RealPublisher{
		topic:  Topic,
		logger: logger,
		buf:    newOutbox(bufferCapacity, logger),
	}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     EventOffline,
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// The client keeps retrying in the background; publishes are
		// buffered until it succeeds.
		logger.Warnw("broker not reachable yet, buffering", "timeout", connectTimeout)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// newPublisherWithClient wires a publisher around an existing client.
func newPublisherWithClient(client paho.Client, logger *zap.SugaredLogger) *RealPublisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RealPublisher{
		client: client,
		topic:  Topic,
		logger: logger,
		buf:    newOutbox(bufferCapacity, logger),
	}
}

// Publish sends a tilt sensor event to the MQTT broker.
func (p *RealPublisher) Publish(event sensor.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.publish(bufferedMsg{topic: p.topic, payload: payload})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) for lifecycle events
	return p.publish(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained, system: true})
}

func (p *RealPublisher) publish(msg bufferedMsg) error {
	p.mu.Lock()
	if !p.client.IsConnectionOpen() {
		p.buf.push(msg)
		p.mu.Unlock()
		p.logger.Debugw("buffered while disconnected", "topic", msg.topic)
		return nil
	}
	p.mu.Unlock()

	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// onConnect replays buffered messages. On reconnects it also announces
// RECONNECTED so subscribers know a gap may have occurred.
func (p *RealPublisher) onConnect(c paho.Client) {
	p.connected.Store(true)

	p.mu.Lock()
	msgs := p.buf.drainAll()
	reconnect := p.everUp
	p.everUp = true
	p.mu.Unlock()

	if reconnect {
		p.logger.Infow("mqtt reconnected", "buffered", len(msgs))
	} else {
		p.logger.Infow("mqtt connected", "buffered", len(msgs))
	}

	for _, m := range msgs {
		token := c.Publish(m.topic, m.qos, m.retained, m.payload)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			p.logger.Warnw("replay failed", "topic", m.topic, "error", token.Error())
		}
	}

	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventReconnected})
		token := c.Publish(TopicSystem, 1, false, payload)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			p.logger.Warnw("reconnected event failed", "error", token.Error())
		}
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.connected.Store(false)
	p.logger.Warnw("mqtt connection lost", "error", err)
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.connected.Load()
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.connected.Store(false)
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
