// Package mqtttest provides an in-memory mqtt.Transport for tests.
package mqtttest

import (
	"errors"
	"strings"
	"sync"

	"cgsbridge/internal/mqtt"
)

// ErrPublish is returned by Publish while failures are injected.
var ErrPublish = errors.New("mqtttest: publish failed")

// Message is a recorded publish.
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Broker records publishes and dispatches Deliver calls to subscribers
// using MQTT wildcard matching.
type Broker struct {
	mu        sync.Mutex
	connected bool
	failNext  int
	published []Message
	subs      map[string]mqtt.MessageHandler
	notify    chan Message
}

var _ mqtt.Transport = (*Broker)(nil)

// New returns a connected broker.
func New() *Broker {
	return &Broker{
		connected: true,
		subs:      make(map[string]mqtt.MessageHandler),
		notify:    make(chan Message, 256),
	}
}

// SetConnected toggles IsConnected.
func (b *Broker) SetConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

// FailNext makes the next n publishes fail.
func (b *Broker) FailNext(n int) {
	b.mu.Lock()
	b.failNext = n
	b.mu.Unlock()
}

// Publish implements mqtt.Transport.
func (b *Broker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	b.mu.Lock()
	if b.failNext > 0 {
		b.failNext--
		b.mu.Unlock()
		return ErrPublish
	}
	msg := Message{Topic: topic, QoS: qos, Retained: retained, Payload: append([]byte(nil), payload...)}
	b.published = append(b.published, msg)
	b.mu.Unlock()

	select {
	case b.notify <- msg:
	default:
	}
	return nil
}

// Subscribe implements mqtt.Transport.
func (b *Broker) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	b.subs[topic] = handler
	b.mu.Unlock()
	return nil
}

// Unsubscribe implements mqtt.Transport.
func (b *Broker) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	for _, t := range topics {
		delete(b.subs, t)
	}
	b.mu.Unlock()
	return nil
}

// IsConnected implements mqtt.Transport.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Deliver sends a message to every matching subscriber.
func (b *Broker) Deliver(topic string, payload []byte) int {
	b.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range b.subs {
		if Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return len(handlers)
}

// Subscribed reports whether a filter is subscribed.
func (b *Broker) Subscribed(filter string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[filter]
	return ok
}

// Published returns all recorded publishes.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// PublishedTo returns recorded publishes for one topic.
func (b *Broker) PublishedTo(topic string) []Message {
	var out []Message
	for _, m := range b.Published() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent publish to topic.
func (b *Broker) Last(topic string) (Message, bool) {
	msgs := b.PublishedTo(topic)
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Notify delivers every successful publish; it drops when full.
func (b *Broker) Notify() <-chan Message {
	return b.notify
}

// Reset clears recorded publishes.
func (b *Broker) Reset() {
	b.mu.Lock()
	b.published = nil
	b.mu.Unlock()
}

// Match reports whether an MQTT topic filter matches a topic.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
