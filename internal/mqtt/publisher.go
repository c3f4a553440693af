package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Binary state payloads
const (
	PayloadOn  = "ON"
	PayloadOff = "OFF"
)

// Publisher publishes device states under the bridge prefix:
//
//	{prefix}/{device}/availability
//	{prefix}/{device}/{key}/state
//	{prefix}/{device}/{key}/set
type Publisher struct {
	transport Transport
	prefix    string
	logger    *zap.Logger
}

// NewPublisher creates a new Publisher instance
func NewPublisher(transport Transport, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		transport: transport,
		prefix:    prefix,
		logger:    logger.Named("publisher"),
	}
}

// StateTopic is the retained state topic of one entity
func (p *Publisher) StateTopic(device, key string) string {
	return JoinTopic(p.prefix, device+"/"+key+"/state")
}

// CommandTopic is the topic Home Assistant writes control values to
func (p *Publisher) CommandTopic(device, key string) string {
	return JoinTopic(p.prefix, device+"/"+key+"/set")
}

// AvailabilityTopic is the per-device availability topic
func (p *Publisher) AvailabilityTopic(device string) string {
	return JoinTopic(p.prefix, device+"/availability")
}

// BridgeAvailabilityTopic matches Client.BridgeAvailabilityTopic
func (p *Publisher) BridgeAvailabilityTopic() string {
	return JoinTopic(p.prefix, "bridge/availability")
}

// CommandFilter subscribes to the command topics of every device
func (p *Publisher) CommandFilter() string {
	return JoinTopic(p.prefix, "+/+/set")
}

// ParseCommandTopic extracts device and key from a command topic
func (p *Publisher) ParseCommandTopic(topic string) (device, key string, ok bool) {
	rest := topic
	if p.prefix != "" {
		if !strings.HasPrefix(topic, p.prefix+"/") {
			return "", "", false
		}
		rest = strings.TrimPrefix(topic, p.prefix+"/")
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// PublishState publishes a single retained entity state
func (p *Publisher) PublishState(device, key string, value interface{}) error {
	topic := p.StateTopic(device, key)
	if err := p.transport.Publish(topic, 0, true, []byte(FormatState(value))); err != nil {
		p.logger.Warn("failed to publish state", zap.String("topic", topic), zap.Error(err))
		return err
	}
	return nil
}

// PublishStates publishes several states, continuing past failures
func (p *Publisher) PublishStates(device string, states map[string]interface{}) error {
	var firstErr error
	for key, value := range states {
		if err := p.PublishState(device, key, value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishAvailability publishes the retained device availability
func (p *Publisher) PublishAvailability(device string, online bool) error {
	payload := PayloadOffline
	if online {
		payload = PayloadOnline
	}
	return p.transport.Publish(p.AvailabilityTopic(device), 1, true, []byte(payload))
}

// ClearDevice removes retained state and availability of a device
func (p *Publisher) ClearDevice(device string, keys []string) {
	topics := []string{p.AvailabilityTopic(device)}
	for _, key := range keys {
		topics = append(topics, p.StateTopic(device, key))
	}
	for _, topic := range topics {
		if err := p.transport.Publish(topic, 1, true, []byte{}); err != nil {
			p.logger.Warn("failed to clear retained topic", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// FormatState renders a value as a Home Assistant state payload
func FormatState(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case bool:
		if v {
			return PayloadOn
		}
		return PayloadOff
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
