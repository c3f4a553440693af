// Package mqtt provides MQTT client functionality
package mqtt

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Availability payloads
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Config holds MQTT client configuration
type Config struct {
	Broker   string // MQTT broker address (e.g., "tcp://localhost:1883")
	ClientID string // Unique client ID
	Username string // MQTT username (optional)
	Password string // MQTT password (optional)
	Prefix   string // Topic prefix for bridge owned topics
	UseTLS   bool   // Enable TLS connection
}

// MessageHandler receives messages for a subscription
type MessageHandler func(topic string, payload []byte)

// Transport is the broker connection used by publishers and device runners
type Transport interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topics ...string) error
	IsConnected() bool
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client wraps the MQTT client with additional functionality
type Client struct {
	client   mqtt.Client
	config   Config
	mu       sync.RWMutex
	logger   *zap.Logger
	isActive bool

	subsMu sync.Mutex
	subs   map[string]subscription
}

var _ Transport = (*Client)(nil)

// New creates a new MQTT client
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "cgsbridge-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		config: cfg,
		logger: logger.Named("mqtt"),
		subs:   make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	// Broker marks the bridge offline if the connection drops
	opts.SetWill(c.BridgeAvailabilityTopic(), PayloadOffline, 1, true)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logger.Warn("connection lost", zap.Error(err))
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info("connected to broker", zap.String("broker", cfg.Broker))
		go c.onConnect(client)
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.logger.Info("attempting to reconnect")
	})

	// Auto-reconnect settings
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)

	// Keep alive settings
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Clean session; subscriptions are restored in onConnect
	opts.SetCleanSession(true)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// onConnect restores subscriptions and announces the bridge
func (c *Client) onConnect(client mqtt.Client) {
	token := client.Publish(c.BridgeAvailabilityTopic(), 1, true, PayloadOnline)
	if token.Wait() && token.Error() != nil {
		c.logger.Warn("failed to publish bridge availability", zap.Error(token.Error()))
	}

	c.subsMu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	c.subsMu.Unlock()

	for topic, sub := range subs {
		if err := c.subscribe(client, topic, sub); err != nil {
			c.logger.Error("failed to restore subscription", zap.String("topic", topic), zap.Error(err))
		}
	}
	if len(subs) > 0 {
		c.logger.Info("subscriptions restored", zap.Int("count", len(subs)))
	}
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isActive {
		return nil // Already connected
	}

	c.logger.Info("connecting to broker", zap.String("broker", c.config.Broker))

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.isActive = true
	return nil
}

// Disconnect marks the bridge offline and closes the connection
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive {
		return
	}

	token := c.client.Publish(c.BridgeAvailabilityTopic(), 1, true, PayloadOffline)
	token.WaitTimeout(time.Second)

	c.client.Disconnect(250) // Wait up to 250ms for graceful disconnect
	c.isActive = false

	c.logger.Info("disconnected from broker")
}

// Publish publishes a payload to a full topic
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isActive {
		return fmt.Errorf("MQTT client is not connected")
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}

	c.logger.Debug("published", zap.String("topic", topic), zap.Uint8("qos", qos), zap.Bool("retained", retained))
	return nil
}

// Subscribe registers a handler for a topic filter. The subscription is
// remembered and restored after reconnects; if the client is not
// connected yet it is established on connect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	sub := subscription{qos: qos, handler: handler}

	c.subsMu.Lock()
	c.subs[topic] = sub
	c.subsMu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribe(c.client, topic, sub)
}

func (c *Client) subscribe(client mqtt.Client, topic string, sub subscription) error {
	token := client.Subscribe(topic, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
		sub.handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	c.logger.Debug("subscribed", zap.String("topic", topic))
	return nil
}

// Unsubscribe removes subscriptions
func (c *Client) Unsubscribe(topics ...string) error {
	c.subsMu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.subsMu.Unlock()

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Unsubscribe(topics...)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}
	return nil
}

// Topic constructs a full topic path with the bridge prefix
func (c *Client) Topic(topic string) string {
	return JoinTopic(c.config.Prefix, topic)
}

// BridgeAvailabilityTopic is where the bridge announces online/offline
func (c *Client) BridgeAvailabilityTopic() string {
	return c.Topic("bridge/availability")
}

// IsConnected returns true if client is connected to broker
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isActive && c.client.IsConnected()
}

// GetConfig returns the current MQTT configuration
func (c *Client) GetConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// JoinTopic joins a prefix and a topic
func JoinTopic(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "/" + topic
}
