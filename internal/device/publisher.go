package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"cgsbridge/internal/mqtt"
	"cgsbridge/internal/qingping"
)

// ErrDisconnected is returned when the broker stays unreachable through
// the connectivity poll.
var ErrDisconnected = errors.New("mqtt transport disconnected")

// PublishPolicy bounds the connectivity poll and publish retries.
type PublishPolicy struct {
	PollAttempts  int
	PollInterval  time.Duration
	Attempts      int
	RetryInterval time.Duration
}

// DefaultPublishPolicy polls 5 times 1 s apart and makes 3 publish
// attempts 5 s apart.
func DefaultPublishPolicy() PublishPolicy {
	return PublishPolicy{
		PollAttempts:  5,
		PollInterval:  time.Second,
		Attempts:      3,
		RetryInterval: 5 * time.Second,
	}
}

// ConfigPublisher sends the report interval command to a device.
type ConfigPublisher struct {
	transport mqtt.Transport
	topic     string
	policy    PublishPolicy
	logger    *zap.Logger

	// one publish at a time per device
	mu sync.Mutex
}

// NewConfigPublisher creates a publisher for one downlink topic.
func NewConfigPublisher(transport mqtt.Transport, topic string, policy PublishPolicy, logger *zap.Logger) *ConfigPublisher {
	if policy.PollAttempts <= 0 {
		policy.PollAttempts = 1
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	return &ConfigPublisher{
		transport: transport,
		topic:     topic,
		policy:    policy,
		logger:    logger,
	}
}

// Publish sends the configuration command for interval seconds. Each
// attempt first waits for connectivity; if the broker stays unreachable
// the publish is abandoned. Failed publishes are retried with a constant
// pause. Errors are logged and returned, never retried beyond the policy.
func (p *ConfigPublisher) Publish(ctx context.Context, interval int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	payload := qingping.NewConfigCommand(interval).Marshal()

	operation := func() error {
		if err := p.waitConnected(ctx); err != nil {
			return backoff.Permanent(err)
		}
		return p.transport.Publish(p.topic, 0, false, payload)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.policy.RetryInterval), uint64(p.policy.Attempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(operation, b, func(err error, next time.Duration) {
		p.logger.Warn("config publish failed, retrying",
			zap.String("topic", p.topic), zap.Duration("in", next), zap.Error(err))
	})
	if err != nil {
		p.logger.Error("config publish abandoned", zap.String("topic", p.topic), zap.Error(err))
		return fmt.Errorf("publish config to %s: %w", p.topic, err)
	}

	p.logger.Info("config published", zap.String("topic", p.topic), zap.Int("interval", interval))
	return nil
}

func (p *ConfigPublisher) waitConnected(ctx context.Context) error {
	for i := 0; i < p.policy.PollAttempts; i++ {
		if p.transport.IsConnected() {
			return nil
		}
		if i == p.policy.PollAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.policy.PollInterval):
		}
	}
	return ErrDisconnected
}
