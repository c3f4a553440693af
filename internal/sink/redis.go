// Package sink fans device readings out to external stores.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"cgsbridge/internal/device"
)

// DefaultMaxLen caps the stream length (approximate trimming).
const DefaultMaxLen = 10000

const queueSize = 256

// RedisConfig configures the stream sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// NewRedisClient creates a client from the sink config.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisStream appends reading and status updates to a Redis stream. It
// implements device.Observer; writes happen on a worker goroutine so the
// device loops never wait on Redis.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan map[string]interface{}
	done   chan struct{}
}

var _ device.Observer = (*RedisStream)(nil)

// NewRedisStream starts the sink worker.
func NewRedisStream(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *RedisStream {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RedisStream{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.Named("redis"),
		queue:  make(chan map[string]interface{}, queueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Ping checks the connection.
func (s *RedisStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// DeviceUpdated implements device.Observer.
func (s *RedisStream) DeviceUpdated(u device.Update) {
	var values map[string]interface{}
	switch u.Kind {
	case device.UpdateReadings:
		readings := make(map[string]interface{}, len(u.Changed))
		for _, r := range u.ChangedReadings() {
			readings[r.Key] = r.Value
		}
		if len(readings) == 0 {
			return
		}
		data, err := json.Marshal(readings)
		if err != nil {
			s.logger.Warn("failed to encode readings", zap.String("mac", u.Snapshot.MAC), zap.Error(err))
			return
		}
		values = map[string]interface{}{
			"kind":     string(u.Kind),
			"readings": string(data),
		}
	case device.UpdateStatus:
		values = map[string]interface{}{
			"kind":   string(u.Kind),
			"online": strconv.FormatBool(u.Snapshot.Online),
		}
	default:
		return
	}

	values["mac"] = u.Snapshot.MAC
	values["model"] = string(u.Snapshot.Model)
	values["timestamp"] = strconv.FormatInt(time.Now().Unix(), 10)
	if u.Snapshot.LastReport > 0 {
		values["report_timestamp"] = strconv.FormatInt(u.Snapshot.LastReport, 10)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- values:
	default:
		s.logger.Warn("redis queue full, update dropped", zap.String("mac", u.Snapshot.MAC))
	}
}

func (s *RedisStream) run() {
	defer close(s.done)
	for values := range s.queue {
		if err := s.add(values); err != nil {
			s.logger.Warn("failed to append to stream", zap.String("stream", s.stream), zap.Error(err))
		}
	}
}

func (s *RedisStream) add(values map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close drains pending updates and closes the client.
func (s *RedisStream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
	return s.client.Close()
}
