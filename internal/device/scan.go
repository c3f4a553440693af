package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"cgsbridge/internal/events"
	"cgsbridge/internal/mqtt"
	"cgsbridge/internal/qingping"
)

// DefaultScanWindow is how long discovery listens for devices.
const DefaultScanWindow = 10 * time.Second

// Candidate is an unregistered device seen during a scan.
type Candidate struct {
	MAC       string         `json:"mac"`
	Model     qingping.Model `json:"model"`
	Topic     string         `json:"topic"`
	FirstSeen time.Time      `json:"first_seen"`
}

// Scan listens on every device topic for window and returns the devices
// for which registered returns false. The model is guessed from the
// metrics in the payload.
func Scan(ctx context.Context, transport mqtt.Transport, prefix string, window time.Duration, registered func(mac string) bool) ([]Candidate, error) {
	if window <= 0 {
		window = DefaultScanWindow
	}
	filter := prefix + "/#"

	var (
		mu    sync.Mutex
		found = make(map[string]*Candidate)
	)

	handler := func(topic string, payload []byte) {
		mac, ok := qingping.MACFromTopic(topic)
		if !ok {
			return
		}
		mac = qingping.NormalizeMAC(mac)
		if registered(mac) {
			return
		}
		model := guessModel(payload)

		mu.Lock()
		defer mu.Unlock()
		if c, exists := found[mac]; exists {
			if model == qingping.ModelCGS2 {
				c.Model = model
			}
			return
		}
		found[mac] = &Candidate{MAC: mac, Model: model, Topic: topic, FirstSeen: time.Now()}
	}

	if err := transport.Subscribe(filter, 0, handler); err != nil {
		return nil, err
	}
	defer transport.Unsubscribe(filter)

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out, nil
}

func guessModel(payload []byte) qingping.Model {
	msg, err := qingping.ParseMessage(payload)
	if err != nil {
		return qingping.ModelCGS1
	}
	for _, entry := range msg.Samples {
		for key := range entry {
			metric, ok := qingping.MetricByKey(key)
			if ok && !qingping.ModelCGS1.Has(metric) && qingping.ModelCGS2.Has(metric) {
				return qingping.ModelCGS2
			}
		}
	}
	return qingping.ModelCGS1
}

// Discover scans for unregistered devices. Only one scan runs at a time.
func (m *Manager) Discover(ctx context.Context, window time.Duration, actor string) ([]Candidate, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	m.logger.Info("discovery scan started", zap.Duration("window", window))
	found, err := Scan(ctx, m.deps.Transport, m.deps.Options.DevicePrefix, window, m.IsRegistered)
	if err != nil {
		m.record(events.EventDiscoveryScan, "", actor, false, err.Error())
		return nil, err
	}
	m.record(events.EventDiscoveryScan, "", actor, true, "")
	m.logger.Info("discovery scan finished", zap.Int("found", len(found)))
	return found, nil
}
