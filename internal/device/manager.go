package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"cgsbridge/internal/events"
	"cgsbridge/internal/mqtt"
	"cgsbridge/internal/qingping"
	"cgsbridge/internal/storage"
)

// ErrUnknownDevice is returned for MACs without a running device.
var ErrUnknownDevice = errors.New("device not found")

// Dependencies are shared by the manager and all its runners.
type Dependencies struct {
	Store         storage.Storage
	Transport     mqtt.Transport
	HomeAssistant *HomeAssistant // optional
	Observers     []Observer
	Events        events.Recorder
	Logger        *zap.Logger
	Options       Options
}

// Manager keeps one runner per registered device.
type Manager struct {
	mu      sync.RWMutex
	runners map[string]*Runner
	order   []string // registration order

	deps   Dependencies
	logger *zap.Logger

	ctx     context.Context
	started bool
	scanMu  sync.Mutex
}

// NewManager creates a manager. Call Start to load registrations.
func NewManager(deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Options = deps.Options.withDefaults()
	return &Manager{
		runners: make(map[string]*Runner),
		order:   make([]string, 0),
		deps:    deps,
		logger:  deps.Logger.Named("manager"),
		ctx:     context.Background(),
	}
}

func (m *Manager) observers() []Observer {
	obs := make([]Observer, 0, len(m.deps.Observers)+1)
	if m.deps.HomeAssistant != nil {
		obs = append(obs, m.deps.HomeAssistant)
	}
	return append(obs, m.deps.Observers...)
}

func (m *Manager) newRunner(dev *storage.Device) *Runner {
	return NewRunner(dev, RunnerDeps{
		Transport: m.deps.Transport,
		Store:     m.deps.Store,
		Observers: m.observers(),
		Events:    m.deps.Events,
		Logger:    m.deps.Logger,
		Options:   m.deps.Options,
	})
}

// Start starts a runner for every stored registration and subscribes to
// Home Assistant command and status topics.
func (m *Manager) Start(ctx context.Context) error {
	devices, err := m.deps.Store.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}

	m.mu.Lock()
	m.ctx = ctx
	m.started = true
	m.mu.Unlock()

	if ha := m.deps.HomeAssistant; ha != nil {
		if err := m.deps.Transport.Subscribe(ha.Publisher().CommandFilter(), 1, m.handleCommand); err != nil {
			return fmt.Errorf("failed to subscribe to commands: %w", err)
		}
		if err := m.deps.Transport.Subscribe(ha.Discovery().StatusTopic(), 1, m.handleHAStatus); err != nil {
			return fmt.Errorf("failed to subscribe to Home Assistant status: %w", err)
		}

		known := make(map[string]bool, len(devices))
		for _, dev := range devices {
			known[dev.MAC] = true
		}
		if cleared := ha.ClearUnregistered(func(mac string) bool { return known[mac] }); len(cleared) > 0 {
			m.logger.Info("cleared entities of removed devices", zap.Strings("macs", cleared))
		}
	}

	for _, dev := range devices {
		if err := m.startDevice(dev); err != nil {
			m.logger.Error("failed to start device", zap.String("mac", dev.MAC), zap.Error(err))
		}
	}

	m.logger.Info("devices started", zap.Int("count", len(devices)))
	return nil
}

// Stop stops every runner in reverse registration order.
func (m *Manager) Stop() {
	m.mu.Lock()
	runners := make([]*Runner, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		runners = append(runners, m.runners[m.order[i]])
	}
	m.started = false
	m.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}

	if ha := m.deps.HomeAssistant; ha != nil {
		_ = m.deps.Transport.Unsubscribe(ha.Publisher().CommandFilter(), ha.Discovery().StatusTopic())
	}
}

func (m *Manager) startDevice(dev *storage.Device) error {
	r := m.newRunner(dev)

	m.mu.Lock()
	if _, exists := m.runners[dev.MAC]; exists {
		m.mu.Unlock()
		return fmt.Errorf("device %s is already running", dev.MAC)
	}
	m.runners[dev.MAC] = r
	m.order = append(m.order, dev.MAC)
	ctx, started := m.ctx, m.started
	m.mu.Unlock()

	if !started {
		return nil
	}
	if err := r.Start(ctx); err != nil {
		m.forget(dev.MAC)
		return err
	}
	return nil
}

func (m *Manager) forget(mac string) *Runner {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[mac]
	if !ok {
		return nil
	}
	delete(m.runners, mac)
	for i, n := range m.order {
		if n == mac {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return r
}

// Register completes the setup flow: the registration is stored and its
// runner started. A MAC that is already registered yields
// storage.ErrAlreadyRegistered.
func (m *Manager) Register(mac, name string, model qingping.Model, actor string) (*storage.Device, error) {
	mac = qingping.NormalizeMAC(mac)
	if mac == "" {
		return nil, fmt.Errorf("%w: mac address is required", qingping.ErrInvalidSetting)
	}
	if name == "" {
		name = "Qingping " + string(model)
	}

	dev := &storage.Device{
		MAC:      mac,
		Name:     name,
		Model:    model,
		Settings: qingping.DefaultSettings(model),
	}
	if err := m.deps.Store.CreateDevice(dev); err != nil {
		return nil, err
	}

	if err := m.startDevice(dev); err != nil {
		_ = m.deps.Store.DeleteDevice(dev.MAC)
		return nil, err
	}

	m.record(events.EventDeviceAdded, dev.MAC, actor, true, string(model))
	m.logger.Info("device registered", zap.String("mac", dev.MAC), zap.String("model", string(model)))
	return dev, nil
}

// Remove stops the runner, clears Home Assistant entities and deletes
// the registration.
func (m *Manager) Remove(mac, actor string) error {
	mac = qingping.NormalizeMAC(mac)

	r := m.forget(mac)
	if r != nil {
		snap := r.Snapshot()
		r.Stop()
		update := Update{Kind: UpdateRemoved, Snapshot: snap}
		for _, o := range m.observers() {
			o.DeviceUpdated(update)
		}
	}

	if err := m.deps.Store.DeleteDevice(mac); err != nil {
		if errors.Is(err, storage.ErrNotFound) && r == nil {
			return ErrUnknownDevice
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	m.record(events.EventDeviceRemoved, mac, actor, true, "")
	m.logger.Info("device removed", zap.String("mac", mac))
	return nil
}

// Get returns the runner of a device.
func (m *Manager) Get(mac string) (*Runner, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runners[qingping.NormalizeMAC(mac)]
	return r, ok
}

// All returns all runners in registration order.
func (m *Manager) All() []*Runner {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Runner, 0, len(m.order))
	for _, mac := range m.order {
		result = append(result, m.runners[mac])
	}
	return result
}

// Snapshots returns the state of every device.
func (m *Manager) Snapshots() []Snapshot {
	runners := m.All()
	out := make([]Snapshot, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.Snapshot())
	}
	return out
}

// ApplySetting writes one control of a device.
func (m *Manager) ApplySetting(mac string, key qingping.SettingKey, raw, actor string) (qingping.Settings, error) {
	r, ok := m.Get(mac)
	if !ok {
		return qingping.Settings{}, ErrUnknownDevice
	}
	return r.ApplySetting(key, raw, actor)
}

// IsRegistered reports whether a MAC has a stored registration.
func (m *Manager) IsRegistered(mac string) bool {
	if _, ok := m.Get(mac); ok {
		return true
	}
	_, err := m.deps.Store.GetDevice(mac)
	return err == nil
}

// handleCommand routes Home Assistant control writes.
func (m *Manager) handleCommand(topic string, payload []byte) {
	mac, key, ok := m.deps.HomeAssistant.Publisher().ParseCommandTopic(topic)
	if !ok {
		return
	}
	settingKey, ok := qingping.ParseSettingKey(key)
	if !ok {
		m.logger.Debug("ignoring unknown control", zap.String("topic", topic))
		return
	}

	if _, err := m.ApplySetting(mac, settingKey, strings.TrimSpace(string(payload)), "homeassistant"); err != nil {
		m.logger.Warn("rejected control write",
			zap.String("mac", mac), zap.String("key", key), zap.ByteString("payload", payload), zap.Error(err))
		// Re-publish the current value so the UI snaps back
		if r, ok := m.Get(mac); ok {
			_ = r.RequestRefresh()
		}
	}
}

// handleHAStatus republishes everything when Home Assistant comes back.
func (m *Manager) handleHAStatus(_ string, payload []byte) {
	if strings.TrimSpace(string(payload)) != mqtt.PayloadOnline {
		return
	}
	m.logger.Info("Home Assistant online, republishing discovery")
	m.deps.HomeAssistant.Discovery().Invalidate()
	for _, r := range m.All() {
		_ = r.RequestRefresh()
	}
}

func (m *Manager) record(t events.EventType, mac, actor string, success bool, details string) {
	if m.deps.Events != nil {
		m.deps.Events.Add(t, mac, actor, success, details)
	}
}
