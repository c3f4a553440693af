package device

import (
	"go.uber.org/zap"

	"cgsbridge/internal/mqtt"
	"cgsbridge/internal/qingping"
)

const manufacturer = "Qingping"

// HomeAssistant mirrors devices into Home Assistant through MQTT
// discovery and retained state topics.
type HomeAssistant struct {
	discovery *mqtt.DiscoveryManager
	publisher *mqtt.Publisher
	logger    *zap.Logger
}

var _ Observer = (*HomeAssistant)(nil)

// NewHomeAssistant creates the observer.
func NewHomeAssistant(discovery *mqtt.DiscoveryManager, publisher *mqtt.Publisher, logger *zap.Logger) *HomeAssistant {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HomeAssistant{
		discovery: discovery,
		publisher: publisher,
		logger:    logger.Named("hass"),
	}
}

// Publisher returns the state publisher.
func (h *HomeAssistant) Publisher() *mqtt.Publisher { return h.publisher }

// Discovery returns the discovery manager.
func (h *HomeAssistant) Discovery() *mqtt.DiscoveryManager { return h.discovery }

// DeviceUpdated implements Observer.
func (h *HomeAssistant) DeviceUpdated(u Update) {
	snap := u.Snapshot
	switch u.Kind {
	case UpdateStarted:
		h.publishDiscovery(snap)
		h.publishAvailability(snap)
		h.publishReadings(snap, snap.Readings)
		h.publishSettings(snap)
	case UpdateReadings:
		h.publishReadings(snap, u.ChangedReadings())
		// firmware version lands in the device registry
		if u.EntitiesChanged {
			h.publishDiscovery(snap)
		}
	case UpdateStatus:
		h.publishAvailability(snap)
		h.publishReadings(snap, u.ChangedReadings())
	case UpdateSettings:
		if u.EntitiesChanged {
			h.publishDiscovery(snap)
		}
		h.publishSettings(snap)
	case UpdateRemoved:
		h.Clear(snap)
	}
}

// Clear removes the device from Home Assistant.
func (h *HomeAssistant) Clear(snap Snapshot) {
	if err := h.discovery.ClearDevice(snap.MAC); err != nil {
		h.logger.Warn("failed to clear discovery", zap.String("mac", snap.MAC), zap.Error(err))
	}
	keys := make([]string, 0)
	for _, m := range snap.Model.Metrics() {
		keys = append(keys, m.Key())
	}
	for _, k := range qingping.SettingKeys() {
		keys = append(keys, string(k))
	}
	h.publisher.ClearDevice(snap.MAC, keys)
}

// ClearUnregistered removes the entities of devices that have discovery
// configs on record but no registration, e.g. after "devices remove" ran
// while the bridge was stopped. It returns the MACs cleared.
func (h *HomeAssistant) ClearUnregistered(registered func(mac string) bool) []string {
	macs, err := h.discovery.Devices()
	if err != nil {
		h.logger.Warn("failed to list discovery records", zap.Error(err))
		return nil
	}

	var cleared []string
	for _, mac := range macs {
		if registered(mac) {
			continue
		}
		// The model is gone with the registration; CGS2 covers every metric.
		h.Clear(Snapshot{MAC: mac, Model: qingping.ModelCGS2})
		cleared = append(cleared, mac)
	}
	return cleared
}

// Entities builds the discovery configs of a device.
func (h *HomeAssistant) Entities(snap Snapshot) []*mqtt.EntityConfig {
	device := &mqtt.DeviceInfo{
		Identifiers:  []string{"qingping_" + snap.MAC},
		Name:         snap.Name,
		Model:        string(snap.Model),
		Manufacturer: manufacturer,
	}
	if v, ok := snap.Value(qingping.MetricFirmware).(string); ok {
		device.SWVersion = v
	}

	bridge := h.publisher.BridgeAvailabilityTopic()
	deviceAvailability := h.publisher.AvailabilityTopic(snap.MAC)

	var configs []*mqtt.EntityConfig
	for _, metric := range snap.Model.Metrics() {
		cfg := &mqtt.EntityConfig{
			ObjectID:    snap.MAC + "_" + metric.Key(),
			Name:        metric.Name(),
			StateTopic:  h.publisher.StateTopic(snap.MAC, metric.Key()),
			DeviceClass: metric.DeviceClass(snap.Settings),
			StateClass:  metric.StateClass(),
			Icon:        metric.Icon(),
			Device:      device,
		}

		switch metric.Kind() {
		case qingping.KindStatus:
			cfg.Component = mqtt.ComponentBinarySensor
			cfg.PayloadOn, cfg.PayloadOff = mqtt.PayloadOn, mqtt.PayloadOff
			cfg.EntityCategory = "diagnostic"
			cfg.AvailabilityTopics = []string{bridge}
		case qingping.KindCharging:
			cfg.Component = mqtt.ComponentBinarySensor
			cfg.PayloadOn, cfg.PayloadOff = mqtt.PayloadOn, mqtt.PayloadOff
			cfg.AvailabilityTopics = []string{bridge, deviceAvailability}
		case qingping.KindAttribute:
			cfg.Component = mqtt.ComponentSensor
			cfg.EntityCategory = "diagnostic"
			cfg.AvailabilityTopics = []string{bridge, deviceAvailability}
		default:
			cfg.Component = mqtt.ComponentSensor
			cfg.Unit = metric.Unit(snap.Settings)
			cfg.AvailabilityTopics = []string{bridge, deviceAvailability}
		}
		configs = append(configs, cfg)
	}

	for _, key := range qingping.SettingKeys() {
		cfg := &mqtt.EntityConfig{
			ObjectID:           snap.MAC + "_" + string(key),
			Name:               key.Name(),
			StateTopic:         h.publisher.StateTopic(snap.MAC, string(key)),
			CommandTopic:       h.publisher.CommandTopic(snap.MAC, string(key)),
			EntityCategory:     "config",
			AvailabilityTopics: []string{bridge},
			Device:             device,
		}
		if key.IsSelect() {
			cfg.Component = mqtt.ComponentSelect
			cfg.Options = key.Options(snap.Model)
		} else {
			cfg.Component = mqtt.ComponentNumber
			cfg.Min, cfg.Max, cfg.Step = key.Range()
			cfg.Unit = key.Unit(snap.Settings)
		}
		configs = append(configs, cfg)
	}

	return configs
}

func (h *HomeAssistant) publishDiscovery(snap Snapshot) {
	if err := h.discovery.PublishDevice(snap.MAC, h.Entities(snap)); err != nil {
		h.logger.Warn("discovery publish incomplete", zap.String("mac", snap.MAC), zap.Error(err))
	}
}

func (h *HomeAssistant) publishAvailability(snap Snapshot) {
	if err := h.publisher.PublishAvailability(snap.MAC, snap.Online); err != nil {
		h.logger.Warn("failed to publish availability", zap.String("mac", snap.MAC), zap.Error(err))
	}
}

func (h *HomeAssistant) publishReadings(snap Snapshot, readings []Reading) {
	states := make(map[string]interface{}, len(readings))
	for _, r := range readings {
		if r.Value != nil {
			states[r.Key] = r.Value
		}
	}
	_ = h.publisher.PublishStates(snap.MAC, states)
}

func (h *HomeAssistant) publishSettings(snap Snapshot) {
	states := make(map[string]interface{})
	for _, key := range qingping.SettingKeys() {
		states[string(key)] = snap.Settings.Value(key)
	}
	_ = h.publisher.PublishStates(snap.MAC, states)
}
