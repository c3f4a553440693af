package mqtt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"cgsbridge/internal/storage"
)

const (
	// DefaultDiscoveryPrefix is the Home Assistant discovery root
	DefaultDiscoveryPrefix = "homeassistant"

	// discoveryNode groups all bridge entities under one node id
	discoveryNode = "cgsbridge"

	// discoveryNamespace stores the topics published per device
	discoveryNamespace = "discovery"
)

// DiscoveryManager manages Home Assistant MQTT Discovery
type DiscoveryManager struct {
	transport Transport
	logger    *zap.Logger
	storage   storage.Storage
	prefix    string

	// Last published config per discovery topic
	discoveryConfigs map[string][]byte
	discoveryMu      sync.RWMutex
}

// NewDiscoveryManager creates a new DiscoveryManager instance
func NewDiscoveryManager(transport Transport, logger *zap.Logger, store storage.Storage, prefix string) *DiscoveryManager {
	if prefix == "" {
		prefix = DefaultDiscoveryPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscoveryManager{
		transport:        transport,
		logger:           logger.Named("discovery"),
		storage:          store,
		prefix:           prefix,
		discoveryConfigs: make(map[string][]byte),
	}
}

// StatusTopic is where Home Assistant publishes its birth message
func (d *DiscoveryManager) StatusTopic() string {
	return d.prefix + "/status"
}

// Topic returns the discovery topic of an entity:
// {prefix}/{component}/cgsbridge/{object_id}/config
func (d *DiscoveryManager) Topic(cfg *EntityConfig) string {
	return d.prefix + "/" + string(cfg.Component) + "/" + discoveryNode + "/" + sanitizeID(cfg.ObjectID) + "/config"
}

// PublishDevice publishes discovery configs for all entities of a device.
// Configs identical to the last published ones are skipped. The set of
// topics is remembered so the device can be cleared after removal.
func (d *DiscoveryManager) PublishDevice(deviceKey string, configs []*EntityConfig) error {
	topics := make([]string, 0, len(configs))
	var errs []error

	for _, cfg := range configs {
		topic := d.Topic(cfg)
		topics = append(topics, topic)
		if err := d.PublishDiscoveryConfig(cfg); err != nil {
			d.logger.Warn("failed to publish discovery",
				zap.String("object_id", cfg.ObjectID), zap.Error(err))
			errs = append(errs, err)
		}
	}

	d.rememberTopics(deviceKey, topics)

	d.logger.Debug("published discovery configs",
		zap.String("device", deviceKey), zap.Int("count", len(configs)))

	return errors.Join(errs...)
}

// PublishDiscoveryConfig publishes discovery config for a single entity
func (d *DiscoveryManager) PublishDiscoveryConfig(cfg *EntityConfig) error {
	if cfg == nil {
		return nil
	}

	configJSON, err := d.generateDiscoveryConfig(cfg)
	if err != nil {
		return err
	}

	topic := d.Topic(cfg)

	d.discoveryMu.RLock()
	last, ok := d.discoveryConfigs[topic]
	d.discoveryMu.RUnlock()
	if ok && bytes.Equal(last, configJSON) {
		return nil
	}

	if err := d.transport.Publish(topic, 1, true, configJSON); err != nil {
		return err
	}

	d.discoveryMu.Lock()
	d.discoveryConfigs[topic] = configJSON
	d.discoveryMu.Unlock()
	return nil
}

// Invalidate forgets what was published so the next PublishDevice sends
// everything again, e.g. after Home Assistant restarts.
func (d *DiscoveryManager) Invalidate() {
	d.discoveryMu.Lock()
	d.discoveryConfigs = make(map[string][]byte)
	d.discoveryMu.Unlock()
}

// Devices returns the keys of every device with discovery topics on record
func (d *DiscoveryManager) Devices() ([]string, error) {
	if d.storage == nil {
		return nil, nil
	}
	records, err := d.storage.List(discoveryNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list discovery topics: %w", err)
	}
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// ClearDevice removes the retained discovery configs of a device
func (d *DiscoveryManager) ClearDevice(deviceKey string) error {
	var topics []string
	if d.storage != nil {
		if err := d.storage.GetJSON(discoveryNamespace, deviceKey, &topics); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to load discovery topics: %w", err)
		}
	}

	var errs []error
	for _, topic := range topics {
		// Empty retained payload removes the entity
		if err := d.transport.Publish(topic, 1, true, []byte{}); err != nil {
			errs = append(errs, err)
		}
		d.discoveryMu.Lock()
		delete(d.discoveryConfigs, topic)
		d.discoveryMu.Unlock()
	}

	if d.storage != nil {
		if err := d.storage.Delete(discoveryNamespace, deviceKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, err)
		}
	}

	d.logger.Info("discovery cleared", zap.String("device", deviceKey), zap.Int("entities", len(topics)))
	return errors.Join(errs...)
}

// generateDiscoveryConfig builds the Home Assistant discovery payload
func (d *DiscoveryManager) generateDiscoveryConfig(cfg *EntityConfig) ([]byte, error) {
	discoveryConfig := map[string]interface{}{
		"name":      cfg.Name,
		"unique_id": discoveryNode + "_" + sanitizeID(cfg.ObjectID),
	}

	if cfg.StateTopic != "" {
		discoveryConfig["state_topic"] = cfg.StateTopic
	}
	if cfg.CommandTopic != "" {
		discoveryConfig["command_topic"] = cfg.CommandTopic
	}
	if cfg.Unit != "" {
		discoveryConfig["unit_of_measurement"] = cfg.Unit
	}
	if cfg.DeviceClass != "" {
		discoveryConfig["device_class"] = cfg.DeviceClass
	}
	if cfg.StateClass != "" {
		discoveryConfig["state_class"] = cfg.StateClass
	}
	if cfg.EntityCategory != "" {
		discoveryConfig["entity_category"] = cfg.EntityCategory
	}
	if cfg.Icon != "" {
		discoveryConfig["icon"] = cfg.Icon
	}

	switch cfg.Component {
	case ComponentSelect:
		discoveryConfig["options"] = cfg.Options
	case ComponentNumber:
		discoveryConfig["min"] = cfg.Min
		discoveryConfig["max"] = cfg.Max
		discoveryConfig["step"] = cfg.Step
		discoveryConfig["mode"] = "box"
	case ComponentBinarySensor:
		discoveryConfig["payload_on"] = cfg.PayloadOn
		discoveryConfig["payload_off"] = cfg.PayloadOff
	}

	if len(cfg.AvailabilityTopics) > 0 {
		availability := make([]map[string]string, 0, len(cfg.AvailabilityTopics))
		for _, topic := range cfg.AvailabilityTopics {
			availability = append(availability, map[string]string{
				"topic":                 topic,
				"payload_available":     PayloadOnline,
				"payload_not_available": PayloadOffline,
			})
		}
		discoveryConfig["availability"] = availability
		discoveryConfig["availability_mode"] = "all"
	}

	// Device information for grouping in Home Assistant
	if cfg.Device != nil {
		device := map[string]interface{}{
			"identifiers":  cfg.Device.Identifiers,
			"name":         cfg.Device.Name,
			"model":        cfg.Device.Model,
			"manufacturer": cfg.Device.Manufacturer,
		}
		if cfg.Device.SWVersion != "" {
			device["sw_version"] = cfg.Device.SWVersion
		}
		discoveryConfig["device"] = device
	}

	configJSON, err := json.Marshal(discoveryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal discovery config: %w", err)
	}
	return configJSON, nil
}

// rememberTopics stores the discovery topics of a device
func (d *DiscoveryManager) rememberTopics(deviceKey string, topics []string) {
	if d.storage == nil {
		return
	}
	if err := d.storage.SetJSON(discoveryNamespace, deviceKey, topics); err != nil {
		d.logger.Warn("failed to store discovery topics", zap.String("device", deviceKey), zap.Error(err))
	}
}
