package device_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cgsbridge/internal/device"
	"cgsbridge/internal/events"
	"cgsbridge/internal/mqtt"
	"cgsbridge/internal/mqtt/mqtttest"
	"cgsbridge/internal/qingping"
	"cgsbridge/internal/storage"
)

const (
	temperatureDiscovery = "homeassistant/sensor/cgsbridge/aabb_temperature/config"
	tvocDiscovery        = "homeassistant/sensor/cgsbridge/aabb_tvoc/config"
	statusDiscovery      = "homeassistant/binary_sensor/cgsbridge/aabb_status/config"
	intervalDiscovery    = "homeassistant/number/cgsbridge/aabb_update_interval/config"
)

type managerFixture struct {
	broker  *mqtttest.Broker
	store   *storage.BoltStorage
	events  *events.Store
	manager *device.Manager
}

func newManager(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		broker: mqtttest.New(),
		store:  newStore(t),
		events: events.NewStore(100),
	}
	ha := device.NewHomeAssistant(
		mqtt.NewDiscoveryManager(f.broker, nil, f.store, ""),
		mqtt.NewPublisher(f.broker, "cgsbridge", nil),
		nil,
	)
	f.manager = device.NewManager(device.Dependencies{
		Store:         f.store,
		Transport:     f.broker,
		HomeAssistant: ha,
		Events:        f.events,
		Options:       testOptions(newClock()),
	})
	require.NoError(t, f.manager.Start(context.Background()))
	t.Cleanup(f.manager.Stop)
	return f
}

func (f *managerFixture) discovery(t *testing.T, topic string) map[string]interface{} {
	t.Helper()
	var msg mqtttest.Message
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok = f.broker.Last(topic)
		return ok
	}, time.Second, time.Millisecond, "no discovery on %s", topic)

	var cfg map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &cfg))
	return cfg
}

func (f *managerFixture) eventually(t *testing.T, topic, payload string) {
	t.Helper()
	require.Eventually(t, func() bool {
		msg, ok := f.broker.Last(topic)
		return ok && string(msg.Payload) == payload
	}, time.Second, time.Millisecond, "expected %q on %s", payload, topic)
}

func TestManagerRegistration(t *testing.T) {
	f := newManager(t)

	assert.True(t, f.broker.Subscribed("cgsbridge/+/+/set"))
	assert.True(t, f.broker.Subscribed("homeassistant/status"))

	dev, err := f.manager.Register("aa:bb", "", qingping.ModelCGS1, "admin")
	require.NoError(t, err)
	assert.Equal(t, "AABB", dev.MAC)
	assert.Equal(t, "Qingping CGS1", dev.Name)
	assert.Equal(t, 15, dev.Settings.ReportInterval)
	assert.Equal(t, qingping.VOCUnitPPB, dev.Settings.VOCUnit)

	_, ok := f.manager.Get("AA-BB")
	assert.True(t, ok)
	assert.True(t, f.manager.IsRegistered("aabb"))
	assert.True(t, f.broker.Subscribed("qingping/AABB/up"))

	t.Run("Duplicate", func(t *testing.T) {
		_, err := f.manager.Register("AABB", "Other", qingping.ModelCGS2, "admin")
		assert.ErrorIs(t, err, storage.ErrAlreadyRegistered)
		assert.Len(t, f.manager.All(), 1)
	})

	t.Run("MissingMAC", func(t *testing.T) {
		_, err := f.manager.Register("  ", "", qingping.ModelCGS1, "admin")
		assert.ErrorIs(t, err, qingping.ErrInvalidSetting)
	})

	t.Run("Discovery", func(t *testing.T) {
		cfg := f.discovery(t, temperatureDiscovery)
		assert.Equal(t, "cgsbridge_aabb_temperature", cfg["unique_id"])
		assert.Equal(t, "°C", cfg["unit_of_measurement"])
		assert.Equal(t, "cgsbridge/AABB/temperature/state", cfg["state_topic"])
		assert.Equal(t, "all", cfg["availability_mode"])
		assert.Len(t, cfg["availability"], 2)

		status := f.discovery(t, statusDiscovery)
		assert.Equal(t, "diagnostic", status["entity_category"])
		assert.Len(t, status["availability"], 1, "status only follows the bridge")

		interval := f.discovery(t, intervalDiscovery)
		assert.Equal(t, "cgsbridge/AABB/update_interval/set", interval["command_topic"])
		assert.Equal(t, 5.0, interval["min"])
		assert.Equal(t, 120.0, interval["max"])
		assert.Equal(t, 5.0, interval["step"])

		f.eventually(t, "cgsbridge/AABB/availability", mqtt.PayloadOffline)
		f.eventually(t, "cgsbridge/AABB/update_interval/state", "15")
	})

	var added *events.Event
	for _, e := range f.events.ForDevice("AABB", 10) {
		if e.Type == events.EventDeviceAdded {
			e := e
			added = &e
		}
	}
	require.NotNil(t, added)
	assert.Equal(t, "admin", added.Actor)
	assert.Equal(t, "CGS1", added.Details)
}

func TestManagerCommands(t *testing.T) {
	f := newManager(t)
	_, err := f.manager.Register("AA:BB", "Office", qingping.ModelCGS1, "admin")
	require.NoError(t, err)
	f.discovery(t, tvocDiscovery)

	r, ok := f.manager.Get("AABB")
	require.True(t, ok)

	f.broker.Deliver("cgsbridge/AABB/update_interval/set", []byte("30"))
	require.Eventually(t, func() bool {
		return r.Settings().Snapshot().ReportInterval == 30
	}, time.Second, time.Millisecond)
	f.eventually(t, "cgsbridge/AABB/update_interval/state", "30")
	f.eventually(t, "qingping/AABB/down", `{"type":"12","up_itvl":"30","duration":"86400"}`)

	t.Run("RejectedWriteRestoresState", func(t *testing.T) {
		f.broker.Deliver("cgsbridge/AABB/update_interval/set", []byte("7"))
		f.broker.Deliver("cgsbridge/AABB/tvoc_unit/set", []byte("index"))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 30, r.Settings().Snapshot().ReportInterval)
		assert.Equal(t, qingping.VOCUnitPPB, r.Settings().Snapshot().VOCUnit)
		f.eventually(t, "cgsbridge/AABB/update_interval/state", "30")
	})

	t.Run("UnitChangeRepublishesDiscovery", func(t *testing.T) {
		f.broker.Deliver("cgsbridge/AABB/tvoc_unit/set", []byte("ppm"))
		require.Eventually(t, func() bool {
			msg, ok := f.broker.Last(tvocDiscovery)
			if !ok {
				return false
			}
			var cfg map[string]interface{}
			return json.Unmarshal(msg.Payload, &cfg) == nil && cfg["unit_of_measurement"] == "ppm"
		}, time.Second, time.Millisecond)
		f.eventually(t, "cgsbridge/AABB/tvoc_unit/state", "ppm")
		assert.Equal(t, "volatile_organic_compounds_parts", f.discovery(t, tvocDiscovery)["device_class"])

		f.broker.Deliver("cgsbridge/AABB/tvoc_unit/set", []byte("mg/m³"))
		require.Eventually(t, func() bool {
			msg, ok := f.broker.Last(tvocDiscovery)
			if !ok {
				return false
			}
			var cfg map[string]interface{}
			return json.Unmarshal(msg.Payload, &cfg) == nil && cfg["unit_of_measurement"] == "mg/m³"
		}, time.Second, time.Millisecond)
		assert.Equal(t, "volatile_organic_compounds", f.discovery(t, tvocDiscovery)["device_class"])
	})

	t.Run("UnknownDevice", func(t *testing.T) {
		_, err := f.manager.ApplySetting("FFFF", qingping.SettingReportInterval, "30", "admin")
		assert.ErrorIs(t, err, device.ErrUnknownDevice)
	})

	t.Run("HomeAssistantRestart", func(t *testing.T) {
		before := len(f.broker.PublishedTo(temperatureDiscovery))
		f.broker.Deliver("homeassistant/status", []byte("online"))
		require.Eventually(t, func() bool {
			return len(f.broker.PublishedTo(temperatureDiscovery)) > before
		}, time.Second, time.Millisecond)
	})
}

func TestManagerRemove(t *testing.T) {
	f := newManager(t)
	_, err := f.manager.Register("AA:BB", "Office", qingping.ModelCGS2, "admin")
	require.NoError(t, err)
	f.discovery(t, temperatureDiscovery)

	require.NoError(t, f.manager.Remove("aa:bb", "admin"))

	f.eventually(t, temperatureDiscovery, "")
	f.eventually(t, "cgsbridge/AABB/temperature/state", "")
	assert.False(t, f.broker.Subscribed("qingping/AABB/up"))

	_, ok := f.manager.Get("AABB")
	assert.False(t, ok)
	_, err = f.store.GetDevice("AABB")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, f.manager.Remove("AABB", "admin"), device.ErrUnknownDevice)

	// the MAC can be registered again
	_, err = f.manager.Register("AABB", "", qingping.ModelCGS1, "admin")
	assert.NoError(t, err)
}

func TestManagerRestoresRegistrations(t *testing.T) {
	store := newStore(t)
	dev := registerDevice(t, store, "AA:BB", qingping.ModelCGS1)
	_, err := store.UpdateDevice(dev.MAC, func(d *storage.Device) error {
		d.Settings.ReportInterval = 60
		return nil
	})
	require.NoError(t, err)

	broker := mqtttest.New()
	m := device.NewManager(device.Dependencies{
		Store:     store,
		Transport: broker,
		Options:   testOptions(newClock()),
	})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	r, ok := m.Get("AABB")
	require.True(t, ok)
	assert.True(t, r.Running())
	assert.Equal(t, 60, r.Settings().Snapshot().ReportInterval)

	require.Eventually(t, func() bool {
		msg, ok := broker.Last("qingping/AABB/down")
		return ok && string(msg.Payload) == `{"type":"12","up_itvl":"60","duration":"86400"}`
	}, time.Second, time.Millisecond)
}

func TestDiscover(t *testing.T) {
	f := newManager(t)
	_, err := f.manager.Register("AA:BB", "", qingping.ModelCGS1, "admin")
	require.NoError(t, err)

	type result struct {
		found []device.Candidate
		err   error
	}
	done := make(chan result, 1)
	go func() {
		found, err := f.manager.Discover(context.Background(), 200*time.Millisecond, "admin")
		done <- result{found, err}
	}()

	require.Eventually(t, func() bool { return f.broker.Subscribed("qingping/#") }, time.Second, time.Millisecond)

	f.broker.Deliver("qingping/EEFF/up", []byte(`{"mac":"EEFF","timestamp":1,"sensorData":[{"co2":{"value":500}}]}`))
	f.broker.Deliver("qingping/CCDD/up", []byte(`{"mac":"CCDD","timestamp":1,"sensorData":[{"noise":{"value":40}}]}`))
	f.broker.Deliver("qingping/AABB/up", []byte(`{"mac":"AABB","timestamp":1,"sensorData":[{"co2":{"value":500}}]}`))
	f.broker.Deliver("qingping/eeff/down", []byte(`{"type":"12"}`))
	f.broker.Deliver("qingping/1122/up", []byte(`{"mac":"1122","timestamp":1,"sensorData":[{"tvoc_index":{"value":100}}]}`))

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not finish")
	}
	require.NoError(t, res.err)
	require.Len(t, res.found, 3)
	assert.Equal(t, "1122", res.found[0].MAC)
	assert.Equal(t, qingping.ModelCGS2, res.found[0].Model)
	assert.Equal(t, "CCDD", res.found[1].MAC)
	assert.Equal(t, qingping.ModelCGS2, res.found[1].Model)
	assert.Equal(t, "EEFF", res.found[2].MAC)
	assert.Equal(t, qingping.ModelCGS1, res.found[2].Model)

	assert.False(t, f.broker.Subscribed("qingping/#"))
	assert.True(t, f.broker.Subscribed("qingping/AABB/up"), "device subscription survives the scan")
}

func TestManagerStartClearsRemovedDevices(t *testing.T) {
	broker := mqtttest.New()
	store := newStore(t)
	build := func() *device.Manager {
		ha := device.NewHomeAssistant(
			mqtt.NewDiscoveryManager(broker, nil, store, ""),
			mqtt.NewPublisher(broker, "cgsbridge", nil),
			nil,
		)
		return device.NewManager(device.Dependencies{
			Store:         store,
			Transport:     broker,
			HomeAssistant: ha,
			Options:       testOptions(newClock()),
		})
	}

	first := build()
	require.NoError(t, first.Start(context.Background()))
	for _, mac := range []string{"AABB", "CCDD"} {
		_, err := first.Register(mac, "", qingping.ModelCGS1, "admin")
		require.NoError(t, err)
	}
	for _, topic := range []string{temperatureDiscovery, "homeassistant/sensor/cgsbridge/ccdd_temperature/config"} {
		require.Eventually(t, func() bool {
			msg, ok := broker.Last(topic)
			return ok && len(msg.Payload) > 0
		}, time.Second, time.Millisecond, topic)
	}
	first.Stop()

	// removed from the database while the bridge was down
	require.NoError(t, store.DeleteDevice("AABB"))
	broker.Reset()

	second := build()
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(second.Stop)

	for _, topic := range []string{temperatureDiscovery, tvocDiscovery, intervalDiscovery, "cgsbridge/AABB/availability", "cgsbridge/AABB/co2/state"} {
		msg, ok := broker.Last(topic)
		require.True(t, ok, topic)
		assert.Empty(t, msg.Payload, topic)
	}
	_, err := store.Get("discovery", "AABB")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.Get("discovery", "CCDD")
	assert.NoError(t, err, "registered devices keep their entities")
	_, ok := second.Get("CCDD")
	assert.True(t, ok)
}
