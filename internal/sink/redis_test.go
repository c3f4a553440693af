package sink_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cgsbridge/internal/device"
	"cgsbridge/internal/qingping"
	"cgsbridge/internal/sink"
)

func snapshot(online bool) device.Snapshot {
	return device.Snapshot{
		MAC:        "AABB",
		Model:      qingping.ModelCGS1,
		Online:     online,
		LastReport: 1000,
		Readings: []device.Reading{
			{Metric: qingping.MetricTemperature, Key: "temperature", Value: 23.5},
			{Metric: qingping.MetricCO2, Key: "co2", Value: 650},
		},
	}
}

func TestRedisStream(t *testing.T) {
	mr := miniredis.RunT(t)
	reader := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { reader.Close() })

	client := sink.NewRedisClient(sink.RedisConfig{Addr: mr.Addr()})
	s := sink.NewRedisStream(client, "cgsbridge:readings", 0, zap.NewNop())
	require.NoError(t, s.Ping(context.Background()))

	s.DeviceUpdated(device.Update{
		Kind:     device.UpdateReadings,
		Changed:  []qingping.Metric{qingping.MetricTemperature},
		Snapshot: snapshot(true),
	})
	s.DeviceUpdated(device.Update{
		Kind:     device.UpdateStatus,
		Changed:  []qingping.Metric{qingping.MetricStatus},
		Snapshot: snapshot(false),
	})
	// not streamed
	s.DeviceUpdated(device.Update{Kind: device.UpdateSettings, Snapshot: snapshot(true)})
	s.DeviceUpdated(device.Update{Kind: device.UpdateReadings, Snapshot: snapshot(true)})

	require.NoError(t, s.Close())

	entries, err := reader.XRange(context.Background(), "cgsbridge:readings", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0].Values
	assert.Equal(t, "readings", first["kind"])
	assert.Equal(t, "AABB", first["mac"])
	assert.Equal(t, "CGS1", first["model"])
	assert.Equal(t, "1000", first["report_timestamp"])

	var readings map[string]float64
	require.NoError(t, json.Unmarshal([]byte(first["readings"].(string)), &readings))
	assert.Equal(t, map[string]float64{"temperature": 23.5}, readings)

	second := entries[1].Values
	assert.Equal(t, "status", second["kind"])
	assert.Equal(t, "false", second["online"])

	// updates after close are ignored
	s.DeviceUpdated(device.Update{Kind: device.UpdateStatus, Snapshot: snapshot(true)})
}

func TestRedisStreamSurvivesOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := sink.NewRedisClient(sink.RedisConfig{Addr: mr.Addr()})
	s := sink.NewRedisStream(client, "readings", 10, nil)

	mr.Close()
	s.DeviceUpdated(device.Update{Kind: device.UpdateStatus, Snapshot: snapshot(true)})
	assert.NoError(t, s.Close())
}
