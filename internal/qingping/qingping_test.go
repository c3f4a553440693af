package qingping_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cgsbridge/internal/qingping"
)

func TestTemperature(t *testing.T) {
	tests := []struct {
		name   string
		v      float64
		offset float64
		unit   qingping.TemperatureUnit
		want   float64
	}{
		{"celsius with offset", 22.0, 1.5, qingping.Celsius, 23.5},
		{"celsius negative offset", 21.37, -0.5, qingping.Celsius, 20.9},
		{"fahrenheit", 20.0, 0, qingping.Fahrenheit, 68.0},
		{"fahrenheit offset applied after conversion", 25.0, 1.0, qingping.Fahrenheit, 78.0},
		{"rounding", 22.04, 0, qingping.Celsius, 22.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, qingping.Temperature(tt.v, tt.offset, tt.unit), 1e-9)
		})
	}
}

func TestHumidity(t *testing.T) {
	assert.InDelta(t, 46.5, qingping.Humidity(45.0, 1.5), 1e-9)
	assert.InDelta(t, 39.9, qingping.Humidity(49.94, -10), 1e-9)
}

func TestVOC(t *testing.T) {
	tests := []struct {
		unit qingping.VOCUnit
		v    float64
		want float64
	}{
		{qingping.VOCUnitPPB, 250, 250},
		{qingping.VOCUnitPPM, 250, 0.25},
		{qingping.VOCUnitPPM, 1234, 1.234},
		{qingping.VOCUnitMGM3, 1000, 4.544},
		{qingping.VOCUnitMGM3, 250, 1.136},
		{qingping.VOCUnitIndex, 87.9, 87},
	}
	for _, tt := range tests {
		t.Run(string(tt.unit), func(t *testing.T) {
			assert.InDelta(t, tt.want, qingping.VOC(tt.v, tt.unit), 1e-9)
		})
	}
}

func TestParseMessage(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		msg, err := qingping.ParseMessage([]byte(`{"mac":"AA:BB","timestamp":1000,"version":"1.2.3","type":"17",
			"sensorData":[{"temperature":{"value":22.0},"battery":{"value":80,"status":1}}]}`))
		require.NoError(t, err)
		assert.Equal(t, "AA:BB", msg.MAC)
		assert.Equal(t, int64(1000), msg.Timestamp)
		assert.Equal(t, "1.2.3", msg.Version)
		assert.Equal(t, "17", msg.Type)

		s, ok := msg.Lookup("temperature")
		require.True(t, ok)
		v, err := s.Float()
		require.NoError(t, err)
		assert.Equal(t, 22.0, v)

		b, ok := msg.Lookup("battery")
		require.True(t, ok)
		require.NotNil(t, b.Status)
		assert.Equal(t, 1, *b.Status)
	})

	t.Run("numeric type field", func(t *testing.T) {
		msg, err := qingping.ParseMessage([]byte(`{"mac":"AA","type":12,"sensorData":[{"co2":{"value":400}}]}`))
		require.NoError(t, err)
		assert.Equal(t, "12", msg.Type)
	})

	t.Run("last entry wins", func(t *testing.T) {
		msg, err := qingping.ParseMessage([]byte(`{"mac":"AA","sensorData":[{"co2":{"value":400}},{"co2":{"value":410}}]}`))
		require.NoError(t, err)
		s, _ := msg.Lookup("co2")
		v, _ := s.Float()
		assert.Equal(t, 410.0, v)
	})

	rejects := map[string]string{
		"not json":           `hello`,
		"array":              `[{"mac":"AA"}]`,
		"string":             `"AA"`,
		"missing sensorData": `{"mac":"AA","timestamp":1}`,
		"null sensorData":    `{"mac":"AA","sensorData":null}`,
		"empty sensorData":   `{"mac":"AA","sensorData":[]}`,
		"object sensorData":  `{"mac":"AA","sensorData":{"co2":{"value":1}}}`,
		"non-object element": `{"mac":"AA","sensorData":[1]}`,
		"truncated":          `{"mac":"AA","sensorData":[{"co2":`,
		"trailing garbage":   `{"mac":"AA","sensorData":[{"co2":{"value":1}}]} junk`,
		"two objects":        `{"mac":"AA","sensorData":[{"co2":{"value":1}}]}{}`,
	}
	for name, payload := range rejects {
		t.Run(name, func(t *testing.T) {
			_, err := qingping.ParseMessage([]byte(payload))
			assert.True(t, errors.Is(err, qingping.ErrInvalidPayload), "got %v", err)
		})
	}
}

func TestSampleFloat(t *testing.T) {
	msg, err := qingping.ParseMessage([]byte(`{"mac":"AA","sensorData":[{
		"a":{"value":"21.5"},"b":{"value":"abc"},"c":{"value":null},"d":{"value":true},"e":"junk",
		"f":{"value":"NaN"},"g":{"value":"Inf"},"h":{"value":"-Infinity"},"i":{"value":1e999}}]}`))
	require.NoError(t, err)

	a, _ := msg.Lookup("a")
	v, err := a.Float()
	require.NoError(t, err)
	assert.Equal(t, 21.5, v)

	for _, key := range []string{"b", "c", "d", "e", "f", "g", "h", "i"} {
		s, ok := msg.Lookup(key)
		require.True(t, ok, key)
		_, err := s.Float()
		assert.ErrorIs(t, err, qingping.ErrInvalidValue, key)
	}
}

func TestBelongsTo(t *testing.T) {
	msg := &qingping.Message{MAC: "aa:bb:cc:dd:ee:ff"}
	assert.True(t, msg.BelongsTo("AABBCCDDEEFF"))
	assert.False(t, msg.BelongsTo("AABBCCDDEE00"))
}

func TestConfigCommand(t *testing.T) {
	cmd := qingping.NewConfigCommand(30)
	assert.JSONEq(t, `{"type":"12","up_itvl":"30","duration":"86400"}`, string(cmd.Marshal()))
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "qingping/AABB/up", qingping.UpTopic(qingping.TopicPrefix, "AABB"))
	assert.Equal(t, "qingping/AABB/down", qingping.DownTopic(qingping.TopicPrefix, "AABB"))

	mac, ok := qingping.MACFromTopic("qingping/582D34000001/up")
	assert.True(t, ok)
	assert.Equal(t, "582D34000001", mac)

	_, ok = qingping.MACFromTopic("qingping")
	assert.False(t, ok)
}

func TestSettingsWith(t *testing.T) {
	s := qingping.DefaultSettings(qingping.ModelCGS1)
	assert.Equal(t, 15, s.ReportInterval)
	assert.Equal(t, qingping.VOCUnitPPB, s.VOCUnit)

	next, err := s.With(qingping.ModelCGS1, qingping.SettingReportInterval, "30")
	require.NoError(t, err)
	assert.Equal(t, 30, next.ReportInterval)

	next, err = next.With(qingping.ModelCGS1, qingping.SettingTemperatureOffset, "-2.5")
	require.NoError(t, err)
	assert.Equal(t, -2.5, next.TemperatureOffset)

	invalid := []struct {
		key qingping.SettingKey
		raw string
	}{
		{qingping.SettingTemperatureOffset, "10.5"},
		{qingping.SettingTemperatureOffset, "0.3"},
		{qingping.SettingHumidityOffset, "x"},
		{qingping.SettingReportInterval, "4"},
		{qingping.SettingReportInterval, "17"},
		{qingping.SettingReportInterval, "125"},
		{qingping.SettingReportInterval, "15.5"},
		{qingping.SettingVOCUnit, "index"},
		{qingping.SettingTemperatureUnit, "K"},
	}
	for _, tt := range invalid {
		got, err := next.With(qingping.ModelCGS1, tt.key, tt.raw)
		assert.ErrorIs(t, err, qingping.ErrInvalidSetting, "%s=%s", tt.key, tt.raw)
		assert.Equal(t, next, got)
	}

	cgs2 := qingping.DefaultSettings(qingping.ModelCGS2)
	assert.Equal(t, qingping.VOCUnitIndex, cgs2.VOCUnit)
	_, err = cgs2.With(qingping.ModelCGS2, qingping.SettingVOCUnit, "mg/m³")
	assert.NoError(t, err)
}

func TestModelMetrics(t *testing.T) {
	assert.True(t, qingping.ModelCGS1.Has(qingping.MetricTVOC))
	assert.False(t, qingping.ModelCGS1.Has(qingping.MetricNoise))
	assert.False(t, qingping.ModelCGS1.Has(qingping.MetricETVOC))
	assert.True(t, qingping.ModelCGS2.Has(qingping.MetricNoise))
	assert.True(t, qingping.ModelCGS2.Has(qingping.MetricETVOC))

	m, err := qingping.ParseModel("cgs2")
	require.NoError(t, err)
	assert.Equal(t, qingping.ModelCGS2, m)
	_, err = qingping.ParseModel("CGS9")
	assert.Error(t, err)

	metric, ok := qingping.MetricByKey("pm25")
	assert.True(t, ok)
	assert.Equal(t, qingping.MetricPM25, metric)
	assert.Equal(t, qingping.KindStatus, qingping.MetricStatus.Kind())
	assert.True(t, qingping.MetricCharging.Binary())
}

func TestTVOCDeviceClass(t *testing.T) {
	s := qingping.DefaultSettings(qingping.ModelCGS2)
	assert.Equal(t, "volatile_organic_compounds_parts", qingping.MetricTVOC.DeviceClass(s), "index reports ppb")

	s.VOCUnit = qingping.VOCUnitPPM
	assert.Equal(t, "volatile_organic_compounds_parts", qingping.MetricTVOC.DeviceClass(s))

	s.VOCUnit = qingping.VOCUnitMGM3
	assert.Equal(t, "volatile_organic_compounds", qingping.MetricTVOC.DeviceClass(s))
	assert.Equal(t, "", qingping.MetricETVOC.DeviceClass(s))
	assert.Equal(t, "carbon_dioxide", qingping.MetricCO2.DeviceClass(s))
}
