// Package qingping describes the Qingping CGS1/CGS2 air monitors: their
// models, reported metrics, MQTT payloads and value conversions.
package qingping

import (
	"fmt"
	"strings"
)

// Model is a supported device variant.
type Model string

const (
	ModelCGS1 Model = "CGS1"
	ModelCGS2 Model = "CGS2"
)

// ParseModel accepts a model name in any case. Empty means CGS1.
func ParseModel(s string) (Model, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(ModelCGS1):
		return ModelCGS1, nil
	case string(ModelCGS2):
		return ModelCGS2, nil
	default:
		return "", fmt.Errorf("unknown model %q", s)
	}
}

// Metrics returns every reading the model exposes, in display order.
func (m Model) Metrics() []Metric {
	metrics := []Metric{
		MetricBattery,
		MetricCO2,
		MetricHumidity,
		MetricPM10,
		MetricPM25,
		MetricTemperature,
		MetricTVOC,
	}
	if m == ModelCGS2 {
		metrics = append(metrics, MetricETVOC, MetricNoise)
	}
	return append(metrics,
		MetricCharging,
		MetricFirmware,
		MetricReportType,
		MetricMAC,
		MetricStatus,
	)
}

// Has reports whether the model exposes metric.
func (m Model) Has(metric Metric) bool {
	for _, x := range m.Metrics() {
		if x == metric {
			return true
		}
	}
	return false
}

// VOCUnits lists the VOC display units selectable for the model.
func (m Model) VOCUnits() []VOCUnit {
	if m == ModelCGS2 {
		return []VOCUnit{VOCUnitIndex, VOCUnitPPB, VOCUnitPPM, VOCUnitMGM3}
	}
	return []VOCUnit{VOCUnitPPB, VOCUnitPPM, VOCUnitMGM3}
}

// Kind says where a metric's value comes from.
type Kind int

const (
	// KindMeasurement values come from a sensorData entry.
	KindMeasurement Kind = iota
	// KindCharging is the battery entry's status flag.
	KindCharging
	// KindAttribute values are top-level payload fields.
	KindAttribute
	// KindStatus is derived from message recency.
	KindStatus
)

// Metric identifies one reading of a device.
type Metric int

const (
	MetricBattery Metric = iota
	MetricCO2
	MetricHumidity
	MetricPM10
	MetricPM25
	MetricTemperature
	MetricTVOC
	MetricETVOC
	MetricNoise
	MetricCharging
	MetricFirmware
	MetricReportType
	MetricMAC
	MetricStatus
)

type metricInfo struct {
	key         string
	name        string
	kind        Kind
	unit        string
	deviceClass string
	stateClass  string
	icon        string
}

var metricTable = map[Metric]metricInfo{
	MetricBattery:     {"battery", "Battery", KindMeasurement, "%", "battery", "measurement", ""},
	MetricCO2:         {"co2", "CO2", KindMeasurement, "ppm", "carbon_dioxide", "measurement", ""},
	MetricHumidity:    {"humidity", "Humidity", KindMeasurement, "%", "humidity", "measurement", ""},
	MetricPM10:        {"pm10", "PM10", KindMeasurement, "µg/m³", "pm10", "measurement", ""},
	MetricPM25:        {"pm25", "PM2.5", KindMeasurement, "µg/m³", "pm25", "measurement", ""},
	MetricTemperature: {"temperature", "Temperature", KindMeasurement, "°C", "temperature", "measurement", ""},
	MetricTVOC:        {"tvoc", "TVOC", KindMeasurement, "ppb", "volatile_organic_compounds_parts", "measurement", ""},
	MetricETVOC:       {"tvoc_index", "eTVOC", KindMeasurement, "index", "", "measurement", "mdi:air-filter"},
	MetricNoise:       {"noise", "Noise", KindMeasurement, "dB", "sound_pressure", "measurement", ""},
	MetricCharging:    {"charging", "Battery Charging", KindCharging, "", "battery_charging", "", ""},
	MetricFirmware:    {"version", "Firmware Version", KindAttribute, "", "", "", "mdi:chip"},
	MetricReportType:  {"type", "Report Type", KindAttribute, "", "", "", "mdi:format-list-bulleted-type"},
	MetricMAC:         {"mac", "MAC Address", KindAttribute, "", "", "", "mdi:network"},
	MetricStatus:      {"status", "Status", KindStatus, "", "connectivity", "", ""},
}

// Key is the payload key, also used in topics and unique IDs.
func (m Metric) Key() string { return metricTable[m].key }

// Name is the human readable entity suffix.
func (m Metric) Name() string { return metricTable[m].name }

// Kind returns the metric's value source.
func (m Metric) Kind() Kind { return metricTable[m].kind }

// DeviceClass is the Home Assistant device class under the given
// settings, if any. Home Assistant only accepts mass concentrations for
// volatile_organic_compounds and ratios for the _parts class.
func (m Metric) DeviceClass(s Settings) string {
	if m == MetricTVOC && m.Unit(s) == string(VOCUnitMGM3) {
		return "volatile_organic_compounds"
	}
	return metricTable[m].deviceClass
}

// StateClass is the Home Assistant state class, if any.
func (m Metric) StateClass() string { return metricTable[m].stateClass }

// Icon is an optional mdi icon.
func (m Metric) Icon() string { return metricTable[m].icon }

// Binary reports whether the metric is an on/off state.
func (m Metric) Binary() bool {
	k := m.Kind()
	return k == KindCharging || k == KindStatus
}

// Unit returns the display unit for the metric under the given settings.
func (m Metric) Unit(s Settings) string {
	switch m {
	case MetricTemperature:
		return string(s.TemperatureUnit)
	case MetricTVOC:
		if s.VOCUnit == VOCUnitIndex {
			return string(VOCUnitPPB)
		}
		return string(s.VOCUnit)
	case MetricETVOC:
		return string(s.VOCUnit)
	}
	return metricTable[m].unit
}

func (m Metric) String() string { return m.Key() }

// MetricByKey resolves a payload key.
func MetricByKey(key string) (Metric, bool) {
	for m, info := range metricTable {
		if info.key == key {
			return m, true
		}
	}
	return 0, false
}
