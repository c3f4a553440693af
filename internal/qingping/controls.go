package qingping

import (
	"fmt"
	"strconv"
	"strings"
)

// SettingKey names a user adjustable control.
type SettingKey string

const (
	SettingTemperatureOffset SettingKey = "temperature_offset"
	SettingHumidityOffset    SettingKey = "humidity_offset"
	SettingReportInterval    SettingKey = "update_interval"
	SettingVOCUnit           SettingKey = "tvoc_unit"
	SettingTemperatureUnit   SettingKey = "temperature_unit"
)

// SettingKeys lists every control in display order.
func SettingKeys() []SettingKey {
	return []SettingKey{
		SettingTemperatureOffset,
		SettingHumidityOffset,
		SettingReportInterval,
		SettingVOCUnit,
		SettingTemperatureUnit,
	}
}

// ParseSettingKey resolves a control name.
func ParseSettingKey(s string) (SettingKey, bool) {
	for _, k := range SettingKeys() {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Name is the human readable control name.
func (k SettingKey) Name() string {
	switch k {
	case SettingTemperatureOffset:
		return "Temperature Offset"
	case SettingHumidityOffset:
		return "Humidity Offset"
	case SettingReportInterval:
		return "Update Interval"
	case SettingVOCUnit:
		return "TVOC Unit"
	case SettingTemperatureUnit:
		return "Temperature Unit"
	}
	return string(k)
}

// IsSelect reports whether the control is an enum selector.
func (k SettingKey) IsSelect() bool {
	return k == SettingVOCUnit || k == SettingTemperatureUnit
}

// Value returns the current value of the control as text.
func (s Settings) Value(k SettingKey) string {
	switch k {
	case SettingTemperatureOffset:
		return strconv.FormatFloat(s.TemperatureOffset, 'f', -1, 64)
	case SettingHumidityOffset:
		return strconv.FormatFloat(s.HumidityOffset, 'f', -1, 64)
	case SettingReportInterval:
		return strconv.Itoa(s.ReportInterval)
	case SettingVOCUnit:
		return string(s.VOCUnit)
	case SettingTemperatureUnit:
		return string(s.TemperatureUnit)
	}
	return ""
}

// With returns a copy of s with control k set from its text form. The
// result is validated for the model.
func (s Settings) With(m Model, k SettingKey, raw string) (Settings, error) {
	raw = strings.TrimSpace(raw)
	next := s
	switch k {
	case SettingTemperatureOffset, SettingHumidityOffset:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return s, fmt.Errorf("%w: %s %q is not a number", ErrInvalidSetting, k, raw)
		}
		if k == SettingTemperatureOffset {
			next.TemperatureOffset = v
		} else {
			next.HumidityOffset = v
		}
	case SettingReportInterval:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v != float64(int(v)) {
			return s, fmt.Errorf("%w: %s %q is not an integer", ErrInvalidSetting, k, raw)
		}
		next.ReportInterval = int(v)
	case SettingVOCUnit:
		next.VOCUnit = VOCUnit(raw)
	case SettingTemperatureUnit:
		next.TemperatureUnit = TemperatureUnit(raw)
	default:
		return s, fmt.Errorf("%w: unknown control %q", ErrInvalidSetting, k)
	}
	if err := next.Validate(m); err != nil {
		return s, err
	}
	return next, nil
}

// Options lists the values of a select control.
func (k SettingKey) Options(m Model) []string {
	var opts []string
	switch k {
	case SettingVOCUnit:
		for _, u := range m.VOCUnits() {
			opts = append(opts, string(u))
		}
	case SettingTemperatureUnit:
		for _, u := range TemperatureUnits() {
			opts = append(opts, string(u))
		}
	}
	return opts
}

// Range returns min, max and step of a number control.
func (k SettingKey) Range() (min, max, step float64) {
	if k == SettingReportInterval {
		return IntervalMin, IntervalMax, IntervalStep
	}
	return OffsetMin, OffsetMax, OffsetStep
}

// Unit is the unit shown next to a number control.
func (k SettingKey) Unit(s Settings) string {
	switch k {
	case SettingTemperatureOffset:
		return string(s.TemperatureUnit)
	case SettingHumidityOffset:
		return "%"
	case SettingReportInterval:
		return "s"
	}
	return ""
}
