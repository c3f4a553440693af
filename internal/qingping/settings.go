package qingping

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSetting is returned when a setting value is out of bounds,
// off-step or not one of the allowed options.
var ErrInvalidSetting = errors.New("invalid setting")

// Setting bounds.
const (
	OffsetMin  = -10.0
	OffsetMax  = 10.0
	OffsetStep = 0.5

	IntervalMin     = 5
	IntervalMax     = 120
	IntervalStep    = 5
	DefaultInterval = 15
)

// VOCUnit is the TVOC/eTVOC display unit.
type VOCUnit string

const (
	VOCUnitPPB   VOCUnit = "ppb"
	VOCUnitPPM   VOCUnit = "ppm"
	VOCUnitMGM3  VOCUnit = "mg/m³"
	VOCUnitIndex VOCUnit = "index"
)

// TemperatureUnit is the temperature display unit.
type TemperatureUnit string

const (
	Celsius    TemperatureUnit = "°C"
	Fahrenheit TemperatureUnit = "°F"
)

// TemperatureUnits lists the selectable temperature units.
func TemperatureUnits() []TemperatureUnit {
	return []TemperatureUnit{Celsius, Fahrenheit}
}

// Settings are the user adjustable values of one device.
type Settings struct {
	TemperatureOffset float64         `json:"temperature_offset"`
	HumidityOffset    float64         `json:"humidity_offset"`
	ReportInterval    int             `json:"update_interval"`
	VOCUnit           VOCUnit         `json:"tvoc_unit"`
	TemperatureUnit   TemperatureUnit `json:"temperature_unit"`
}

// DefaultSettings returns the settings a freshly registered device starts with.
func DefaultSettings(m Model) Settings {
	unit := VOCUnitPPB
	if m == ModelCGS2 {
		unit = VOCUnitIndex
	}
	return Settings{
		ReportInterval:  DefaultInterval,
		VOCUnit:         unit,
		TemperatureUnit: Celsius,
	}
}

// Validate checks every field against its bounds for the given model.
func (s Settings) Validate(m Model) error {
	if err := ValidateOffset(s.TemperatureOffset); err != nil {
		return fmt.Errorf("temperature offset: %w", err)
	}
	if err := ValidateOffset(s.HumidityOffset); err != nil {
		return fmt.Errorf("humidity offset: %w", err)
	}
	if err := ValidateInterval(s.ReportInterval); err != nil {
		return fmt.Errorf("report interval: %w", err)
	}
	if err := ValidateVOCUnit(m, s.VOCUnit); err != nil {
		return err
	}
	return ValidateTemperatureUnit(s.TemperatureUnit)
}

// ValidateOffset checks range and 0.5 step.
func ValidateOffset(v float64) error {
	if math.IsNaN(v) || v < OffsetMin || v > OffsetMax {
		return fmt.Errorf("%w: %v outside %v..%v", ErrInvalidSetting, v, OffsetMin, OffsetMax)
	}
	if !onStep(v, OffsetStep) {
		return fmt.Errorf("%w: %v is not a multiple of %v", ErrInvalidSetting, v, OffsetStep)
	}
	return nil
}

// ValidateInterval checks range and 5 s step.
func ValidateInterval(v int) error {
	if v < IntervalMin || v > IntervalMax {
		return fmt.Errorf("%w: %d outside %d..%d", ErrInvalidSetting, v, IntervalMin, IntervalMax)
	}
	if v%IntervalStep != 0 {
		return fmt.Errorf("%w: %d is not a multiple of %d", ErrInvalidSetting, v, IntervalStep)
	}
	return nil
}

// ValidateVOCUnit checks the unit is offered for the model.
func ValidateVOCUnit(m Model, u VOCUnit) error {
	for _, opt := range m.VOCUnits() {
		if opt == u {
			return nil
		}
	}
	return fmt.Errorf("%w: voc unit %q not available for %s", ErrInvalidSetting, u, m)
}

// ValidateTemperatureUnit checks the unit is °C or °F.
func ValidateTemperatureUnit(u TemperatureUnit) error {
	for _, opt := range TemperatureUnits() {
		if opt == u {
			return nil
		}
	}
	return fmt.Errorf("%w: temperature unit %q", ErrInvalidSetting, u)
}

func onStep(v, step float64) bool {
	q := v / step
	return math.Abs(q-math.Round(q)) < 1e-9
}
