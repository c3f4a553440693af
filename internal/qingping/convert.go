package qingping

import "math"

// mg/m³ approximation factors applied after the ppb→ppm step.
const (
	vocMolarFactor = 0.0409
	vocMassFactor  = 111.1
)

// Temperature converts a Celsius reading for display: optional
// Fahrenheit conversion, then offset, rounded to one decimal.
func Temperature(celsius, offset float64, unit TemperatureUnit) float64 {
	v := celsius
	if unit == Fahrenheit {
		v = v*9/5 + 32
	}
	return Round(v+offset, 1)
}

// Humidity applies the offset and rounds to one decimal.
func Humidity(v, offset float64) float64 {
	return Round(v+offset, 1)
}

// VOC converts a ppb reading to the display unit. The index unit is an
// integer passthrough; the rest are rounded to three decimals.
func VOC(ppb float64, unit VOCUnit) float64 {
	switch unit {
	case VOCUnitPPM:
		return Round(ppb/1000, 3)
	case VOCUnitMGM3:
		return Round(ppb/1000*vocMolarFactor*vocMassFactor, 3)
	case VOCUnitIndex:
		return math.Trunc(ppb)
	default:
		return Round(ppb, 3)
	}
}

// Round rounds half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
