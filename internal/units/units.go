// Package units provides shared unit constants, per-channel unit
// conventions and speed conversions.
package units

import "strings"

// Speed unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// ValidUnits contains all valid speed unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// Conversion factors.
const (
	MPSToMPH = 2.2369362920544
	MPSToKPH = 3.6

	// QuarterMileMeters is the length of a standard drag strip.
	QuarterMileMeters = 402.336
)

// ChannelUnits is the fixed unit convention for well-known channel names.
// Channels not listed here may declare any unit.
var ChannelUnits = map[string]string{
	"gps_lat":         "deg",
	"gps_lon":         "deg",
	"gps_alt":         "m",
	"gps_speed":       "m/s",
	"gps_heading":     "deg",
	"imu_accel_x":     "m/s2",
	"imu_accel_y":     "m/s2",
	"imu_accel_z":     "m/s2",
	"imu_gyro_x":      "rad/s",
	"imu_gyro_y":      "rad/s",
	"imu_gyro_z":      "rad/s",
	"obd_rpm":         "rpm",
	"obd_speed":       "km/h",
	"coolant_temp":    "degF",
	"oil_pressure":    "psi",
	"battery_voltage": "V",
}

// IsValid checks if the given unit is in the list of valid speed units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertSpeed converts a speed from meters per second to the target units.
// Unknown units return the input unchanged.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * MPSToMPH
	case KMPH, KPH:
		return speedMPS * MPSToKPH
	default:
		return speedMPS
	}
}

// ToMPS converts a speed in the given units to meters per second.
func ToMPS(speed float64, fromUnits string) float64 {
	switch fromUnits {
	case MPH:
		return speed / MPSToMPH
	case KMPH, KPH:
		return speed / MPSToKPH
	default:
		return speed
	}
}

// KPHToMPH converts an OBD-II vehicle speed reading to miles per hour.
func KPHToMPH(kph float64) float64 {
	return kph / MPSToKPH * MPSToMPH
}
