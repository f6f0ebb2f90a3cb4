// Package telemetry holds the data model shared by the analytics core and
// its collaborators: the raw Sample tuple flowing in and the records,
// events and runs flowing out.
//
// Types in this package carry no behaviour beyond small helpers. Anything
// that mutates state lives in internal/analytics.
package telemetry

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Channel naming conventions. Units are fixed per channel name; a mismatch
// between a configured unit and the convention is a configuration error.
const (
	ChannelGPSLat     = "gps_lat"     // degrees
	ChannelGPSLon     = "gps_lon"     // degrees
	ChannelGPSAlt     = "gps_alt"     // metres
	ChannelGPSSpeed   = "gps_speed"   // m/s
	ChannelGPSHeading = "gps_heading" // degrees true

	ChannelAccelX = "imu_accel_x" // m/s², body frame, gravity removed
	ChannelAccelY = "imu_accel_y"
	ChannelAccelZ = "imu_accel_z"
	ChannelGyroX  = "imu_gyro_x" // rad/s
	ChannelGyroY  = "imu_gyro_y"
	ChannelGyroZ  = "imu_gyro_z"

	ChannelOBDRPM         = "obd_rpm"         // rpm
	ChannelOBDSpeed       = "obd_speed"       // km/h
	ChannelCoolantTemp    = "coolant_temp"    // °F
	ChannelOilPressure    = "oil_pressure"    // psi
	ChannelBatteryVoltage = "battery_voltage" // V
)

// Sample is a single named sensor reading.
type Sample struct {
	Channel   string    `json:"channel"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

func (s Sample) String() string {
	return fmt.Sprintf("%s=%.6g@%s", s.Channel, s.Value, s.Timestamp.Format(time.RFC3339Nano))
}

// Valid reports whether the sample carries a usable value and channel name.
func (s Sample) Valid() bool {
	if s.Channel == "" || s.Timestamp.IsZero() {
		return false
	}
	return !math.IsNaN(s.Value) && !math.IsInf(s.Value, 0)
}

// IsIMU reports whether the channel feeds the estimator's control input.
func IsIMU(channel string) bool {
	return strings.HasPrefix(channel, "imu_accel_") || strings.HasPrefix(channel, "imu_gyro_")
}

// IsGPS reports whether the channel is part of an absolute GPS measurement.
func IsGPS(channel string) bool {
	return strings.HasPrefix(channel, "gps_")
}
