package estimator

import (
	"math"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

// earthRadius is the WGS84 equatorial radius in metres.
const earthRadius = 6378137.0

// Origin anchors the local ENU frame. The equirectangular projection is
// accurate to well under a metre within a few kilometres of the origin,
// which covers a session's driving area.
type Origin struct {
	telemetry.Geodetic
	cosLat float64
}

// NewOrigin returns an origin at g.
func NewOrigin(g telemetry.Geodetic) Origin {
	return Origin{Geodetic: g, cosLat: math.Cos(g.Lat * math.Pi / 180)}
}

// ToENU projects g into the local frame.
func (o Origin) ToENU(g telemetry.Geodetic) telemetry.Vector3 {
	return telemetry.Vector3{
		X: (g.Lon - o.Lon) * math.Pi / 180 * earthRadius * o.cosLat,
		Y: (g.Lat - o.Lat) * math.Pi / 180 * earthRadius,
		Z: g.Alt - o.Alt,
	}
}

// ToGeodetic is the inverse of ToENU.
func (o Origin) ToGeodetic(p telemetry.Vector3) telemetry.Geodetic {
	g := telemetry.Geodetic{
		Lat: o.Lat + p.Y/earthRadius*180/math.Pi,
		Alt: o.Alt + p.Z,
		Lon: o.Lon,
	}
	if o.cosLat > 1e-9 {
		g.Lon = o.Lon + p.X/(earthRadius*o.cosLat)*180/math.Pi
	}
	return g
}

// HeadingToYaw converts a compass heading (degrees clockwise from north)
// to an ENU yaw angle (radians counter-clockwise from east).
func HeadingToYaw(headingDeg float64) float64 {
	return wrapAngle(math.Pi/2 - headingDeg*math.Pi/180)
}

// wrapAngle maps a into [-π, π).
func wrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
