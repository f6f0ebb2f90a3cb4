package estimator

import (
	"math"
	"time"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

// Measurement observes a subset of state elements directly: Z[i] measures
// state element Rows[i] with variance R[i]. Innovations on angle rows are
// wrapped into [-π, π).
type Measurement struct {
	Kind string
	Z    []float64
	Rows []int
	R    []float64
}

// yawObservableSpeed is the speed (m/s) above which GPS course is trusted
// as a yaw measurement.
const yawObservableSpeed = 3.0

// PositionMeasurement observes ENU position. When withAlt is false only the
// horizontal components are used.
func PositionMeasurement(p telemetry.Vector3, horizVar, vertVar float64, withAlt bool) Measurement {
	m := Measurement{
		Kind: "position",
		Z:    []float64{p.X, p.Y},
		Rows: []int{iPX, iPY},
		R:    []float64{horizVar, horizVar},
	}
	if withAlt {
		m.Z = append(m.Z, p.Z)
		m.Rows = append(m.Rows, iPZ)
		m.R = append(m.R, vertVar)
	}
	return m
}

// VelocityMeasurement observes horizontal ENU velocity from GPS ground speed
// (m/s) and course over ground (degrees true).
func VelocityMeasurement(speed, headingDeg, variance float64) Measurement {
	sh, ch := math.Sincos(headingDeg * math.Pi / 180)
	return Measurement{
		Kind: "velocity",
		Z:    []float64{speed * sh, speed * ch},
		Rows: []int{iVX, iVY},
		R:    []float64{variance, variance},
	}
}

// HeadingMeasurement observes yaw from the GPS course. The variance is
// the velocity variance mapped through the speed.
func HeadingMeasurement(speed, headingDeg, velocityVar float64) Measurement {
	return Measurement{
		Kind: "heading",
		Z:    []float64{HeadingToYaw(headingDeg)},
		Rows: []int{iYaw},
		R:    []float64{velocityVar / (speed * speed)},
	}
}

func isAngleRow(row int) bool {
	return row == iRoll || row == iPitch || row == iYaw
}

// FixKind distinguishes the two GPS measurement types.
type FixKind int

const (
	FixPosition FixKind = iota + 1
	FixVelocity
)

// Fix is a complete GPS observation assembled from individual channel
// samples.
type Fix struct {
	Kind     FixKind
	Time     time.Time
	Position telemetry.Geodetic
	HasAlt   bool
	Speed    float64 // m/s
	Heading  float64 // degrees true
}

type fixPart struct {
	v  float64
	t  time.Time
	ok bool
}

func (p *fixPart) set(v float64, t time.Time) { p.v, p.t, p.ok = v, t, true }

// fresh reports whether the part is set and no older than window relative
// to now.
func (p *fixPart) fresh(now time.Time, window time.Duration) bool {
	return p.ok && now.Sub(p.t) <= window
}

// FixAssembler groups gps_lat/gps_lon/gps_alt and gps_speed/gps_heading
// samples that arrive on separate channels into complete fixes. Parts more
// than the assembly window apart are not combined.
type FixAssembler struct {
	window time.Duration

	lat, lon, alt  fixPart
	speed, heading fixPart
	altSeen        bool
}

// NewFixAssembler returns an assembler using the given window.
func NewFixAssembler(window time.Duration) *FixAssembler {
	return &FixAssembler{window: window}
}

// Add records s and returns a fix when one is complete. Non-GPS samples are
// ignored.
func (a *FixAssembler) Add(s telemetry.Sample) (Fix, bool) {
	now := s.Timestamp
	switch s.Channel {
	case telemetry.ChannelGPSLat:
		a.lat.set(s.Value, now)
	case telemetry.ChannelGPSLon:
		a.lon.set(s.Value, now)
	case telemetry.ChannelGPSAlt:
		a.alt.set(s.Value, now)
		a.altSeen = true
	case telemetry.ChannelGPSSpeed:
		a.speed.set(s.Value, now)
	case telemetry.ChannelGPSHeading:
		a.heading.set(s.Value, now)
	default:
		return Fix{}, false
	}

	switch s.Channel {
	case telemetry.ChannelGPSSpeed, telemetry.ChannelGPSHeading:
		if a.speed.fresh(now, a.window) && a.heading.fresh(now, a.window) {
			f := Fix{Kind: FixVelocity, Time: now, Speed: a.speed.v, Heading: a.heading.v}
			a.speed.ok, a.heading.ok = false, false
			return f, true
		}
		return Fix{}, false
	}

	if !a.lat.fresh(now, a.window) || !a.lon.fresh(now, a.window) {
		return Fix{}, false
	}
	hasAlt := a.alt.fresh(now, a.window)
	if a.altSeen && !hasAlt {
		// Altitude is part of this source's fix; wait for it.
		return Fix{}, false
	}
	f := Fix{
		Kind:     FixPosition,
		Time:     now,
		Position: telemetry.Geodetic{Lat: a.lat.v, Lon: a.lon.v},
		HasAlt:   hasAlt,
	}
	if hasAlt {
		f.Position.Alt = a.alt.v
	}
	a.lat.ok, a.lon.ok, a.alt.ok = false, false, false
	return f, true
}
