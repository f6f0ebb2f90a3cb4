package performance

import (
	"math"
	"time"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"github.com/google/uuid"
)

// speedEpsilon absorbs rounding from the m/s to mph conversion so that a
// sample sitting exactly on a target speed counts as reaching it.
const speedEpsilon = 1e-6

// point is one estimator state reduced to what the state machines need.
type point struct {
	t        time.Time
	mph      float64
	mps      float64
	pos      telemetry.Geodetic
	hasPos   bool
	degraded bool
}

type phase int

const (
	phaseIdle phase = iota
	phaseArmed
	phaseTiming
)

func (p phase) String() string {
	switch p {
	case phaseArmed:
		return "armed"
	case phaseTiming:
		return "timing"
	default:
		return "idle"
	}
}

// machine is one metric's state machine.
type machine interface {
	observe(prev, cur point) (telemetry.PerformanceRun, bool)
	abort()
	phase() phase
}

// attempt is the bookkeeping shared by all timed attempts.
type attempt struct {
	start     time.Time
	startMPH  float64
	peakMPH   float64
	distanceM float64
	degraded  bool
}

func (a *attempt) begin(t time.Time, mph float64) {
	*a = attempt{start: t, startMPH: mph, peakMPH: mph}
}

func (a *attempt) extend(prev, cur point) {
	a.distanceM += 0.5 * (prev.mps + cur.mps) * cur.t.Sub(prev.t).Seconds()
	if cur.mph > a.peakMPH {
		a.peakMPH = cur.mph
	}
	a.degraded = a.degraded || cur.degraded
}

func (a *attempt) finish(m Metric, end time.Time, endMPH float64) telemetry.PerformanceRun {
	peak := math.Max(a.peakMPH, endMPH)
	return telemetry.PerformanceRun{
		ID:     uuid.NewString(),
		Metric: m.Name,
		Kind:   m.Kind,
		Value:  end.Sub(a.start).Seconds(),
		Unit:   "s",
		Start:  a.start,
		End:    end,
		Conditions: telemetry.RunConditions{
			StartSpeedMPH: a.startMPH,
			EndSpeedMPH:   endMPH,
			PeakSpeedMPH:  peak,
			DistanceM:     a.distanceM,
			Degraded:      a.degraded,
		},
	}
}

// crossing interpolates the time at which speed passes target between two
// points.
func crossing(prev, cur point, target float64) time.Time {
	dv := cur.mph - prev.mph
	if dv == 0 {
		return cur.t
	}
	frac := (target - prev.mph) / dv
	frac = math.Max(0, math.Min(1, frac))
	return prev.t.Add(time.Duration(frac * float64(cur.t.Sub(prev.t))))
}

// speedRun times an acceleration from FromMPH (or rest) to ToMPH.
//
// From rest: Idle → Armed below the arm threshold, Armed → Timing once the
// speed reaches it, with the start placed at the last at-rest sample.
// Rolling: Armed below FromMPH, Timing from the interpolated FromMPH
// crossing. Timing completes at the interpolated ToMPH crossing. Falling
// back under the arm threshold re-arms; a timeout or a drop of
// AbortDropMPH below the attempt's peak returns to Idle.
type speedRun struct {
	m        Metric
	ph       phase
	lastRest point
	a        attempt
}

func (r *speedRun) phase() phase { return r.ph }
func (r *speedRun) abort()       { r.ph = phaseIdle }

func (r *speedRun) armThreshold() float64 {
	if r.m.FromMPH > 0 {
		return r.m.FromMPH
	}
	return r.m.armBelow()
}

func (r *speedRun) observe(prev, cur point) (telemetry.PerformanceRun, bool) {
	arm := r.armThreshold()
	switch r.ph {
	case phaseIdle:
		if cur.mph < arm {
			r.ph, r.lastRest = phaseArmed, cur
		}
	case phaseArmed:
		if cur.mph < arm {
			r.lastRest = cur
			return telemetry.PerformanceRun{}, false
		}
		r.ph = phaseTiming
		if r.m.FromMPH > 0 {
			r.a.begin(crossing(prev, cur, r.m.FromMPH), r.m.FromMPH)
		} else {
			r.a.begin(r.lastRest.t, r.lastRest.mph)
			r.a.extend(r.lastRest, cur)
			return r.checkDone(r.lastRest, cur)
		}
		r.a.extend(prev, cur)
		return r.checkDone(prev, cur)
	case phaseTiming:
		r.a.extend(prev, cur)
		return r.checkDone(prev, cur)
	}
	return telemetry.PerformanceRun{}, false
}

func (r *speedRun) checkDone(prev, cur point) (telemetry.PerformanceRun, bool) {
	if cur.mph >= r.m.ToMPH-speedEpsilon {
		r.ph = phaseIdle
		return r.a.finish(r.m, crossing(prev, cur, r.m.ToMPH), r.m.ToMPH), true
	}
	if cur.mph < r.armThreshold() {
		r.ph, r.lastRest = phaseArmed, cur
		return telemetry.PerformanceRun{}, false
	}
	switch {
	case r.m.Timeout > 0 && cur.t.Sub(r.a.start) > r.m.Timeout:
		diagf("%s aborted: timeout after %v", r.m.Name, cur.t.Sub(r.a.start))
		r.ph = phaseIdle
	case r.m.AbortDropMPH > 0 && cur.mph < r.a.peakMPH-r.m.AbortDropMPH:
		diagf("%s aborted: speed fell %.1f mph below peak", r.m.Name, r.a.peakMPH-cur.mph)
		r.ph = phaseIdle
	}
	return telemetry.PerformanceRun{}, false
}

// brakingRun times a deceleration from FromMPH to ToMPH. Armed at or above
// FromMPH; Timing from the interpolated FromMPH crossing; aborted if the
// vehicle accelerates back to FromMPH or the timeout expires.
type brakingRun struct {
	m  Metric
	ph phase
	a  attempt
}

func (r *brakingRun) phase() phase { return r.ph }
func (r *brakingRun) abort()       { r.ph = phaseIdle }

func (r *brakingRun) observe(prev, cur point) (telemetry.PerformanceRun, bool) {
	switch r.ph {
	case phaseIdle, phaseArmed:
		if cur.mph >= r.m.FromMPH {
			r.ph = phaseArmed
			return telemetry.PerformanceRun{}, false
		}
		if r.ph == phaseIdle {
			return telemetry.PerformanceRun{}, false
		}
		r.ph = phaseTiming
		r.a.begin(crossing(prev, cur, r.m.FromMPH), r.m.FromMPH)
		r.a.peakMPH = r.m.FromMPH
	case phaseTiming:
		if cur.mph >= r.m.FromMPH {
			r.ph = phaseArmed
			return telemetry.PerformanceRun{}, false
		}
	}
	r.a.extend(prev, cur)
	if cur.mph <= r.m.ToMPH+speedEpsilon {
		r.ph = phaseIdle
		return r.a.finish(r.m, crossing(prev, cur, r.m.ToMPH), r.m.ToMPH), true
	}
	if r.m.Timeout > 0 && cur.t.Sub(r.a.start) > r.m.Timeout {
		diagf("%s aborted: timeout", r.m.Name)
		r.ph = phaseIdle
	}
	return telemetry.PerformanceRun{}, false
}

// distanceRun times a standing start over DistanceM. The end speed in the
// run conditions is the trap speed at the line.
type distanceRun struct {
	m        Metric
	ph       phase
	lastRest point
	a        attempt
}

func (r *distanceRun) phase() phase { return r.ph }
func (r *distanceRun) abort()       { r.ph = phaseIdle }

func (r *distanceRun) observe(prev, cur point) (telemetry.PerformanceRun, bool) {
	arm := r.m.armBelow()
	switch r.ph {
	case phaseIdle:
		if cur.mph < arm {
			r.ph, r.lastRest = phaseArmed, cur
		}
		return telemetry.PerformanceRun{}, false
	case phaseArmed:
		if cur.mph < arm {
			r.lastRest = cur
			return telemetry.PerformanceRun{}, false
		}
		r.ph = phaseTiming
		r.a.begin(r.lastRest.t, r.lastRest.mph)
		prev = r.lastRest
	case phaseTiming:
		if cur.mph < arm {
			r.ph, r.lastRest = phaseArmed, cur
			return telemetry.PerformanceRun{}, false
		}
	}

	before := r.a.distanceM
	r.a.extend(prev, cur)
	if r.a.distanceM >= r.m.DistanceM {
		seg := r.a.distanceM - before
		frac := 1.0
		if seg > 0 {
			frac = (r.m.DistanceM - before) / seg
		}
		end := prev.t.Add(time.Duration(frac * float64(cur.t.Sub(prev.t))))
		trap := prev.mph + frac*(cur.mph-prev.mph)
		r.a.distanceM = r.m.DistanceM
		r.ph = phaseIdle
		return r.a.finish(r.m, end, trap), true
	}
	if r.m.Timeout > 0 && cur.t.Sub(r.a.start) > r.m.Timeout {
		diagf("%s aborted: timeout", r.m.Name)
		r.ph = phaseIdle
	}
	return telemetry.PerformanceRun{}, false
}

// lap completes a lap on each rising-edge entry into the start/finish gate
// once MinLap has elapsed since the previous crossing.
type lap struct {
	m      Metric
	ph     phase
	inGate bool
	a      attempt
}

func (r *lap) phase() phase { return r.ph }
func (r *lap) abort() {
	r.ph = phaseIdle
	r.inGate = false
}

func (r *lap) observe(prev, cur point) (telemetry.PerformanceRun, bool) {
	if !cur.hasPos {
		return telemetry.PerformanceRun{}, false
	}
	inside := groundDistance(cur.pos, r.m.Gate) <= r.m.GateRadiusM
	entered := inside && !r.inGate
	r.inGate = inside

	if r.ph == phaseTiming {
		r.a.extend(prev, cur)
		if r.m.Timeout > 0 && cur.t.Sub(r.a.start) > r.m.Timeout {
			diagf("%s aborted: timeout", r.m.Name)
			r.ph = phaseIdle
		}
	}
	if !entered {
		return telemetry.PerformanceRun{}, false
	}
	if r.ph != phaseTiming {
		r.ph = phaseTiming
		r.a.begin(cur.t, cur.mph)
		return telemetry.PerformanceRun{}, false
	}
	if cur.t.Sub(r.a.start) < r.m.MinLap {
		return telemetry.PerformanceRun{}, false
	}
	run := r.a.finish(r.m, cur.t, cur.mph)
	r.a.begin(cur.t, cur.mph)
	return run, true
}

// groundDistance is the equirectangular distance in metres between two
// nearby points.
func groundDistance(a, b telemetry.Geodetic) float64 {
	const earthRadius = 6378137.0
	lat := (a.Lat + b.Lat) / 2 * math.Pi / 180
	dx := (b.Lon - a.Lon) * math.Pi / 180 * math.Cos(lat) * earthRadius
	dy := (b.Lat - a.Lat) * math.Pi / 180 * earthRadius
	return math.Hypot(dx, dy)
}
