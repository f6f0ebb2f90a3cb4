package source

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"github.com/banshee-data/telemetry.report/internal/timeutil"
	"github.com/banshee-data/telemetry.report/internal/units"
)

// Drive profile, repeated every simCycle: idle, a full-throttle launch,
// a cruise with one bend, a hard stop and a cool-down idle.
const (
	simCycle      = 60.0
	simLaunchAt   = 5.0
	simLaunchAcc  = 3.6 // m/s²
	simCruiseAt   = 13.0
	simBrakeAt    = 30.0
	simBrakeAcc   = 4.8
	simStopAt     = 36.0
	simBendFrom   = 18.0
	simBendTo     = 24.0
	simBendRate   = 5.0 // deg/s, clockwise
	simCruiseMPS  = simLaunchAcc * (simCruiseAt - simLaunchAt)
	simImuHz      = 50
	simGPSEvery   = 5  // IMU ticks per GPS fix (10 Hz)
	simOBDEvery   = 10 // IMU ticks per OBD poll (5 Hz)
	simBaseCool   = 195.0
	simCoolCreep  = 0.9 // °F/s while moving
	simStartHead  = 90.0
	simAltitudeM  = 50.0
	simIdleRPM    = 800.0
	simRPMPerMPS  = 90.0
	simBatteryV   = 14.1
)

// Simulated synthesises a drive: IMU at 50 Hz, GPS at 10 Hz and OBD at
// 5 Hz. Samples are stamped from Start on a synthetic timeline; with
// Realtime set, emission is paced by the clock.
type Simulated struct {
	Origin   telemetry.Geodetic
	Start    time.Time
	Duration time.Duration // zero runs until cancelled
	Realtime bool
	Noise    float64 // scale of measurement noise; zero is noiseless
	Seed     int64
	Clock    timeutil.Clock
}

func (s *Simulated) Name() string { return "sim" }

type simState struct {
	speed, accel float64 // m/s, m/s²
	heading      float64 // degrees true
	headingRate  float64 // deg/s
	east, north  float64
	coolant      float64
}

// profile returns speed and acceleration at cycle time tc.
func profile(tc float64) (speed, accel float64) {
	switch {
	case tc < simLaunchAt:
		return 0, 0
	case tc < simCruiseAt:
		return simLaunchAcc * (tc - simLaunchAt), simLaunchAcc
	case tc < simBrakeAt:
		return simCruiseMPS, 0
	case tc < simStopAt:
		v := simCruiseMPS - simBrakeAcc*(tc-simBrakeAt)
		if v <= 0 {
			return 0, 0
		}
		return v, -simBrakeAcc
	}
	return 0, 0
}

func coolantAt(tc float64) float64 {
	peak := simBaseCool + simCoolCreep*(simStopAt-simLaunchAt)
	switch {
	case tc < simLaunchAt:
		return simBaseCool
	case tc < simStopAt:
		return simBaseCool + simCoolCreep*(tc-simLaunchAt)
	}
	return peak - (peak-simBaseCool)*(tc-simStopAt)/(simCycle-simStopAt)
}

func (s *Simulated) Run(ctx context.Context, emit Emit) error {
	if s.Clock == nil {
		s.Clock = timeutil.RealClock{}
	}
	start := s.Start
	if start.IsZero() {
		start = s.Clock.Now()
	}
	rng := rand.New(rand.NewSource(s.Seed))
	noise := func(sigma float64) float64 { return rng.NormFloat64() * sigma * s.Noise }

	step := time.Second / simImuHz
	var tick <-chan time.Time
	if s.Realtime {
		ticker := s.Clock.NewTicker(step)
		defer ticker.Stop()
		tick = ticker.C()
	}

	st := simState{heading: simStartHead}
	cosLat := math.Cos(s.Origin.Lat * math.Pi / 180)
	const earthRadius = 6378137.0

	for k := 0; ; k++ {
		elapsed := time.Duration(k) * step
		if s.Duration > 0 && elapsed >= s.Duration {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if tick != nil && k > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}

		t := elapsed.Seconds()
		tc := math.Mod(t, simCycle)
		st.speed, st.accel = profile(tc)
		st.headingRate = 0
		if tc >= simBendFrom && tc < simBendTo && st.speed > 0 {
			st.headingRate = simBendRate
		}
		dt := step.Seconds()
		st.heading = math.Mod(st.heading+st.headingRate*dt+360, 360)
		h := st.heading * math.Pi / 180
		st.east += st.speed * math.Sin(h) * dt
		st.north += st.speed * math.Cos(h) * dt
		st.coolant = coolantAt(tc)

		ts := start.Add(elapsed)
		yawRate := -st.headingRate * math.Pi / 180
		out := []telemetry.Sample{
			{Channel: telemetry.ChannelAccelX, Value: st.accel + noise(0.05)},
			{Channel: telemetry.ChannelAccelY, Value: st.speed*yawRate + noise(0.05)},
			{Channel: telemetry.ChannelAccelZ, Value: noise(0.05)},
			{Channel: telemetry.ChannelGyroX, Value: noise(0.002)},
			{Channel: telemetry.ChannelGyroY, Value: noise(0.002)},
			{Channel: telemetry.ChannelGyroZ, Value: yawRate + noise(0.002)},
		}
		if k%simGPSEvery == 0 {
			lat := s.Origin.Lat + (st.north+noise(1.5))/earthRadius*180/math.Pi
			lon := s.Origin.Lon + (st.east+noise(1.5))/(earthRadius*cosLat)*180/math.Pi
			out = append(out,
				telemetry.Sample{Channel: telemetry.ChannelGPSAlt, Value: s.Origin.Alt + simAltitudeM + noise(2)},
				telemetry.Sample{Channel: telemetry.ChannelGPSLat, Value: lat},
				telemetry.Sample{Channel: telemetry.ChannelGPSLon, Value: lon},
				telemetry.Sample{Channel: telemetry.ChannelGPSSpeed, Value: math.Max(0, st.speed+noise(0.1))},
				telemetry.Sample{Channel: telemetry.ChannelGPSHeading, Value: st.heading},
			)
		}
		if k%simOBDEvery == 0 {
			rpm := simIdleRPM + simRPMPerMPS*st.speed
			out = append(out,
				telemetry.Sample{Channel: telemetry.ChannelOBDRPM, Value: rpm + noise(20)},
				telemetry.Sample{Channel: telemetry.ChannelOBDSpeed, Value: units.ConvertSpeed(st.speed, units.KPH)},
				telemetry.Sample{Channel: telemetry.ChannelCoolantTemp, Value: st.coolant + noise(0.3)},
				telemetry.Sample{Channel: telemetry.ChannelOilPressure, Value: 20 + rpm/100 + noise(0.5)},
				telemetry.Sample{Channel: telemetry.ChannelBatteryVoltage, Value: simBatteryV + noise(0.02)},
			)
		}
		for i := range out {
			out[i].Timestamp = ts
			emit(out[i])
		}
	}
}
