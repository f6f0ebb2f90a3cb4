package source

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/banshee-data/telemetry.report/internal/serialmux"
	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

// ErrUnrecognised is returned for lines that match no known format.
var ErrUnrecognised = errors.New("unrecognised line")

const knotsToMPS = 0.514444

// ELM327PIDs are the mode 01 requests polled from an OBD-II adapter: engine
// speed, vehicle speed, coolant temperature, control module voltage.
var ELM327PIDs = []string{"010C", "010D", "0105", "0142"}

// ResyncThreshold is how far a device clock may fall behind the learned
// offset before the offset is relearned.
const ResyncThreshold = 2 * time.Second

// LineParser turns device lines into samples. It keeps the last NMEA date
// so GGA sentences, which carry only a time of day, can be placed.
//
// Every sample leaves the parser on the receive time base (the now passed
// to Parse). Lines that carry their own clock, GPS time in NMEA or the
// timestamp column of a CSV log, are shifted by a learned offset so their
// spacing is kept while the estimator sees one time base.
type LineParser struct {
	date time.Time
	gps  clockSync
	log  clockSync
}

// clockSync maps one device clock onto the receive clock. The offset is
// the smallest receive-minus-device difference seen, which is the
// least-delayed line. A jump past ResyncThreshold relearns it.
type clockSync struct {
	offset  time.Duration
	known   bool
	resyncs int
}

func (c *clockSync) align(device, now time.Time) time.Time {
	d := now.Sub(device)
	switch {
	case !c.known:
		c.offset, c.known = d, true
	case d < c.offset:
		c.offset = d
	case d-c.offset > ResyncThreshold:
		c.offset = d
		c.resyncs++
	}
	return device.Add(c.offset)
}

// NewLineParser returns a parser with no date context.
func NewLineParser() *LineParser { return &LineParser{} }

// GPSOffset returns receive time minus GPS time, once an NMEA time has
// been seen.
func (p *LineParser) GPSOffset() (time.Duration, bool) { return p.gps.offset, p.gps.known }

// LogOffset returns receive time minus the CSV timestamp column.
func (p *LineParser) LogOffset() (time.Duration, bool) { return p.log.offset, p.log.known }

// Resyncs counts how often either device clock jumped and was relearned.
func (p *LineParser) Resyncs() int { return p.gps.resyncs + p.log.resyncs }

// Parse converts one line. now stamps lines that carry no time of their
// own. Adapter status lines yield no samples and no error.
func (p *LineParser) Parse(line string, now time.Time) ([]telemetry.Sample, error) {
	line = strings.TrimSpace(line)
	switch serialmux.ClassifyLine(line) {
	case serialmux.LineStatus:
		return nil, nil
	case serialmux.LineNMEA:
		return p.parseNMEA(line, now)
	case serialmux.LineOBD:
		return parseOBD(line, now)
	case serialmux.LineSample:
		return p.parseSample(line, now)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnrecognised, line)
}

func (p *LineParser) parseNMEA(line string, now time.Time) ([]telemetry.Sample, error) {
	s, err := nmea.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("nmea: %w", err)
	}
	switch m := s.(type) {
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return nil, nil
		}
		ts := now
		if m.Date.Valid && m.Time.Valid {
			p.date = time.Date(2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD, 0, 0, 0, 0, time.UTC)
			ts = p.gps.align(p.stamp(m.Time), now)
		}
		return []telemetry.Sample{
			{Channel: telemetry.ChannelGPSLat, Value: m.Latitude, Timestamp: ts},
			{Channel: telemetry.ChannelGPSLon, Value: m.Longitude, Timestamp: ts},
			{Channel: telemetry.ChannelGPSSpeed, Value: m.Speed * knotsToMPS, Timestamp: ts},
			{Channel: telemetry.ChannelGPSHeading, Value: m.Course, Timestamp: ts},
		}, nil
	case nmea.GGA:
		if m.FixQuality == nmea.Invalid {
			return nil, nil
		}
		ts := now
		if !p.date.IsZero() && m.Time.Valid {
			ts = p.gps.align(p.stamp(m.Time), now)
		}
		return []telemetry.Sample{{Channel: telemetry.ChannelGPSAlt, Value: m.Altitude, Timestamp: ts}}, nil
	}
	return nil, nil
}

func (p *LineParser) stamp(t nmea.Time) time.Time {
	return p.date.Add(time.Duration(t.Hour)*time.Hour +
		time.Duration(t.Minute)*time.Minute +
		time.Duration(t.Second)*time.Second +
		time.Duration(t.Millisecond)*time.Millisecond)
}

// parseOBD decodes a mode 01 response such as "41 0C 1A F8".
func parseOBD(line string, now time.Time) ([]telemetry.Sample, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(line, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("obd response %q: %w", line, err)
	}
	if len(b) < 3 || b[0] != 0x41 {
		return nil, fmt.Errorf("obd response %q: too short", line)
	}
	pid, data := b[1], b[2:]
	need := map[byte]int{0x0C: 2, 0x0D: 1, 0x05: 1, 0x42: 2}
	n, ok := need[pid]
	if !ok {
		return nil, nil
	}
	if len(data) < n {
		return nil, fmt.Errorf("obd pid %02X: %d data bytes, want %d", pid, len(data), n)
	}

	var ch string
	var v float64
	switch pid {
	case 0x0C:
		ch, v = telemetry.ChannelOBDRPM, float64(int(data[0])<<8|int(data[1]))/4
	case 0x0D:
		ch, v = telemetry.ChannelOBDSpeed, float64(data[0])
	case 0x05:
		ch, v = telemetry.ChannelCoolantTemp, (float64(data[0])-40)*9/5+32
	case 0x42:
		ch, v = telemetry.ChannelBatteryVoltage, float64(int(data[0])<<8|int(data[1]))/1000
	}
	return []telemetry.Sample{{Channel: ch, Value: v, Timestamp: now}}, nil
}

// parseSample accepts "channel=value[ channel=value...]" stamped with now,
// or "timestamp,channel,value" where timestamp is RFC 3339 or Unix seconds
// and is aligned onto now's time base.
func (p *LineParser) parseSample(line string, now time.Time) ([]telemetry.Sample, error) {
	if strings.Contains(line, "=") {
		var out []telemetry.Sample
		for _, field := range strings.FieldsFunc(line, func(r rune) bool { return r == ' ' || r == ';' || r == '\t' }) {
			k, raw, ok := strings.Cut(field, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("%w: field %q", ErrUnrecognised, field)
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("channel %s: %w", k, err)
			}
			out = append(out, telemetry.Sample{Channel: k, Value: v, Timestamp: now})
		}
		return out, nil
	}

	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %q", ErrUnrecognised, line)
	}
	ts, err := parseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return nil, fmt.Errorf("value %q: %w", parts[2], err)
	}
	return []telemetry.Sample{{Channel: strings.TrimSpace(parts[1]), Value: v, Timestamp: p.log.align(ts, now)}}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t, nil
}
