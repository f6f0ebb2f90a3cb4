package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func insertRun(ex execer, sessionID string, r telemetry.PerformanceRun) error {
	degraded := 0
	if r.Conditions.Degraded {
		degraded = 1
	}
	_, err := ex.Exec(`INSERT OR IGNORE INTO performance_runs (
			run_id, session_id, metric, kind, value, unit, start_unix, end_unix,
			start_speed_mph, end_speed_mph, peak_speed_mph, distance_m, degraded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullString(sessionID), r.Metric, r.Kind, r.Value, r.Unit,
		unixSeconds(r.Start), unixSeconds(r.End),
		r.Conditions.StartSpeedMPH, r.Conditions.EndSpeedMPH, r.Conditions.PeakSpeedMPH,
		r.Conditions.DistanceM, degraded,
	)
	return err
}

func insertAnomaly(ex execer, sessionID string, e telemetry.AnomalyEvent) error {
	_, err := ex.Exec(`INSERT INTO anomaly_events (
			session_id, channel, kind, severity, confidence, score, value, ts_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(sessionID), e.Channel, string(e.Kind), e.Severity.String(),
		e.Confidence, e.Score, e.Value, unixSeconds(e.Timestamp),
	)
	return err
}

func insertViolation(ex execer, sessionID string, v telemetry.LimitViolation) error {
	_, err := ex.Exec(`INSERT INTO limit_violations (
			session_id, channel, tier, bound, state, current_value, limit_value,
			started_unix, duration_s, recommendation
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(sessionID), v.Channel, v.Tier.String(), v.Bound, string(v.State),
		v.CurrentValue, v.LimitValue, unixSeconds(v.StartedAt), v.Duration.Seconds(),
		v.Recommendation,
	)
	return err
}

// InsertRun stores a completed run. Re-inserting the same run ID is a no-op.
func (db *DB) InsertRun(sessionID string, r telemetry.PerformanceRun) error {
	if err := insertRun(db, sessionID, r); err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// Runs returns stored runs ordered by end time, newest first. An empty
// metric matches every metric.
func (db *DB) Runs(metric string, limit int) ([]telemetry.PerformanceRun, error) {
	rows, err := db.Query(`SELECT run_id, metric, kind, value, unit, start_unix, end_unix,
			start_speed_mph, end_speed_mph, peak_speed_mph, distance_m, degraded
		FROM performance_runs
		WHERE (? = '' OR metric = ?)
		ORDER BY end_unix DESC LIMIT ?`, metric, metric, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.PerformanceRun
	for rows.Next() {
		var (
			r          telemetry.PerformanceRun
			start, end float64
			degraded   int
		)
		if err := rows.Scan(&r.ID, &r.Metric, &r.Kind, &r.Value, &r.Unit, &start, &end,
			&r.Conditions.StartSpeedMPH, &r.Conditions.EndSpeedMPH, &r.Conditions.PeakSpeedMPH,
			&r.Conditions.DistanceM, &degraded); err != nil {
			return nil, err
		}
		r.Start, r.End = fromUnixSeconds(start), fromUnixSeconds(end)
		r.Conditions.Degraded = degraded != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// StoredAnomaly is an anomaly event row.
type StoredAnomaly struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	telemetry.AnomalyEvent
}

// Anomalies returns events at or after since, newest first.
func (db *DB) Anomalies(since time.Time, limit int) ([]StoredAnomaly, error) {
	rows, err := db.Query(`SELECT event_id, COALESCE(session_id, ''), channel, kind, severity,
			confidence, score, value, ts_unix
		FROM anomaly_events WHERE ts_unix >= ? ORDER BY ts_unix DESC LIMIT ?`,
		unixSeconds(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredAnomaly
	for rows.Next() {
		var (
			a        StoredAnomaly
			kind     string
			severity string
			ts       float64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Channel, &kind, &severity,
			&a.Confidence, &a.Score, &a.Value, &ts); err != nil {
			return nil, err
		}
		a.Kind = telemetry.AnomalyKind(kind)
		a.Severity = parseSeverity(severity)
		a.Timestamp = fromUnixSeconds(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

func parseSeverity(s string) telemetry.Severity {
	for sev := telemetry.SeverityLow; sev <= telemetry.SeverityCritical; sev++ {
		if sev.String() == s {
			return sev
		}
	}
	return 0
}

// ViolationCounts returns the number of stored violation transitions per
// channel and tier.
func (db *DB) ViolationCounts() (map[string]map[string]int, error) {
	rows, err := db.Query(`SELECT channel, tier, COUNT(*) FROM limit_violations
		WHERE state = ? GROUP BY channel, tier`, string(telemetry.ViolationActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]map[string]int{}
	for rows.Next() {
		var channel, tier string
		var n int
		if err := rows.Scan(&channel, &tier, &n); err != nil {
			return nil, err
		}
		if out[channel] == nil {
			out[channel] = map[string]int{}
		}
		out[channel][tier] = n
	}
	return out, rows.Err()
}
