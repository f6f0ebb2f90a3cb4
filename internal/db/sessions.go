package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Session is one run of the daemon against one source.
type Session struct {
	ID               string     `json:"session_id"`
	Source           string     `json:"source"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	SamplesProcessed int64      `json:"samples_processed"`
	SamplesRejected  int64      `json:"samples_rejected"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

// StartSession records a new open session.
func (db *DB) StartSession(source string, at time.Time) (*Session, error) {
	s := &Session{ID: uuid.NewString(), Source: source, StartedAt: at.UTC()}
	_, err := db.Exec(`INSERT INTO sessions (session_id, source, started_unix) VALUES (?, ?, ?)`,
		s.ID, s.Source, unixSeconds(at))
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return s, nil
}

// EndSession closes a session with its final counters.
func (db *DB) EndSession(id string, at time.Time, processed, rejected int64) error {
	res, err := db.Exec(`UPDATE sessions SET ended_unix = ?, samples_processed = ?, samples_rejected = ?
		WHERE session_id = ?`, unixSeconds(at), processed, rejected, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrNotFound)
	}
	return nil
}

// Sessions returns the most recent sessions first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	rows, err := db.Query(`SELECT session_id, source, started_unix, ended_unix, samples_processed, samples_rejected
		FROM sessions ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s       Session
			started float64
			ended   sql.NullFloat64
		)
		if err := rows.Scan(&s.ID, &s.Source, &started, &ended, &s.SamplesProcessed, &s.SamplesRejected); err != nil {
			return nil, err
		}
		s.StartedAt = fromUnixSeconds(started)
		if ended.Valid {
			t := fromUnixSeconds(ended.Float64)
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
