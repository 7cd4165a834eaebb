package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ModeSave    = "save"
	ModeReceive = "receive"
)

// Session is one catalog row. EndedAt is zero while the session runs or
// if the process died before teardown.
type Session struct {
	ID            string    `json:"id"`
	Mode          string    `json:"mode"`
	Command       string    `json:"command,omitempty"`
	LogPath       string    `json:"log_path,omitempty"`
	Port          int       `json:"port,omitempty"`
	Pid           int       `json:"pid,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	EndReason     string    `json:"end_reason,omitempty"`
	UserBytes     int64     `json:"user_bytes"`
	HostBytes     int64     `json:"host_bytes"`
	InjectedBytes int64     `json:"injected_bytes"`
	Resizes       int64     `json:"resizes"`
	Records       int64     `json:"records"`
	Datagrams     int64     `json:"datagrams"`
}

// Running reports whether the session has not been finished.
func (s *Session) Running() bool {
	return s.EndedAt.IsZero()
}

// Duration is the session length, or the time since start while running.
func (s *Session) Duration() time.Duration {
	if s.Running() {
		return time.Since(s.StartedAt)
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Summary carries the counters recorded when a session ends.
type Summary struct {
	EndedAt       time.Time
	EndReason     string
	UserBytes     int64
	HostBytes     int64
	InjectedBytes int64
	Resizes       int64
	Records       int64
	Datagrams     int64
}

type SessionFilter struct {
	Mode  string
	Limit int
}

type CatalogRepo struct {
	db *sql.DB
}

func NewCatalogRepo(db *sql.DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

const sessionColumns = `id, mode, command, log_path, port, pid, started_at, ended_at, end_reason,
user_bytes, host_bytes, injected_bytes, resize_count, record_count, datagram_count`

func (r *CatalogRepo) Create(ctx context.Context, session *Session) error {
	if session.Mode != ModeSave && session.Mode != ModeReceive {
		return fmt.Errorf("invalid session mode %q", session.Mode)
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = nowUTC()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (id, mode, command, log_path, port, pid, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, session.ID, session.Mode, session.Command, session.LogPath, session.Port, session.Pid, formatTimestamp(session.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Finish stores the end of a session. Finishing an unknown session is an
// error; finishing twice overwrites the first summary.
func (r *CatalogRepo) Finish(ctx context.Context, id string, sum Summary) error {
	if sum.EndedAt.IsZero() {
		sum.EndedAt = nowUTC()
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET ended_at = ?, end_reason = ?, user_bytes = ?, host_bytes = ?, injected_bytes = ?,
	resize_count = ?, record_count = ?, datagram_count = ?
WHERE id = ?
`, formatTimestamp(sum.EndedAt), sum.EndReason, sum.UserBytes, sum.HostBytes, sum.InjectedBytes,
		sum.Resizes, sum.Records, sum.Datagrams, id)
	if err != nil {
		return fmt.Errorf("failed to finish session %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish session %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to finish session %q: not found", id)
	}
	return nil
}

// Get returns nil without error when the session does not exist.
func (r *CatalogRepo) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}
	return s, nil
}

// List returns sessions newest first.
func (r *CatalogRepo) List(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	where := []string{}

	if filter.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, filter.Mode)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var startedAtRaw string
	var endedAtRaw sql.NullString
	if err := row.Scan(&s.ID, &s.Mode, &s.Command, &s.LogPath, &s.Port, &s.Pid, &startedAtRaw, &endedAtRaw, &s.EndReason,
		&s.UserBytes, &s.HostBytes, &s.InjectedBytes, &s.Resizes, &s.Records, &s.Datagrams); err != nil {
		return nil, err
	}

	var err error
	s.StartedAt, err = parseTimestamp(startedAtRaw)
	if err != nil {
		return nil, err
	}
	if endedAtRaw.Valid {
		s.EndedAt, err = parseTimestamp(endedAtRaw.String)
		if err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// Fixed-width so that started_at sorts lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}
