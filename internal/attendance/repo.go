package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mid-D-Man/AirCode-sub001/internal/session"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("attendance: session not found")

// Repository persists sessions for audit and restart recovery. Temporal keys
// are not persisted.
type Repository interface {
	SaveSession(ctx context.Context, s *session.Session) error
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListSessions(ctx context.Context, state session.State) ([]*session.Session, error)
}

// PostgresRepository keeps sessions in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the sessions table.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id                   TEXT PRIMARY KEY,
			course_code          TEXT NOT NULL,
			start_time           TIMESTAMPTZ,
			duration_ms          BIGINT NOT NULL,
			end_time             TIMESTAMPTZ,
			security_features    SMALLINT NOT NULL DEFAULT 0,
			offline_sync_allowed BOOLEAN NOT NULL DEFAULT TRUE,
			state                TEXT NOT NULL,
			ended_at             TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// SaveSession inserts or updates a session.
func (r *PostgresRepository) SaveSession(ctx context.Context, s *session.Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, course_code, start_time, duration_ms, end_time, security_features, offline_sync_allowed, state, ended_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			state = EXCLUDED.state,
			ended_at = EXCLUDED.ended_at,
			updated_at = NOW()
	`, s.ID, s.CourseCode, nullTime(s.StartTime), s.Duration.Milliseconds(), nullTime(s.EndTime),
		int(s.SecurityFeatures), s.OfflineSyncAllowed, string(s.State), s.EndedAt, s.CreatedAt)
	return err
}

const sessionColumns = `id, course_code, start_time, duration_ms, end_time, security_features, offline_sync_allowed, state, ended_at, created_at`

// GetSession returns a single session by id.
func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, err
}

// ListSessions returns sessions in state, oldest first. An empty state lists all.
func (r *PostgresRepository) ListSessions(ctx context.Context, state session.State) ([]*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if state != "" {
		query += ` WHERE state = $1`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var (
		s          session.Session
		start, end sql.NullTime
		durationMS int64
		features   int
		state      string
	)
	if err := row.Scan(&s.ID, &s.CourseCode, &start, &durationMS, &end, &features, &s.OfflineSyncAllowed, &state, &s.EndedAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.StartTime = start.Time.UTC()
	s.EndTime = end.Time.UTC()
	if !start.Valid {
		s.StartTime, s.EndTime = time.Time{}, time.Time{}
	}
	s.Duration = time.Duration(durationMS) * time.Millisecond
	s.SecurityFeatures = session.Features(features)
	s.State = session.State(state)
	s.CreatedAt = s.CreatedAt.UTC()
	if s.EndedAt != nil {
		t := s.EndedAt.UTC()
		s.EndedAt = &t
	}
	return &s, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// MemoryRepository keeps sessions in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewMemoryRepository returns an empty repo.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*session.Session)}
}

func (r *MemoryRepository) SaveSession(_ context.Context, s *session.Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session id required")
	}
	c := s.Clone()
	c.CurrentTemporalKey = nil
	r.mu.Lock()
	r.sessions[s.ID] = c
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) ListSessions(_ context.Context, state session.State) ([]*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*session.Session
	for _, s := range r.sessions {
		if state == "" || s.State == state {
			res = append(res, s.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}
