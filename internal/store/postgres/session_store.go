package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// SessionStore implements domain.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

var _ domain.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a new SessionStore.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// UpsertSession inserts or replaces a session row.
func (s *SessionStore) UpsertSession(ctx context.Context, sess domain.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, status, cycle_id, direction, priority, status_since, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			cycle_id = EXCLUDED.cycle_id,
			direction = EXCLUDED.direction,
			priority = EXCLUDED.priority,
			status_since = EXCLUDED.status_since,
			updated_at = EXCLUDED.updated_at`,
		sess.ID, string(sess.Status), sess.CycleID, string(sess.Direction), sess.Priority,
		sess.StatusSince, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert session %s: %w", sess.ID, translate(err))
	}
	return nil
}

// ListSessions returns every session ordered by id.
func (s *SessionStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, cycle_id, direction, priority, status_since, created_at, updated_at
		FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", translate(err))
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var sess domain.Session
		var status, direction string
		if err := rows.Scan(&sess.ID, &status, &sess.CycleID, &direction, &sess.Priority,
			&sess.StatusSince, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		sess.Status = domain.SessionStatus(status)
		sess.Direction = domain.Direction(direction)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: session rows: %w", translate(err))
	}
	return out, nil
}
