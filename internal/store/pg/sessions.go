package pg

import (
	"context"
	"database/sql"
)

// SessionStore is the Postgres-backed store.SessionStore.
type SessionStore struct {
	db *sql.DB
}

func (s *SessionStore) Get(ctx context.Context, folder string) (string, bool, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, "SELECT session_id FROM sessions WHERE folder = $1", folder).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sessionID, true, nil
}

func (s *SessionStore) Set(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (folder, session_id, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (folder) DO UPDATE SET session_id = EXCLUDED.session_id, updated_at = now()
	`, folder, sessionID)
	return err
}
