package pg

import (
	"context"
	"database/sql"
)

// IPCAuditStore is the Postgres-backed store.IPCAuditStore — one row per
// inbox file the mediator processed, regardless of whether it was accepted
// or rejected. This is the durable trail behind the authorization matrix in
// internal/ipc.
type IPCAuditStore struct {
	db *sql.DB
}

func (s *IPCAuditStore) Record(ctx context.Context, sourceGroup, opType string, accepted bool, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ipc_audit (source_group, op_type, accepted, reason, recorded_at)
		VALUES ($1, $2, $3, $4, now())
	`, sourceGroup, opType, accepted, reason)
	return err
}
