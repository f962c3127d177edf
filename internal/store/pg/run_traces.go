package pg

import (
	"context"
	"database/sql"
)

// RunTraceStore is the Postgres-backed store.RunTraceStore — one row per
// spawned container run, started when the run is spawned and finished on
// completion/error (prompts piped into a live container get no row of their own),
// independent of the OpenTelemetry spans that also cover a run (see
// internal/tracing); this row is what survives a span exporter outage.
type RunTraceStore struct {
	db *sql.DB
}

func (s *RunTraceStore) Start(ctx context.Context, runID, groupID, folder string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_traces (run_id, group_id, folder, status, started_at)
		VALUES ($1, $2, $3, 'running', now())
	`, runID, groupID, folder)
	return err
}

func (s *RunTraceStore) Finish(ctx context.Context, runID, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_traces SET status = $2, error = $3, finished_at = now()
		WHERE run_id = $1
	`, runID, status, errMsg)
	return err
}
