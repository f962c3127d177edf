// Package pg implements store.Store backed by Postgres, following the same
// raw-SQL-over-database/sql idiom as the rest of this codebase's Postgres
// layer (no ORM).
package pg

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/nextlevelbuilder/groupd/internal/store"
)

// PGStore is the Postgres-backed store.Store implementation.
type PGStore struct {
	db *sql.DB

	groups      *GroupStore
	sessions    *SessionStore
	tasks       *TaskStore
	routerState *RouterStateStore
	runTraces   *RunTraceStore
	ipcAudit    *IPCAuditStore
}

// Open connects to Postgres at dsn and runs pending migrations.
func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &PGStore{
		db:          db,
		groups:      &GroupStore{db: db},
		sessions:    &SessionStore{db: db},
		tasks:       &TaskStore{db: db},
		routerState: &RouterStateStore{db: db},
		runTraces:   &RunTraceStore{db: db},
		ipcAudit:    &IPCAuditStore{db: db},
	}, nil
}

func (s *PGStore) Groups() store.GroupStore            { return s.groups }
func (s *PGStore) Sessions() store.SessionStore        { return s.sessions }
func (s *PGStore) Tasks() store.TaskStore              { return s.tasks }
func (s *PGStore) RouterState() store.RouterStateStore { return s.routerState }
func (s *PGStore) RunTraces() store.RunTraceStore      { return s.runTraces }
func (s *PGStore) IPCAudit() store.IPCAuditStore       { return s.ipcAudit }
func (s *PGStore) Close() error                        { return s.db.Close() }
