package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/groupd/internal/store"
)

const taskCols = "task_id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at"

// TaskStore is the Postgres-backed store.TaskStore.
type TaskStore struct {
	db *sql.DB
}

func scanTask(row interface{ Scan(...any) error }) (*store.Task, error) {
	var t store.Task
	var nextRun sql.NullTime
	if err := row.Scan(&t.TaskID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType,
		&t.ScheduleValue, &t.ContextMode, &t.Status, &nextRun, &t.CreatedAt); err != nil {
		return nil, err
	}
	if nextRun.Valid {
		t.NextRun = &nextRun.Time
	}
	return &t, nil
}

func (s *TaskStore) Create(ctx context.Context, t *store.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.TaskID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.Status, t.NextRun, t.CreatedAt)
	return err
}

func (s *TaskStore) Get(ctx context.Context, taskID string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskCols+" FROM tasks WHERE task_id = $1", taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TaskStore) Update(ctx context.Context, t *store.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			chat_jid = $2, prompt = $3, schedule_type = $4, schedule_value = $5,
			context_mode = $6, status = $7, next_run = $8
		WHERE task_id = $1
	`, t.TaskID, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode, t.Status, t.NextRun)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TaskStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE task_id = $1", taskID)
	return err
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListDue returns active tasks whose next_run has arrived, ordered by
// next_run ascending with task_id as tiebreak — matching the submission
// order the scheduler must preserve.
func (s *TaskStore) ListDue(ctx context.Context, now time.Time) ([]store.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= $1
		ORDER BY next_run ASC, task_id ASC
	`, now)
}

func (s *TaskStore) ListForGroup(ctx context.Context, groupFolder string) ([]store.Task, error) {
	return s.queryTasks(ctx, "SELECT "+taskCols+" FROM tasks WHERE group_folder = $1 ORDER BY created_at ASC", groupFolder)
}

func (s *TaskStore) ListAll(ctx context.Context) ([]store.Task, error) {
	return s.queryTasks(ctx, "SELECT "+taskCols+" FROM tasks ORDER BY created_at ASC")
}
