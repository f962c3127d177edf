package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/nextlevelbuilder/groupd/internal/store"
)

const groupCols = "group_id, display_name, folder, trigger, added_at, container_config"

// GroupStore is the Postgres-backed store.GroupStore.
type GroupStore struct {
	db *sql.DB
}

func scanGroup(row interface{ Scan(...any) error }) (*store.Group, error) {
	var g store.Group
	var cfg []byte
	if err := row.Scan(&g.GroupID, &g.DisplayName, &g.Folder, &g.Trigger, &g.AddedAt, &cfg); err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		var c store.ContainerConfig
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, err
		}
		g.ContainerConfig = &c
	}
	return &g, nil
}

func (s *GroupStore) Get(ctx context.Context, groupID string) (*store.Group, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+groupCols+" FROM groups WHERE group_id = $1", groupID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *GroupStore) Upsert(ctx context.Context, g *store.Group) error {
	var cfg []byte
	if g.ContainerConfig != nil {
		var err error
		cfg, err = json.Marshal(g.ContainerConfig)
		if err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (group_id, display_name, folder, trigger, added_at, container_config)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (group_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			folder = EXCLUDED.folder,
			trigger = EXCLUDED.trigger,
			container_config = EXCLUDED.container_config
	`, g.GroupID, g.DisplayName, g.Folder, g.Trigger, g.AddedAt, cfg)
	return err
}

func (s *GroupStore) List(ctx context.Context) ([]store.Group, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+groupCols+" FROM groups ORDER BY added_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}
