package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/didi/gendry/builder"

	appErr "github.com/quillhq/contextd/internal/pkg/errors"
	"github.com/quillhq/contextd/internal/model"
	"github.com/quillhq/contextd/internal/pkg/dbutil"
)

type ContextRepo struct {
	db *sql.DB
}

func NewContextRepo(db *sql.DB) *ContextRepo {
	return &ContextRepo{db: db}
}

func (r *ContextRepo) Create(ctx context.Context, c *model.Context) error {
	raw, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("encode context config: %w", err)
	}
	data := []map[string]interface{}{{
		"id":         c.ID,
		"session_id": c.SessionID,
		"config":     raw,
		"ctime":      c.Ctime,
		"mtime":      c.Mtime,
	}}
	query, args, err := builder.BuildInsert("contexts", data)
	if err != nil {
		return err
	}
	query, args = dbutil.Finalize(query, args)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *ContextRepo) Get(ctx context.Context, id string) (*model.Context, error) {
	return r.getByField(ctx, "id", id)
}

// GetBySessionID returns (nil, nil) when no context exists for the session,
// so callers can run find-or-create without treating absence as an error.
func (r *ContextRepo) GetBySessionID(ctx context.Context, sessionID string) (*model.Context, error) {
	c, err := r.getByField(ctx, "session_id", sessionID)
	if err == appErr.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ContextRepo) getByField(ctx context.Context, field, value string) (*model.Context, error) {
	query := `SELECT id, session_id, config, ctime, mtime FROM contexts WHERE ` + field + ` = $1`
	row := r.db.QueryRowContext(ctx, query, value)
	c := &model.Context{}
	var raw []byte
	if err := row.Scan(&c.ID, &c.SessionID, &raw, &c.Ctime, &c.Mtime); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	cfg, err := model.ParseContextConfig(raw)
	if err != nil {
		return nil, err
	}
	c.Config = cfg
	return c, nil
}

func (r *ContextRepo) UpdateConfig(ctx context.Context, id string, cfg *model.ContextConfig, mtime int64) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode context config: %w", err)
	}
	query := `UPDATE contexts SET config = $1, mtime = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, raw, mtime, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}
