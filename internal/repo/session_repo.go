package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	appErr "github.com/quillhq/contextd/internal/pkg/errors"
	"github.com/quillhq/contextd/internal/model"
	"github.com/quillhq/contextd/internal/pkg/dbutil"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*model.ChatSession, error) {
	query := `SELECT id, workspace_id, user_id, ctime FROM chat_sessions WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id)
	s := &model.ChatSession{}
	if err := row.Scan(&s.ID, &s.WorkspaceID, &s.UserID, &s.Ctime); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrSessionNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *SessionRepo) Create(ctx context.Context, s *model.ChatSession) error {
	data := []map[string]interface{}{{
		"id":           s.ID,
		"workspace_id": s.WorkspaceID,
		"user_id":      s.UserID,
		"ctime":        s.Ctime,
	}}
	query, args, err := builder.BuildInsert("chat_sessions", data)
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
