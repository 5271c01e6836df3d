package repo

import (
	"context"
	"database/sql"

	appErr "github.com/quillhq/contextd/internal/pkg/errors"
	"github.com/quillhq/contextd/internal/model"
)

// DocRepo stores workspace doc snapshots, the content source for the
// embedding worker. Doc sync itself happens upstream.
type DocRepo struct {
	db *sql.DB
}

func NewDocRepo(db *sql.DB) *DocRepo {
	return &DocRepo{db: db}
}

func (r *DocRepo) Upsert(ctx context.Context, doc *model.WorkspaceDoc) error {
	query := `INSERT INTO workspace_docs (workspace_id, doc_id, content, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, doc_id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, query, doc.WorkspaceID, doc.DocID, doc.Content, doc.UpdatedAt)
	return err
}

func (r *DocRepo) Get(ctx context.Context, workspaceID, docID string) (*model.WorkspaceDoc, error) {
	query := `SELECT workspace_id, doc_id, content, updated_at FROM workspace_docs
		WHERE workspace_id = $1 AND doc_id = $2`
	doc := &model.WorkspaceDoc{}
	err := r.db.QueryRowContext(ctx, query, workspaceID, docID).
		Scan(&doc.WorkspaceID, &doc.DocID, &doc.Content, &doc.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

// ListWorkspaceIDs returns every workspace that has at least one doc. Used
// by the discovery job to fan out.
func (r *DocRepo) ListWorkspaceIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT workspace_id FROM workspace_docs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
