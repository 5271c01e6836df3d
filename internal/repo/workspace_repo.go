package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	appErr "github.com/quillhq/contextd/internal/pkg/errors"
	"github.com/quillhq/contextd/internal/model"
	"github.com/quillhq/contextd/internal/pkg/dbutil"
	"github.com/quillhq/contextd/internal/pkg/timeutil"
	"github.com/xxxsen/common/logutil"

	"github.com/didi/gendry/builder"
)

// embeddingFreshness is how long a doc embedding stays trusted before a
// queued doc is re-embedded anyway.
const embeddingFreshness = 10 * time.Minute

// WorkspaceRepo stores workspace-scope files, their embeddings, the ignored
// doc set, and embedding bookkeeping over the workspace docs table.
type WorkspaceRepo struct {
	db  *sql.DB
	dbx *sqlx.DB
}

func NewWorkspaceRepo(db *sql.DB) *WorkspaceRepo {
	return &WorkspaceRepo{db: db, dbx: sqlx.NewDb(db, "postgres")}
}

func (r *WorkspaceRepo) AddFile(ctx context.Context, f *model.WorkspaceFile) error {
	data := []map[string]interface{}{{
		"workspace_id": f.WorkspaceID,
		"file_id":      f.FileID,
		"blob_id":      f.BlobID,
		"file_name":    f.FileName,
		"mime_type":    f.MimeType,
		"size":         f.Size,
		"ctime":        f.Ctime,
	}}
	query, args, err := builder.BuildInsert("workspace_files", data)
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

func (r *WorkspaceRepo) GetFile(ctx context.Context, workspaceID, fileID string) (*model.WorkspaceFile, error) {
	f := &model.WorkspaceFile{}
	query := `SELECT workspace_id, file_id, blob_id, file_name, mime_type, size, ctime
		FROM workspace_files WHERE workspace_id = $1 AND file_id = $2`
	if err := r.dbx.GetContext(ctx, f, query, workspaceID, fileID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (r *WorkspaceRepo) ListFiles(ctx context.Context, workspaceID string, limit, offset int) ([]model.WorkspaceFile, error) {
	var files []model.WorkspaceFile
	query := `SELECT workspace_id, file_id, blob_id, file_name, mime_type, size, ctime
		FROM workspace_files WHERE workspace_id = $1 ORDER BY ctime DESC LIMIT $2 OFFSET $3`
	if err := r.dbx.SelectContext(ctx, &files, query, workspaceID, limit, offset); err != nil {
		return nil, err
	}
	return files, nil
}

func (r *WorkspaceRepo) CountFiles(ctx context.Context, workspaceID string) (int64, error) {
	var count int64
	query := `SELECT count(1) FROM workspace_files WHERE workspace_id = $1`
	if err := r.db.QueryRowContext(ctx, query, workspaceID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// RemoveFile deletes the file's embeddings before the file row so a failure
// never leaves orphan chunks behind a missing file.
func (r *WorkspaceRepo) RemoveFile(ctx context.Context, workspaceID, fileID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workspace_file_embeddings WHERE workspace_id = $1 AND file_id = $2`,
		workspaceID, fileID); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM workspace_files WHERE workspace_id = $1 AND file_id = $2`,
		workspaceID, fileID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *WorkspaceRepo) InsertFileEmbeddings(ctx context.Context, workspaceID string, fileID string, chunks []model.Embedding) error {
	if len(chunks) == 0 {
		logutil.GetLogger(ctx).Warn("no embedding chunks to insert, skip",
			zap.String("workspace_id", workspaceID), zap.String("file_id", fileID))
		return nil
	}
	values, args := buildChunkValues([]interface{}{workspaceID, fileID}, chunks)
	query := `INSERT INTO workspace_file_embeddings (workspace_id, file_id, chunk, content, embedding, updated_at) VALUES ` + values + `
		ON CONFLICT (workspace_id, file_id, chunk) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *WorkspaceRepo) MatchFileEmbeddings(ctx context.Context, vec []float32, workspaceID string, topK int, threshold float64) ([]model.FileChunk, error) {
	query := `
		SELECT e.file_id, f.blob_id, f.file_name, f.mime_type, e.chunk, e.content, e.embedding <=> $1 AS distance
		FROM workspace_file_embeddings e
		JOIN workspace_files f ON f.workspace_id = e.workspace_id AND f.file_id = e.file_id
		WHERE e.workspace_id = $2 AND e.embedding <=> $1 <= $3
		ORDER BY distance ASC
		LIMIT $4`
	rows, err := r.db.QueryContext(ctx, query, pgvector.NewVector(vec), workspaceID, threshold, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chunks []model.FileChunk
	for rows.Next() {
		var c model.FileChunk
		if err := rows.Scan(&c.FileID, &c.BlobID, &c.Name, &c.MimeType, &c.Chunk, &c.Content, &c.Distance); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// UpdateIgnoredDocs applies adds and removes in one transaction and returns
// the number of rows touched.
func (r *WorkspaceRepo) UpdateIgnoredDocs(ctx context.Context, workspaceID string, add, remove []string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var touched int64
	if len(add) > 0 {
		now := timeutil.NowUnix()
		placeholders := make([]string, 0, len(add))
		args := []interface{}{workspaceID, now}
		for _, docID := range add {
			args = append(args, docID)
			placeholders = append(placeholders, fmt.Sprintf("($1, $%d, $2)", len(args)))
		}
		query := `INSERT INTO workspace_ignored_docs (workspace_id, doc_id, created_at) VALUES ` +
			strings.Join(placeholders, ", ") + ` ON CONFLICT (workspace_id, doc_id) DO NOTHING`
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		n, _ := result.RowsAffected()
		touched += n
	}
	if len(remove) > 0 {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM workspace_ignored_docs WHERE workspace_id = $1 AND doc_id = ANY($2)`,
			workspaceID, pq.Array(remove))
		if err != nil {
			return 0, err
		}
		n, _ := result.RowsAffected()
		touched += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return touched, nil
}

func (r *WorkspaceRepo) ListIgnoredDocs(ctx context.Context, workspaceID string, limit, offset int) ([]model.IgnoredDoc, error) {
	var docs []model.IgnoredDoc
	query := `SELECT workspace_id, doc_id, created_at FROM workspace_ignored_docs
		WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	if err := r.dbx.SelectContext(ctx, &docs, query, workspaceID, limit, offset); err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *WorkspaceRepo) CountIgnoredDocs(ctx context.Context, workspaceID string) (int64, error) {
	var count int64
	query := `SELECT count(1) FROM workspace_ignored_docs WHERE workspace_id = $1`
	if err := r.db.QueryRowContext(ctx, query, workspaceID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CheckIgnoredDocs returns the subset of docIDs currently ignored.
func (r *WorkspaceRepo) CheckIgnoredDocs(ctx context.Context, workspaceID string, docIDs []string) ([]string, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}
	query := `SELECT doc_id FROM workspace_ignored_docs WHERE workspace_id = $1 AND doc_id = ANY($2)`
	rows, err := r.db.QueryContext(ctx, query, workspaceID, pq.Array(docIDs))
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

// FindDocsToEmbed lists docs with content that have no embedding yet and are
// not ignored. The workspace root doc is skipped.
func (r *WorkspaceRepo) FindDocsToEmbed(ctx context.Context, workspaceID string) ([]string, error) {
	query := `
		SELECT d.doc_id
		FROM workspace_docs d
		LEFT JOIN workspace_embeddings e
			ON e.workspace_id = d.workspace_id AND e.doc_id = d.doc_id
		LEFT JOIN workspace_ignored_docs i
			ON i.workspace_id = d.workspace_id AND i.doc_id = d.doc_id
		WHERE d.workspace_id = $1
			AND d.doc_id != d.workspace_id
			AND d.content != ''
			AND e.doc_id IS NULL
			AND i.doc_id IS NULL`
	rows, err := r.db.QueryContext(ctx, query, workspaceID)
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

// CheckDocNeedEmbedded reports whether a queued doc still needs embedding:
// no embedding row yet, the doc changed after the last embedding, or the
// embedding has aged past the freshness window.
func (r *WorkspaceRepo) CheckDocNeedEmbedded(ctx context.Context, workspaceID, docID string) (bool, error) {
	stale := timeutil.NowUnix() - embeddingFreshness.Milliseconds()
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM workspace_docs d
			LEFT JOIN workspace_embeddings e
				ON e.workspace_id = d.workspace_id AND e.doc_id = d.doc_id AND e.chunk = 0
			WHERE d.workspace_id = $1 AND d.doc_id = $2
				AND (e.doc_id IS NULL OR d.updated_at > e.updated_at OR e.updated_at < $3)
		)`
	var need bool
	if err := r.db.QueryRowContext(ctx, query, workspaceID, docID, stale).Scan(&need); err != nil {
		return false, err
	}
	return need, nil
}

// GetEmbeddingStatus counts embeddable targets (non-ignored docs with
// content, plus workspace files) and how many of them are embedded.
func (r *WorkspaceRepo) GetEmbeddingStatus(ctx context.Context, workspaceID string) (*model.EmbeddingStatus, error) {
	query := `
		SELECT
			(SELECT count(1) FROM workspace_docs d
				LEFT JOIN workspace_ignored_docs i
					ON i.workspace_id = d.workspace_id AND i.doc_id = d.doc_id
				WHERE d.workspace_id = $1 AND d.doc_id != d.workspace_id
					AND d.content != '' AND i.doc_id IS NULL)
			+ (SELECT count(1) FROM workspace_files WHERE workspace_id = $1) AS total,
			(SELECT count(DISTINCT e.doc_id) FROM workspace_embeddings e
				LEFT JOIN workspace_ignored_docs i
					ON i.workspace_id = e.workspace_id AND i.doc_id = e.doc_id
				WHERE e.workspace_id = $1 AND i.doc_id IS NULL)
			+ (SELECT count(DISTINCT file_id) FROM workspace_file_embeddings WHERE workspace_id = $1) AS embedded`
	status := &model.EmbeddingStatus{}
	if err := r.db.QueryRowContext(ctx, query, workspaceID).Scan(&status.Total, &status.Embedded); err != nil {
		return nil, err
	}
	return status, nil
}
