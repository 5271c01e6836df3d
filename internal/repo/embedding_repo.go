package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/quillhq/contextd/internal/model"
	"github.com/quillhq/contextd/internal/pkg/timeutil"
	"github.com/xxxsen/common/logutil"
)

// EmbeddingRepo stores embedding chunks in two scopes: context-attached
// files (context_embeddings) and workspace docs (workspace_embeddings).
type EmbeddingRepo struct {
	db *sql.DB
}

func NewEmbeddingRepo(db *sql.DB) *EmbeddingRepo {
	return &EmbeddingRepo{db: db}
}

// CheckAvailable reports whether the embedding tables exist. Checked once
// at startup; embedding features degrade to no-ops when false.
func (r *EmbeddingRepo) CheckAvailable(ctx context.Context) (bool, error) {
	query := `SELECT count(1) FROM pg_tables WHERE tablename IN ('context_embeddings', 'workspace_embeddings', 'workspace_file_embeddings')`
	var count int
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return false, err
	}
	return count == 3, nil
}

func buildChunkValues(prefix []interface{}, chunks []model.Embedding) (string, []interface{}) {
	now := timeutil.NowUnix()
	placeholders := make([]string, 0, len(chunks))
	args := make([]interface{}, 0, len(prefix)+len(chunks)*4)
	args = append(args, prefix...)
	n := len(prefix)
	for _, chunk := range chunks {
		placeholders = append(placeholders, fmt.Sprintf("($1, $2, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4))
		args = append(args, chunk.Index, chunk.Content, pgvector.NewVector(chunk.Vector), now)
		n += 4
	}
	return strings.Join(placeholders, ", "), args
}

func (r *EmbeddingRepo) InsertFileEmbeddings(ctx context.Context, contextID string, fileID string, chunks []model.Embedding) error {
	if len(chunks) == 0 {
		logutil.GetLogger(ctx).Warn("no embedding chunks to insert, skip",
			zap.String("context_id", contextID), zap.String("file_id", fileID))
		return nil
	}
	values, args := buildChunkValues([]interface{}{contextID, fileID}, chunks)
	query := `INSERT INTO context_embeddings (context_id, file_id, chunk, content, embedding, updated_at) VALUES ` + values + `
		ON CONFLICT (context_id, file_id, chunk)
		DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding, updated_at = EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *EmbeddingRepo) DeleteFileEmbeddings(ctx context.Context, contextID string, fileID string) error {
	query := `DELETE FROM context_embeddings WHERE context_id = $1 AND file_id = $2`
	_, err := r.db.ExecContext(ctx, query, contextID, fileID)
	return err
}

func (r *EmbeddingRepo) MatchFileEmbeddings(ctx context.Context, vec []float32, contextID string, topK int, threshold float64) ([]model.FileChunk, error) {
	query := `
		SELECT file_id, chunk, content, embedding <=> $1 AS distance
		FROM context_embeddings
		WHERE context_id = $2 AND embedding <=> $1 <= $3
		ORDER BY distance ASC
		LIMIT $4`
	rows, err := r.db.QueryContext(ctx, query, pgvector.NewVector(vec), contextID, threshold, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chunks []model.FileChunk
	for rows.Next() {
		var c model.FileChunk
		if err := rows.Scan(&c.FileID, &c.Chunk, &c.Content, &c.Distance); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (r *EmbeddingRepo) InsertWorkspaceEmbeddings(ctx context.Context, workspaceID string, docID string, chunks []model.Embedding) error {
	if len(chunks) == 0 {
		logutil.GetLogger(ctx).Warn("no embedding chunks to insert, skip",
			zap.String("workspace_id", workspaceID), zap.String("doc_id", docID))
		return nil
	}
	values, args := buildChunkValues([]interface{}{workspaceID, docID}, chunks)
	query := `INSERT INTO workspace_embeddings (workspace_id, doc_id, chunk, content, embedding, updated_at) VALUES ` + values + `
		ON CONFLICT (workspace_id, doc_id, chunk)
		DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding, updated_at = EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *EmbeddingRepo) DeleteWorkspaceEmbeddings(ctx context.Context, workspaceID string, docID string) error {
	query := `DELETE FROM workspace_embeddings WHERE workspace_id = $1 AND doc_id = $2`
	_, err := r.db.ExecContext(ctx, query, workspaceID, docID)
	return err
}

// MatchDocOptions narrows a workspace doc match. Within restricts the match
// to a doc id set, Exclude drops ids already covered by another pass. The
// ignored-docs filter applies in every case.
type MatchDocOptions struct {
	Within  []string
	Exclude []string
}

func (r *EmbeddingRepo) MatchWorkspaceEmbeddings(ctx context.Context, vec []float32, workspaceID string, topK int, threshold float64, opts MatchDocOptions) ([]model.DocChunk, error) {
	conds := []string{
		"e.workspace_id = $2",
		"i.doc_id IS NULL",
		"e.embedding <=> $1 <= $3",
	}
	args := []interface{}{pgvector.NewVector(vec), workspaceID, threshold, topK}
	if len(opts.Within) > 0 {
		args = append(args, pq.Array(opts.Within))
		conds = append(conds, fmt.Sprintf("e.doc_id = ANY($%d)", len(args)))
	}
	if len(opts.Exclude) > 0 {
		args = append(args, pq.Array(opts.Exclude))
		conds = append(conds, fmt.Sprintf("e.doc_id != ALL($%d)", len(args)))
	}
	query := `
		SELECT e.doc_id, e.chunk, e.content, e.embedding <=> $1 AS distance
		FROM workspace_embeddings e
		LEFT JOIN workspace_ignored_docs i
			ON i.workspace_id = e.workspace_id AND i.doc_id = e.doc_id
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY distance ASC
		LIMIT $4`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chunks []model.DocChunk
	for rows.Next() {
		var c model.DocChunk
		if err := rows.Scan(&c.DocID, &c.Chunk, &c.Content, &c.Distance); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListEmbeddedDocIDs returns the subset of docIDs that have at least one
// embedding row in the workspace.
func (r *EmbeddingRepo) ListEmbeddedDocIDs(ctx context.Context, workspaceID string, docIDs []string) ([]string, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}
	query := `SELECT DISTINCT doc_id FROM workspace_embeddings WHERE workspace_id = $1 AND doc_id = ANY($2)`
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
