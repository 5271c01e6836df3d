package service

import (
	"context"
	"sort"

	"github.com/quillhq/contextd/internal/config"
	"github.com/quillhq/contextd/internal/model"
	"github.com/quillhq/contextd/internal/pkg/timeutil"
	"github.com/quillhq/contextd/internal/repo"
)

// EmbeddingStore is the chunk storage a session needs: context-file scope
// plus workspace-doc scope.
type EmbeddingStore interface {
	InsertFileEmbeddings(ctx context.Context, contextID string, fileID string, chunks []model.Embedding) error
	DeleteFileEmbeddings(ctx context.Context, contextID string, fileID string) error
	MatchFileEmbeddings(ctx context.Context, vec []float32, contextID string, topK int, threshold float64) ([]model.FileChunk, error)
	InsertWorkspaceEmbeddings(ctx context.Context, workspaceID string, docID string, chunks []model.Embedding) error
	DeleteWorkspaceEmbeddings(ctx context.Context, workspaceID string, docID string) error
	MatchWorkspaceEmbeddings(ctx context.Context, vec []float32, workspaceID string, topK int, threshold float64, opts repo.MatchDocOptions) ([]model.DocChunk, error)
	ListEmbeddedDocIDs(ctx context.Context, workspaceID string, docIDs []string) ([]string, error)
	CheckAvailable(ctx context.Context) (bool, error)
}

// WorkspaceFileMatcher matches against workspace-scope file embeddings.
type WorkspaceFileMatcher interface {
	MatchFileEmbeddings(ctx context.Context, vec []float32, workspaceID string, topK int, threshold float64) ([]model.FileChunk, error)
}

// Embedder turns text into vectors and re-ranks match candidates.
type Embedder interface {
	Configured() bool
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
	ReRankDocs(ctx context.Context, query string, chunks []model.DocChunk, topK int) ([]model.DocChunk, error)
	ReRankFiles(ctx context.Context, query string, chunks []model.FileChunk, topK int) ([]model.FileChunk, error)
	ReRankChunks(ctx context.Context, query string, chunks []model.MatchedChunk, topK int) ([]model.MatchedChunk, error)
}

// SaveFunc persists a session's config after a mutation.
type SaveFunc func(ctx context.Context, cfg *model.ContextConfig) error

// ContextSession is a stateful view over one context's config. Mutations
// write through immediately via save; concurrency control is the caller's
// job (ContextService holds the per-context lock around every mutation).
type ContextSession struct {
	id         string
	cfg        *model.ContextConfig
	embedder   Embedder
	embeddings EmbeddingStore
	wsFiles    WorkspaceFileMatcher
	match      config.MatchConfig
	save       SaveFunc
}

func (s *ContextSession) ID() string {
	return s.id
}

func (s *ContextSession) WorkspaceID() string {
	return s.cfg.WorkspaceID
}

func (s *ContextSession) Docs() []model.ContextDoc {
	return s.cfg.Docs
}

func (s *ContextSession) Files() []model.ContextFile {
	return s.cfg.Files
}

func (s *ContextSession) Categories(typ model.CategoryType) []model.ContextCategory {
	var out []model.ContextCategory
	for _, category := range s.cfg.Categories {
		if category.Type == typ {
			out = append(out, category)
		}
	}
	return out
}

// DocIDs returns every doc attached directly or through a category,
// deduplicated in attach order.
func (s *ContextSession) DocIDs() []string {
	return s.cfg.DocIDs()
}

// AddDocRecord attaches a doc. Re-adding an existing doc returns the
// existing record unchanged.
func (s *ContextSession) AddDocRecord(ctx context.Context, docID string) (*model.ContextDoc, error) {
	for i := range s.cfg.Docs {
		if s.cfg.Docs[i].ID == docID {
			return &s.cfg.Docs[i], nil
		}
	}
	doc := model.ContextDoc{
		ID:        docID,
		CreatedAt: timeutil.NowUnix(),
		Status:    model.EmbedStatusProcessing,
	}
	s.cfg.Docs = append(s.cfg.Docs, doc)
	if err := s.save(ctx, s.cfg); err != nil {
		return nil, err
	}
	return &s.cfg.Docs[len(s.cfg.Docs)-1], nil
}

func (s *ContextSession) RemoveDocRecord(ctx context.Context, docID string) (bool, error) {
	for i := range s.cfg.Docs {
		if s.cfg.Docs[i].ID != docID {
			continue
		}
		s.cfg.Docs = append(s.cfg.Docs[:i], s.cfg.Docs[i+1:]...)
		if err := s.save(ctx, s.cfg); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// AddCategoryRecord attaches a tag or collection with its doc set. When the
// category already exists, missing docs are merged in and docs already
// recorded keep their status.
func (s *ContextSession) AddCategoryRecord(ctx context.Context, typ model.CategoryType, categoryID string, docIDs []string) (*model.ContextCategory, error) {
	now := timeutil.NowUnix()
	for i := range s.cfg.Categories {
		category := &s.cfg.Categories[i]
		if category.Type != typ || category.ID != categoryID {
			continue
		}
		existing := make(map[string]struct{}, len(category.Docs))
		for _, doc := range category.Docs {
			existing[doc.ID] = struct{}{}
		}
		changed := false
		for _, docID := range docIDs {
			if _, ok := existing[docID]; ok {
				continue
			}
			category.Docs = append(category.Docs, model.ContextDoc{
				ID:        docID,
				CreatedAt: now,
				Status:    model.EmbedStatusProcessing,
			})
			changed = true
		}
		if changed {
			if err := s.save(ctx, s.cfg); err != nil {
				return nil, err
			}
		}
		return category, nil
	}
	category := model.ContextCategory{
		ID:        categoryID,
		Type:      typ,
		CreatedAt: now,
		Docs:      make([]model.ContextDoc, 0, len(docIDs)),
	}
	for _, docID := range docIDs {
		category.Docs = append(category.Docs, model.ContextDoc{
			ID:        docID,
			CreatedAt: now,
			Status:    model.EmbedStatusProcessing,
		})
	}
	s.cfg.Categories = append(s.cfg.Categories, category)
	if err := s.save(ctx, s.cfg); err != nil {
		return nil, err
	}
	return &s.cfg.Categories[len(s.cfg.Categories)-1], nil
}

func (s *ContextSession) RemoveCategoryRecord(ctx context.Context, typ model.CategoryType, categoryID string) (bool, error) {
	for i := range s.cfg.Categories {
		category := s.cfg.Categories[i]
		if category.Type != typ || category.ID != categoryID {
			continue
		}
		s.cfg.Categories = append(s.cfg.Categories[:i], s.cfg.Categories[i+1:]...)
		if err := s.save(ctx, s.cfg); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// AddFile registers an uploaded blob. The same blob attached twice reuses
// the finished record; a not-yet-finished record is reset to processing
// under its original file id.
func (s *ContextSession) AddFile(ctx context.Context, blobID, name, mimeType string) (*model.ContextFile, bool, error) {
	for i := range s.cfg.Files {
		file := &s.cfg.Files[i]
		if file.BlobID != blobID {
			continue
		}
		if file.Status == model.EmbedStatusFinished {
			return file, false, nil
		}
		file.Name = name
		file.MimeType = mimeType
		file.Status = model.EmbedStatusProcessing
		file.Error = ""
		if err := s.save(ctx, s.cfg); err != nil {
			return nil, false, err
		}
		return file, true, nil
	}
	file := model.ContextFile{
		ID:        newFileID(),
		BlobID:    blobID,
		Name:      name,
		MimeType:  mimeType,
		Status:    model.EmbedStatusProcessing,
		CreatedAt: timeutil.NowUnix(),
	}
	s.cfg.Files = append(s.cfg.Files, file)
	if err := s.save(ctx, s.cfg); err != nil {
		return nil, false, err
	}
	return &s.cfg.Files[len(s.cfg.Files)-1], true, nil
}

func (s *ContextSession) GetFile(fileID string) *model.ContextFile {
	for i := range s.cfg.Files {
		if s.cfg.Files[i].ID == fileID {
			return &s.cfg.Files[i]
		}
	}
	return nil
}

// RemoveFile deletes the file's embeddings first so a half-done removal
// leaves a record without chunks, not chunks without a record.
func (s *ContextSession) RemoveFile(ctx context.Context, fileID string) (bool, error) {
	if s.GetFile(fileID) == nil {
		return false, nil
	}
	if err := s.embeddings.DeleteFileEmbeddings(ctx, s.id, fileID); err != nil {
		return false, err
	}
	files := make([]model.ContextFile, 0, len(s.cfg.Files))
	for _, file := range s.cfg.Files {
		if file.ID != fileID {
			files = append(files, file)
		}
	}
	s.cfg.Files = files
	if err := s.save(ctx, s.cfg); err != nil {
		return false, err
	}
	return true, nil
}

// SaveDocRecord applies fn to every record of the doc, both the direct
// attachment and category copies. A doc not in the context is a no-op, so
// late events after detach do nothing.
func (s *ContextSession) SaveDocRecord(ctx context.Context, docID string, fn func(doc *model.ContextDoc)) error {
	changed := false
	for i := range s.cfg.Docs {
		if s.cfg.Docs[i].ID == docID {
			fn(&s.cfg.Docs[i])
			changed = true
		}
	}
	for i := range s.cfg.Categories {
		for j := range s.cfg.Categories[i].Docs {
			if s.cfg.Categories[i].Docs[j].ID == docID {
				fn(&s.cfg.Categories[i].Docs[j])
				changed = true
			}
		}
	}
	if !changed {
		return nil
	}
	return s.save(ctx, s.cfg)
}

// SaveFileRecord applies fn to an existing file record. A file not in the
// context is a no-op.
func (s *ContextSession) SaveFileRecord(ctx context.Context, fileID string, fn func(file *model.ContextFile)) error {
	file := s.GetFile(fileID)
	if file == nil {
		return nil
	}
	fn(file)
	return s.save(ctx, s.cfg)
}

// MatchFiles searches attached files with the looser scoped threshold and
// workspace files with the strict one, then re-ranks the union.
func (s *ContextSession) MatchFiles(ctx context.Context, query string, topK int, scopedThreshold, threshold float64) ([]model.FileChunk, error) {
	topK = s.defaultTopK(topK)
	scopedThreshold = defaultThreshold(scopedThreshold, s.match.ScopedThreshold)
	threshold = defaultThreshold(threshold, s.match.Threshold)
	vec, err := s.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, nil
	}
	scoped, err := s.embeddings.MatchFileEmbeddings(ctx, vec, s.id, topK*2, scopedThreshold)
	if err != nil {
		return nil, err
	}
	files := make(map[string]model.ContextFile, len(s.cfg.Files))
	for _, file := range s.cfg.Files {
		files[file.ID] = file
	}
	candidates := make([]model.FileChunk, 0, len(scoped))
	for _, chunk := range scoped {
		file, ok := files[chunk.FileID]
		if !ok {
			continue
		}
		chunk.BlobID = file.BlobID
		chunk.Name = file.Name
		chunk.MimeType = file.MimeType
		candidates = append(candidates, chunk)
	}
	global, err := s.wsFiles.MatchFileEmbeddings(ctx, vec, s.WorkspaceID(), topK*2, threshold)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, global...)
	return s.embedder.ReRankFiles(ctx, query, candidates, topK)
}

// MatchWorkspaceDocs runs the scoped pass over attached docs with the
// looser threshold and the global pass over everything else, re-ranks the
// union, then stable-sorts scoped docs first, ties by ascending distance.
func (s *ContextSession) MatchWorkspaceDocs(ctx context.Context, query string, topK int, scopedThreshold, threshold float64) ([]model.DocChunk, error) {
	topK = s.defaultTopK(topK)
	scopedThreshold = defaultThreshold(scopedThreshold, s.match.ScopedThreshold)
	threshold = defaultThreshold(threshold, s.match.Threshold)
	vec, err := s.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, nil
	}
	docIDs := s.DocIDs()
	var candidates []model.DocChunk
	if len(docIDs) > 0 {
		scoped, err := s.embeddings.MatchWorkspaceEmbeddings(ctx, vec, s.WorkspaceID(), topK*2, scopedThreshold, repo.MatchDocOptions{Within: docIDs})
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, scoped...)
	}
	global, err := s.embeddings.MatchWorkspaceEmbeddings(ctx, vec, s.WorkspaceID(), topK*2, threshold, repo.MatchDocOptions{Exclude: docIDs})
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, global...)
	ranked, err := s.embedder.ReRankDocs(ctx, query, candidates, topK)
	if err != nil {
		return nil, err
	}
	scopedSet := make(map[string]struct{}, len(docIDs))
	for _, id := range docIDs {
		scopedSet[id] = struct{}{}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		_, iScoped := scopedSet[ranked[i].DocID]
		_, jScoped := scopedSet[ranked[j].DocID]
		if iScoped != jScoped {
			return iScoped
		}
		return ranked[i].Distance < ranked[j].Distance
	})
	return ranked, nil
}

func (s *ContextSession) defaultTopK(topK int) int {
	if topK <= 0 {
		return s.match.TopK
	}
	return topK
}

func defaultThreshold(value, fallback float64) float64 {
	if value <= 0 {
		return fallback
	}
	return value
}
