package service

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/quillhq/contextd/internal/bus"
	"github.com/quillhq/contextd/internal/config"
	"github.com/quillhq/contextd/internal/model"
	appErr "github.com/quillhq/contextd/internal/pkg/errors"
	"github.com/quillhq/contextd/internal/pkg/timeutil"
	"github.com/quillhq/contextd/internal/repo"
)

// MaxEmbeddableSize is the upload quota for a single attached file.
const MaxEmbeddableSize = 50 << 20

const lockKeyPrefix = "context:lock:"

type ContextStore interface {
	Create(ctx context.Context, c *model.Context) error
	Get(ctx context.Context, id string) (*model.Context, error)
	GetBySessionID(ctx context.Context, sessionID string) (*model.Context, error)
	UpdateConfig(ctx context.Context, id string, cfg *model.ContextConfig, mtime int64) error
}

type SessionStore interface {
	Get(ctx context.Context, id string) (*model.ChatSession, error)
}

type ConfigCache interface {
	Get(ctx context.Context, contextID string) (*model.ContextConfig, bool)
	Set(ctx context.Context, contextID string, cfg *model.ContextConfig)
	Delete(ctx context.Context, contextID string)
}

type Locker interface {
	Acquire(ctx context.Context, key string) (func(context.Context), error)
}

type Publisher interface {
	Publish(ctx context.Context, key string, eventType string, payload interface{}) error
}

// Availability records whether the embedding tables exist. Checked once at
// startup and shared between services.
type Availability struct {
	ok atomic.Bool
}

func (a *Availability) Enable() {
	a.ok.Store(true)
}

func (a *Availability) OK() bool {
	return a.ok.Load()
}

// ContextService owns context lifecycle and everything that flows through
// a context: doc/category/file attachment, matching, and embed status
// reconciliation. Every mutating entry point takes the per-context lock.
type ContextService struct {
	contexts   ContextStore
	sessions   SessionStore
	embeddings EmbeddingStore
	wsFiles    WorkspaceFileMatcher
	cache      ConfigCache
	locker     Locker
	embedder   Embedder
	publisher  Publisher
	avail      *Availability
	match      config.MatchConfig
}

func NewContextService(
	contexts ContextStore,
	sessions SessionStore,
	embeddings EmbeddingStore,
	wsFiles WorkspaceFileMatcher,
	cache ConfigCache,
	locker Locker,
	embedder Embedder,
	publisher Publisher,
	avail *Availability,
	match config.MatchConfig,
) *ContextService {
	return &ContextService{
		contexts:   contexts,
		sessions:   sessions,
		embeddings: embeddings,
		wsFiles:    wsFiles,
		cache:      cache,
		locker:     locker,
		embedder:   embedder,
		publisher:  publisher,
		avail:      avail,
		match:      match,
	}
}

// Setup probes the embedding tables once. A missing table set is not
// fatal: matching degrades to empty results and embed-dependent mutations
// are rejected.
func (s *ContextService) Setup(ctx context.Context) error {
	ok, err := s.embeddings.CheckAvailable(ctx)
	if err != nil {
		return err
	}
	if ok {
		s.avail.Enable()
		return nil
	}
	logutil.GetLogger(ctx).Warn("embedding tables missing, embedding features disabled")
	return nil
}

func (s *ContextService) CanEmbed() bool {
	return s.avail.OK()
}

func lockKey(contextID string) string {
	return lockKeyPrefix + contextID
}

// Create finds or creates the context bound to a chat session. The session
// must exist and belong to the calling user's workspace.
func (s *ContextService) Create(ctx context.Context, sessionID, workspaceID, userID string) (*ContextSession, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.WorkspaceID != workspaceID || session.UserID != userID {
		return nil, appErr.ErrSessionNotFound
	}
	release, err := s.locker.Acquire(ctx, lockKey("session:"+sessionID))
	if err != nil {
		return nil, err
	}
	defer release(ctx)
	existing, err := s.contexts.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.cache.Set(ctx, existing.ID, existing.Config)
		return s.newSession(existing.ID, existing.Config), nil
	}
	now := timeutil.NowUnix()
	record := &model.Context{
		ID:        newContextID(),
		SessionID: sessionID,
		Config:    model.NewContextConfig(session.WorkspaceID),
		Ctime:     now,
		Mtime:     now,
	}
	if err := s.contexts.Create(ctx, record); err != nil {
		return nil, err
	}
	s.cache.Set(ctx, record.ID, record.Config)
	return s.newSession(record.ID, record.Config), nil
}

// Get loads a session from cache or store. Missing embedding provider and
// missing context are distinct failures.
func (s *ContextService) Get(ctx context.Context, contextID string) (*ContextSession, error) {
	if !s.embedder.Configured() {
		return nil, appErr.ErrEmbeddingUnavailable
	}
	if cfg, ok := s.cache.Get(ctx, contextID); ok {
		return s.newSession(contextID, cfg), nil
	}
	record, err := s.contexts.Get(ctx, contextID)
	if err != nil {
		if appErr.IsNotFound(err) {
			return nil, appErr.ErrInvalidContext
		}
		return nil, err
	}
	s.cache.Set(ctx, contextID, record.Config)
	return s.newSession(contextID, record.Config), nil
}

func (s *ContextService) newSession(contextID string, cfg *model.ContextConfig) *ContextSession {
	return &ContextSession{
		id:         contextID,
		cfg:        cfg,
		embedder:   s.embedder,
		embeddings: s.embeddings,
		wsFiles:    s.wsFiles,
		match:      s.match,
		save:       s.saveConfig(contextID),
	}
}

// saveConfig writes the store first, then refreshes the cache. A failed
// cache write only loses the cache entry, never the data.
func (s *ContextService) saveConfig(contextID string) SaveFunc {
	return func(ctx context.Context, cfg *model.ContextConfig) error {
		if err := s.contexts.UpdateConfig(ctx, contextID, cfg, timeutil.NowUnix()); err != nil {
			return err
		}
		s.cache.Set(ctx, contextID, cfg)
		return nil
	}
}

// withLock runs fn with the per-context lock held and a fresh session
// loaded under the lock.
func (s *ContextService) withLock(ctx context.Context, contextID string, fn func(session *ContextSession) error) error {
	release, err := s.locker.Acquire(ctx, lockKey(contextID))
	if err != nil {
		return err
	}
	defer release(ctx)
	session, err := s.Get(ctx, contextID)
	if err != nil {
		return err
	}
	return fn(session)
}

func (s *ContextService) AddDoc(ctx context.Context, contextID, docID string) (*model.ContextDoc, error) {
	var doc *model.ContextDoc
	var workspaceID string
	err := s.withLock(ctx, contextID, func(session *ContextSession) error {
		workspaceID = session.WorkspaceID()
		added, err := session.AddDocRecord(ctx, docID)
		if err != nil {
			return err
		}
		doc = added
		return nil
	})
	if err != nil {
		return nil, appErr.WrapModify(contextID, err)
	}
	s.queueDocEmbed(ctx, workspaceID, contextID, []string{docID})
	return doc, nil
}

func (s *ContextService) RemoveDoc(ctx context.Context, contextID, docID string) (bool, error) {
	var removed bool
	err := s.withLock(ctx, contextID, func(session *ContextSession) error {
		ok, err := session.RemoveDocRecord(ctx, docID)
		removed = ok
		return err
	})
	if err != nil {
		return false, appErr.WrapModify(contextID, err)
	}
	return removed, nil
}

func (s *ContextService) AddCategory(ctx context.Context, contextID string, typ model.CategoryType, categoryID string, docIDs []string) (*model.ContextCategory, error) {
	var category *model.ContextCategory
	var workspaceID string
	err := s.withLock(ctx, contextID, func(session *ContextSession) error {
		workspaceID = session.WorkspaceID()
		added, err := session.AddCategoryRecord(ctx, typ, categoryID, docIDs)
		if err != nil {
			return err
		}
		category = added
		return nil
	})
	if err != nil {
		return nil, appErr.WrapModify(contextID, err)
	}
	s.queueDocEmbed(ctx, workspaceID, contextID, docIDs)
	return category, nil
}

func (s *ContextService) RemoveCategory(ctx context.Context, contextID string, typ model.CategoryType, categoryID string) (bool, error) {
	var removed bool
	err := s.withLock(ctx, contextID, func(session *ContextSession) error {
		ok, err := session.RemoveCategoryRecord(ctx, typ, categoryID)
		removed = ok
		return err
	})
	if err != nil {
		return false, appErr.WrapModify(contextID, err)
	}
	return removed, nil
}

// AddFile records an uploaded blob on the context and queues it for
// embedding. The blob itself is already in the file store.
func (s *ContextService) AddFile(ctx context.Context, contextID, userID, blobID, name, mimeType string) (*model.ContextFile, error) {
	if !s.CanEmbed() {
		return nil, appErr.ErrEmbeddingUnavailable
	}
	var file *model.ContextFile
	var queued bool
	var workspaceID string
	err := s.withLock(ctx, contextID, func(session *ContextSession) error {
		workspaceID = session.WorkspaceID()
		added, needEmbed, err := session.AddFile(ctx, blobID, name, mimeType)
		if err != nil {
			return err
		}
		file = added
		queued = needEmbed
		return nil
	})
	if err != nil {
		return nil, appErr.WrapModify(contextID, err)
	}
	if queued {
		s.queueFileEmbed(ctx, bus.FileEmbedQueued{
			UserID:      userID,
			WorkspaceID: workspaceID,
			ContextID:   contextID,
			FileID:      file.ID,
			BlobID:      blobID,
			FileName:    name,
			MimeType:    mimeType,
		})
	}
	return file, nil
}

func (s *ContextService) RemoveFile(ctx context.Context, contextID, fileID string) (bool, error) {
	if !s.CanEmbed() {
		return false, appErr.ErrEmbeddingUnavailable
	}
	var removed bool
	err := s.withLock(ctx, contextID, func(session *ContextSession) error {
		ok, err := session.RemoveFile(ctx, fileID)
		removed = ok
		return err
	})
	if err != nil {
		return false, appErr.WrapModify(contextID, err)
	}
	return removed, nil
}

// ContextView is the read model for a context: files as recorded, docs and
// categories with status merged against the embedding table.
type ContextView struct {
	ID          string                  `json:"id"`
	WorkspaceID string                  `json:"workspace_id"`
	Docs        []model.ContextDoc      `json:"docs"`
	Files       []model.ContextFile     `json:"files"`
	Tags        []model.ContextCategory `json:"tags"`
	Collections []model.ContextCategory `json:"collections"`
}

func (s *ContextService) Describe(ctx context.Context, contextID string) (*ContextView, error) {
	session, err := s.Get(ctx, contextID)
	if err != nil {
		return nil, err
	}
	docs, err := s.MergeDocStatus(ctx, session.WorkspaceID(), session.Docs())
	if err != nil {
		return nil, err
	}
	view := &ContextView{
		ID:          session.ID(),
		WorkspaceID: session.WorkspaceID(),
		Docs:        docs,
		Files:       session.Files(),
	}
	for _, category := range session.Categories(model.CategoryTypeTag) {
		merged, err := s.MergeDocStatus(ctx, session.WorkspaceID(), category.Docs)
		if err != nil {
			return nil, err
		}
		category.Docs = merged
		view.Tags = append(view.Tags, category)
	}
	for _, category := range session.Categories(model.CategoryTypeCollection) {
		merged, err := s.MergeDocStatus(ctx, session.WorkspaceID(), category.Docs)
		if err != nil {
			return nil, err
		}
		category.Docs = merged
		view.Collections = append(view.Collections, category)
	}
	return view, nil
}

// MergeDocStatus overlays live embedding existence onto recorded statuses:
// an embedding row means finished regardless of the record, otherwise the
// record stands, and no record at all means processing. Finished never
// downgrades.
func (s *ContextService) MergeDocStatus(ctx context.Context, workspaceID string, docs []model.ContextDoc) ([]model.ContextDoc, error) {
	if len(docs) == 0 {
		return docs, nil
	}
	if !s.CanEmbed() {
		return docs, nil
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	embedded, err := s.embeddings.ListEmbeddedDocIDs(ctx, workspaceID, ids)
	if err != nil {
		return nil, err
	}
	embeddedSet := make(map[string]struct{}, len(embedded))
	for _, id := range embedded {
		embeddedSet[id] = struct{}{}
	}
	out := make([]model.ContextDoc, len(docs))
	copy(out, docs)
	for i := range out {
		if _, ok := embeddedSet[out[i].ID]; ok {
			out[i].Status = model.EmbedStatusFinished
			continue
		}
		if out[i].Status == "" {
			out[i].Status = model.EmbedStatusProcessing
		}
	}
	return out, nil
}

func (s *ContextService) MatchFiles(ctx context.Context, contextID, query string, topK int, scopedThreshold, threshold float64) ([]model.FileChunk, error) {
	if !s.CanEmbed() {
		return nil, nil
	}
	session, err := s.Get(ctx, contextID)
	if err != nil {
		return nil, err
	}
	return session.MatchFiles(ctx, query, topK, scopedThreshold, threshold)
}

func (s *ContextService) MatchDocs(ctx context.Context, contextID, query string, topK int, scopedThreshold, threshold float64) ([]model.DocChunk, error) {
	if !s.CanEmbed() {
		return nil, nil
	}
	session, err := s.Get(ctx, contextID)
	if err != nil {
		return nil, err
	}
	return session.MatchWorkspaceDocs(ctx, query, topK, scopedThreshold, threshold)
}

// MatchWorkspaceFiles is the context-free variant over workspace files.
func (s *ContextService) MatchWorkspaceFiles(ctx context.Context, workspaceID, query string, topK int, threshold float64) ([]model.FileChunk, error) {
	if !s.CanEmbed() || !s.embedder.Configured() {
		return nil, nil
	}
	topK = s.defaultTopK(topK)
	threshold = defaultThreshold(threshold, s.match.Threshold)
	vec, err := s.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, nil
	}
	chunks, err := s.wsFiles.MatchFileEmbeddings(ctx, vec, workspaceID, topK*2, threshold)
	if err != nil {
		return nil, err
	}
	return s.embedder.ReRankFiles(ctx, query, chunks, topK)
}

// MatchWorkspaceDocs is the context-free variant over workspace docs.
func (s *ContextService) MatchWorkspaceDocs(ctx context.Context, workspaceID, query string, topK int, threshold float64) ([]model.DocChunk, error) {
	if !s.CanEmbed() || !s.embedder.Configured() {
		return nil, nil
	}
	topK = s.defaultTopK(topK)
	threshold = defaultThreshold(threshold, s.match.Threshold)
	vec, err := s.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, nil
	}
	chunks, err := s.embeddings.MatchWorkspaceEmbeddings(ctx, vec, workspaceID, topK*2, threshold, repo.MatchDocOptions{})
	if err != nil {
		return nil, err
	}
	return s.embedder.ReRankDocs(ctx, query, chunks, topK)
}

// MatchWorkspaceAll searches workspace files and docs in one pass, with an
// optional scoped doc set matched at the looser threshold, and re-ranks
// the union once. Scoped docs sort first.
func (s *ContextService) MatchWorkspaceAll(ctx context.Context, workspaceID, query string, topK int, threshold float64, scopedDocIDs []string, scopedThreshold float64) ([]model.MatchedChunk, error) {
	if !s.CanEmbed() || !s.embedder.Configured() {
		return nil, nil
	}
	topK = s.defaultTopK(topK)
	threshold = defaultThreshold(threshold, s.match.Threshold)
	scopedThreshold = defaultThreshold(scopedThreshold, s.match.ScopedThreshold)
	vec, err := s.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, nil
	}
	var candidates []model.MatchedChunk
	files, err := s.wsFiles.MatchFileEmbeddings(ctx, vec, workspaceID, topK*2, threshold)
	if err != nil {
		return nil, err
	}
	for _, chunk := range files {
		candidates = append(candidates, model.FileChunkToMatched(chunk))
	}
	if len(scopedDocIDs) > 0 {
		scoped, err := s.embeddings.MatchWorkspaceEmbeddings(ctx, vec, workspaceID, topK*2, scopedThreshold, repo.MatchDocOptions{Within: scopedDocIDs})
		if err != nil {
			return nil, err
		}
		for _, chunk := range scoped {
			candidates = append(candidates, model.DocChunkToMatched(chunk))
		}
	}
	docs, err := s.embeddings.MatchWorkspaceEmbeddings(ctx, vec, workspaceID, topK*2, threshold, repo.MatchDocOptions{Exclude: scopedDocIDs})
	if err != nil {
		return nil, err
	}
	for _, chunk := range docs {
		candidates = append(candidates, model.DocChunkToMatched(chunk))
	}
	ranked, err := s.embedder.ReRankChunks(ctx, query, candidates, topK)
	if err != nil {
		return nil, err
	}
	scopedSet := make(map[string]struct{}, len(scopedDocIDs))
	for _, id := range scopedDocIDs {
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

// QueueWorkspaceEmbedding publishes embed requests for a doc batch.
// Returns false without publishing when embedding is unavailable.
func (s *ContextService) QueueWorkspaceEmbedding(ctx context.Context, workspaceID string, docIDs []string) (bool, error) {
	if !s.CanEmbed() {
		return false, nil
	}
	for _, docID := range docIDs {
		if err := s.publisher.Publish(ctx, workspaceID+":"+docID, bus.EventDocEmbedQueued, bus.DocEmbedQueued{
			WorkspaceID: workspaceID,
			DocID:       docID,
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// OnDocEmbedFailed marks the doc failed across all its records. A doc no
// longer in the context is a no-op.
func (s *ContextService) OnDocEmbedFailed(ctx context.Context, contextID, docID string) error {
	return s.withLock(ctx, contextID, func(session *ContextSession) error {
		return session.SaveDocRecord(ctx, docID, func(doc *model.ContextDoc) {
			doc.Status = model.EmbedStatusFailed
		})
	})
}

// OnFileEmbedFinished records chunk count and flips the file to finished.
func (s *ContextService) OnFileEmbedFinished(ctx context.Context, contextID, fileID string, chunkSize int64) error {
	return s.withLock(ctx, contextID, func(session *ContextSession) error {
		return session.SaveFileRecord(ctx, fileID, func(file *model.ContextFile) {
			file.ChunkSize = chunkSize
			file.Status = model.EmbedStatusFinished
			file.Error = ""
		})
	})
}

func (s *ContextService) OnFileEmbedFailed(ctx context.Context, contextID, fileID, message string) error {
	return s.withLock(ctx, contextID, func(session *ContextSession) error {
		return session.SaveFileRecord(ctx, fileID, func(file *model.ContextFile) {
			file.Status = model.EmbedStatusFailed
			file.Error = message
		})
	})
}

func (s *ContextService) queueDocEmbed(ctx context.Context, workspaceID, contextID string, docIDs []string) {
	if !s.CanEmbed() {
		return
	}
	for _, docID := range docIDs {
		if err := s.publisher.Publish(ctx, contextID, bus.EventDocEmbedQueued, bus.DocEmbedQueued{
			WorkspaceID: workspaceID,
			DocID:       docID,
			ContextID:   contextID,
		}); err != nil {
			logutil.GetLogger(ctx).Error("queue doc embed failed",
				zap.String("context_id", contextID), zap.String("doc_id", docID), zap.Error(err))
		}
	}
}

func (s *ContextService) queueFileEmbed(ctx context.Context, evt bus.FileEmbedQueued) {
	if err := s.publisher.Publish(ctx, evt.ContextID, bus.EventFileEmbedQueued, evt); err != nil {
		logutil.GetLogger(ctx).Error("queue file embed failed",
			zap.String("context_id", evt.ContextID), zap.String("file_id", evt.FileID), zap.Error(err))
	}
}

func (s *ContextService) defaultTopK(topK int) int {
	if topK <= 0 {
		return s.match.TopK
	}
	return topK
}
