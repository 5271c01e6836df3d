package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/quillhq/contextd/internal/config"
	"github.com/quillhq/contextd/internal/model"
	appErr "github.com/quillhq/contextd/internal/pkg/errors"
	"github.com/quillhq/contextd/internal/repo"
)

type fakeContextStore struct {
	mu       sync.Mutex
	contexts map[string]*model.Context
}

func newFakeContextStore() *fakeContextStore {
	return &fakeContextStore{contexts: make(map[string]*model.Context)}
}

func cloneConfig(cfg *model.ContextConfig) *model.ContextConfig {
	out := &model.ContextConfig{
		Version:     cfg.Version,
		WorkspaceID: cfg.WorkspaceID,
		Docs:        append([]model.ContextDoc{}, cfg.Docs...),
		Files:       append([]model.ContextFile{}, cfg.Files...),
	}
	for _, category := range cfg.Categories {
		copied := category
		copied.Docs = append([]model.ContextDoc{}, category.Docs...)
		out.Categories = append(out.Categories, copied)
	}
	return out
}

func (s *fakeContextStore) Create(ctx context.Context, c *model.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[c.ID]; ok {
		return appErr.ErrConflict
	}
	s.contexts[c.ID] = &model.Context{
		ID:        c.ID,
		SessionID: c.SessionID,
		Config:    cloneConfig(c.Config),
		Ctime:     c.Ctime,
		Mtime:     c.Mtime,
	}
	return nil
}

func (s *fakeContextStore) Get(ctx context.Context, id string) (*model.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return &model.Context{ID: c.ID, SessionID: c.SessionID, Config: cloneConfig(c.Config), Ctime: c.Ctime, Mtime: c.Mtime}, nil
}

func (s *fakeContextStore) GetBySessionID(ctx context.Context, sessionID string) (*model.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contexts {
		if c.SessionID == sessionID {
			return &model.Context{ID: c.ID, SessionID: c.SessionID, Config: cloneConfig(c.Config), Ctime: c.Ctime, Mtime: c.Mtime}, nil
		}
	}
	return nil, nil
}

func (s *fakeContextStore) UpdateConfig(ctx context.Context, id string, cfg *model.ContextConfig, mtime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok {
		return appErr.ErrNotFound
	}
	c.Config = cloneConfig(cfg)
	c.Mtime = mtime
	return nil
}

type fakeSessionStore struct {
	sessions map[string]*model.ChatSession
}

func (s *fakeSessionStore) Get(ctx context.Context, id string) (*model.ChatSession, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, appErr.ErrSessionNotFound
	}
	return session, nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*model.ContextConfig
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*model.ContextConfig)}
}

func (c *fakeCache) Get(ctx context.Context, contextID string) (*model.ContextConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.entries[contextID]
	if !ok {
		return nil, false
	}
	return cloneConfig(cfg), true
}

func (c *fakeCache) Set(ctx context.Context, contextID string, cfg *model.ContextConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[contextID] = cloneConfig(cfg)
	c.sets++
}

func (c *fakeCache) Delete(ctx context.Context, contextID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, contextID)
}

type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]bool
	busy   bool
	grabs  int
	frees  int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) Acquire(ctx context.Context, key string) (func(context.Context), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy || l.held[key] {
		return nil, appErr.ErrBusy
	}
	l.held[key] = true
	l.grabs++
	return func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.frees++
	}, nil
}

type fakeEmbeddingStore struct {
	mu        sync.Mutex
	available bool
	// embedded doc ids per workspace
	embedded map[string]map[string]struct{}
	// deleted (contextID, fileID) pairs
	deletedFiles []string
	docMatches   map[string][]model.DocChunk // keyed by "within"/"exclude"/"all"
	fileMatches  []model.FileChunk
}

func newFakeEmbeddingStore() *fakeEmbeddingStore {
	return &fakeEmbeddingStore{
		available: true,
		embedded:  make(map[string]map[string]struct{}),
	}
}

func (s *fakeEmbeddingStore) markEmbedded(workspaceID string, docIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.embedded[workspaceID]
	if !ok {
		set = make(map[string]struct{})
		s.embedded[workspaceID] = set
	}
	for _, id := range docIDs {
		set[id] = struct{}{}
	}
}

func (s *fakeEmbeddingStore) InsertFileEmbeddings(ctx context.Context, contextID string, fileID string, chunks []model.Embedding) error {
	return nil
}

func (s *fakeEmbeddingStore) DeleteFileEmbeddings(ctx context.Context, contextID string, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedFiles = append(s.deletedFiles, contextID+"/"+fileID)
	return nil
}

func (s *fakeEmbeddingStore) MatchFileEmbeddings(ctx context.Context, vec []float32, contextID string, topK int, threshold float64) ([]model.FileChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.FileChunk{}, s.fileMatches...), nil
}

func (s *fakeEmbeddingStore) InsertWorkspaceEmbeddings(ctx context.Context, workspaceID string, docID string, chunks []model.Embedding) error {
	return nil
}

func (s *fakeEmbeddingStore) DeleteWorkspaceEmbeddings(ctx context.Context, workspaceID string, docID string) error {
	return nil
}

func (s *fakeEmbeddingStore) MatchWorkspaceEmbeddings(ctx context.Context, vec []float32, workspaceID string, topK int, threshold float64, opts repo.MatchDocOptions) ([]model.DocChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := "all"
	if len(opts.Within) > 0 {
		key = "within"
	} else if len(opts.Exclude) > 0 {
		key = "exclude"
	}
	return append([]model.DocChunk{}, s.docMatches[key]...), nil
}

func (s *fakeEmbeddingStore) ListEmbeddedDocIDs(ctx context.Context, workspaceID string, docIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.embedded[workspaceID]
	var out []string
	for _, id := range docIDs {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *fakeEmbeddingStore) CheckAvailable(ctx context.Context) (bool, error) {
	return s.available, nil
}

type fakeWsFiles struct {
	matches []model.FileChunk
}

func (s *fakeWsFiles) MatchFileEmbeddings(ctx context.Context, vec []float32, workspaceID string, topK int, threshold float64) ([]model.FileChunk, error) {
	return append([]model.FileChunk{}, s.matches...), nil
}

// fakeEmbedder returns a fixed vector and ranks purely by distance.
type fakeEmbedder struct {
	configured bool
	vec        []float32
}

func (e *fakeEmbedder) Configured() bool {
	return e.configured
}

func (e *fakeEmbedder) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	if !e.configured {
		return nil, nil
	}
	return e.vec, nil
}

func (e *fakeEmbedder) ReRankDocs(ctx context.Context, query string, chunks []model.DocChunk, topK int) ([]model.DocChunk, error) {
	if topK > 0 && len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

func (e *fakeEmbedder) ReRankFiles(ctx context.Context, query string, chunks []model.FileChunk, topK int) ([]model.FileChunk, error) {
	if topK > 0 && len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

func (e *fakeEmbedder) ReRankChunks(ctx context.Context, query string, chunks []model.MatchedChunk, topK int) ([]model.MatchedChunk, error) {
	if topK > 0 && len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

type publishedEvent struct {
	Key     string
	Type    string
	Payload interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	fail   bool
}

func (p *fakePublisher) Publish(ctx context.Context, key string, eventType string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("publish failed")
	}
	p.events = append(p.events, publishedEvent{Key: key, Type: eventType, Payload: payload})
	return nil
}

type testEnv struct {
	contexts   *fakeContextStore
	sessions   *fakeSessionStore
	embeddings *fakeEmbeddingStore
	wsFiles    *fakeWsFiles
	cache      *fakeCache
	locker     *fakeLocker
	embedder   *fakeEmbedder
	publisher  *fakePublisher
	avail      *Availability
	svc        *ContextService
}

func newTestEnv() *testEnv {
	env := &testEnv{
		contexts:   newFakeContextStore(),
		sessions:   &fakeSessionStore{sessions: make(map[string]*model.ChatSession)},
		embeddings: newFakeEmbeddingStore(),
		wsFiles:    &fakeWsFiles{},
		cache:      newFakeCache(),
		locker:     newFakeLocker(),
		embedder:   &fakeEmbedder{configured: true, vec: []float32{0.1, 0.2}},
		publisher:  &fakePublisher{},
		avail:      &Availability{},
	}
	env.avail.Enable()
	env.svc = NewContextService(
		env.contexts, env.sessions, env.embeddings, env.wsFiles,
		env.cache, env.locker, env.embedder, env.publisher, env.avail,
		config.MatchConfig{TopK: 5, Threshold: 0.5, ScopedThreshold: 0.85},
	)
	return env
}

func (env *testEnv) addSession(id, workspaceID, userID string) {
	env.sessions.sessions[id] = &model.ChatSession{ID: id, WorkspaceID: workspaceID, UserID: userID}
}
