package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillhq/contextd/internal/bus"
	"github.com/quillhq/contextd/internal/model"
	appErr "github.com/quillhq/contextd/internal/pkg/errors"
)

type fakeWorkspaceStore struct {
	files       map[string]*model.WorkspaceFile
	ignored     map[string]bool
	pendingDocs []string
	status      model.EmbeddingStatus
	listLimit   int
}

func newFakeWorkspaceStore() *fakeWorkspaceStore {
	return &fakeWorkspaceStore{
		files:   make(map[string]*model.WorkspaceFile),
		ignored: make(map[string]bool),
	}
}

func (s *fakeWorkspaceStore) AddFile(ctx context.Context, f *model.WorkspaceFile) error {
	if _, ok := s.files[f.FileID]; ok {
		return appErr.ErrConflict
	}
	s.files[f.FileID] = f
	return nil
}

func (s *fakeWorkspaceStore) GetFile(ctx context.Context, workspaceID, fileID string) (*model.WorkspaceFile, error) {
	f, ok := s.files[fileID]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return f, nil
}

func (s *fakeWorkspaceStore) ListFiles(ctx context.Context, workspaceID string, limit, offset int) ([]model.WorkspaceFile, error) {
	s.listLimit = limit
	var out []model.WorkspaceFile
	for _, f := range s.files {
		out = append(out, *f)
	}
	return out, nil
}

func (s *fakeWorkspaceStore) CountFiles(ctx context.Context, workspaceID string) (int64, error) {
	return int64(len(s.files)), nil
}

func (s *fakeWorkspaceStore) RemoveFile(ctx context.Context, workspaceID, fileID string) (bool, error) {
	if _, ok := s.files[fileID]; !ok {
		return false, nil
	}
	delete(s.files, fileID)
	return true, nil
}

func (s *fakeWorkspaceStore) UpdateIgnoredDocs(ctx context.Context, workspaceID string, add, remove []string) (int64, error) {
	var touched int64
	for _, id := range add {
		if !s.ignored[id] {
			s.ignored[id] = true
			touched++
		}
	}
	for _, id := range remove {
		if s.ignored[id] {
			delete(s.ignored, id)
			touched++
		}
	}
	return touched, nil
}

func (s *fakeWorkspaceStore) ListIgnoredDocs(ctx context.Context, workspaceID string, limit, offset int) ([]model.IgnoredDoc, error) {
	var out []model.IgnoredDoc
	for id := range s.ignored {
		out = append(out, model.IgnoredDoc{WorkspaceID: workspaceID, DocID: id})
	}
	return out, nil
}

func (s *fakeWorkspaceStore) CountIgnoredDocs(ctx context.Context, workspaceID string) (int64, error) {
	return int64(len(s.ignored)), nil
}

func (s *fakeWorkspaceStore) FindDocsToEmbed(ctx context.Context, workspaceID string) ([]string, error) {
	return s.pendingDocs, nil
}

func (s *fakeWorkspaceStore) GetEmbeddingStatus(ctx context.Context, workspaceID string) (*model.EmbeddingStatus, error) {
	status := s.status
	return &status, nil
}

func newWorkspaceTestEnv() (*fakeWorkspaceStore, *fakePublisher, *WorkspaceService) {
	store := newFakeWorkspaceStore()
	publisher := &fakePublisher{}
	avail := &Availability{}
	avail.Enable()
	return store, publisher, NewWorkspaceService(store, publisher, avail)
}

func TestWorkspaceServiceAddFile(t *testing.T) {
	store, publisher, svc := newWorkspaceTestEnv()
	ctx := context.Background()

	file, err := svc.AddFile(ctx, "user-1", "ws-1", "blob-1", "notes.md", "text/markdown", 42)
	require.NoError(t, err)
	require.NotEmpty(t, file.FileID)
	require.Len(t, store.files, 1)
	require.Len(t, publisher.events, 1)
	require.Equal(t, bus.EventFileEmbedQueued, publisher.events[0].Type)
	evt, ok := publisher.events[0].Payload.(bus.FileEmbedQueued)
	require.True(t, ok)
	require.Empty(t, evt.ContextID)
	require.Equal(t, file.FileID, evt.FileID)

	// publish failure does not lose the file record
	publisher.fail = true
	_, err = svc.AddFile(ctx, "user-1", "ws-1", "blob-2", "more.md", "text/markdown", 7)
	require.NoError(t, err)
	require.Len(t, store.files, 2)
}

func TestWorkspaceServiceAddFile_Unavailable(t *testing.T) {
	store := newFakeWorkspaceStore()
	svc := NewWorkspaceService(store, &fakePublisher{}, &Availability{})
	_, err := svc.AddFile(context.Background(), "user-1", "ws-1", "blob-1", "a.md", "text/markdown", 1)
	require.ErrorIs(t, err, appErr.ErrEmbeddingUnavailable)
	require.Empty(t, store.files)
}

func TestWorkspaceServiceListFiles_ClampsLimit(t *testing.T) {
	store, _, svc := newWorkspaceTestEnv()
	ctx := context.Background()

	_, _, err := svc.ListFiles(ctx, "ws-1", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 20, store.listLimit)

	_, _, err = svc.ListFiles(ctx, "ws-1", 500, 0)
	require.NoError(t, err)
	require.Equal(t, 20, store.listLimit)

	_, _, err = svc.ListFiles(ctx, "ws-1", 50, 0)
	require.NoError(t, err)
	require.Equal(t, 50, store.listLimit)
}

func TestWorkspaceServiceEnqueuePendingDocs(t *testing.T) {
	store, publisher, svc := newWorkspaceTestEnv()
	store.pendingDocs = []string{"doc-1", "doc-2"}

	queued, err := svc.EnqueuePendingDocs(context.Background(), "ws-1")
	require.NoError(t, err)
	require.Equal(t, 2, queued)
	require.Len(t, publisher.events, 2)
	require.Equal(t, "ws-1:doc-1", publisher.events[0].Key)
	evt, ok := publisher.events[0].Payload.(bus.DocEmbedQueued)
	require.True(t, ok)
	require.Empty(t, evt.ContextID)
}

func TestWorkspaceServiceGetEmbeddingStatus_UnavailableIsZero(t *testing.T) {
	store := newFakeWorkspaceStore()
	store.status = model.EmbeddingStatus{Total: 5, Embedded: 3}
	svc := NewWorkspaceService(store, &fakePublisher{}, &Availability{})

	status, err := svc.GetEmbeddingStatus(context.Background(), "ws-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, status.Total)
}
