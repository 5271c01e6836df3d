package service

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/quillhq/contextd/internal/bus"
	"github.com/quillhq/contextd/internal/model"
	appErr "github.com/quillhq/contextd/internal/pkg/errors"
	"github.com/quillhq/contextd/internal/pkg/timeutil"
)

type WorkspaceStore interface {
	AddFile(ctx context.Context, f *model.WorkspaceFile) error
	GetFile(ctx context.Context, workspaceID, fileID string) (*model.WorkspaceFile, error)
	ListFiles(ctx context.Context, workspaceID string, limit, offset int) ([]model.WorkspaceFile, error)
	CountFiles(ctx context.Context, workspaceID string) (int64, error)
	RemoveFile(ctx context.Context, workspaceID, fileID string) (bool, error)
	UpdateIgnoredDocs(ctx context.Context, workspaceID string, add, remove []string) (int64, error)
	ListIgnoredDocs(ctx context.Context, workspaceID string, limit, offset int) ([]model.IgnoredDoc, error)
	CountIgnoredDocs(ctx context.Context, workspaceID string) (int64, error)
	FindDocsToEmbed(ctx context.Context, workspaceID string) ([]string, error)
	GetEmbeddingStatus(ctx context.Context, workspaceID string) (*model.EmbeddingStatus, error)
}

// WorkspaceService manages workspace-scope files, the ignored doc set and
// embedding bookkeeping outside any chat context.
type WorkspaceService struct {
	store     WorkspaceStore
	publisher Publisher
	avail     *Availability
}

func NewWorkspaceService(store WorkspaceStore, publisher Publisher, avail *Availability) *WorkspaceService {
	return &WorkspaceService{store: store, publisher: publisher, avail: avail}
}

// AddFile records an uploaded workspace file and queues it for embedding.
func (s *WorkspaceService) AddFile(ctx context.Context, userID, workspaceID, blobID, name, mimeType string, size int64) (*model.WorkspaceFile, error) {
	if !s.avail.OK() {
		return nil, appErr.ErrEmbeddingUnavailable
	}
	file := &model.WorkspaceFile{
		WorkspaceID: workspaceID,
		FileID:      newFileID(),
		BlobID:      blobID,
		FileName:    name,
		MimeType:    mimeType,
		Size:        size,
		Ctime:       timeutil.NowUnix(),
	}
	if err := s.store.AddFile(ctx, file); err != nil {
		return nil, err
	}
	if err := s.publisher.Publish(ctx, workspaceID+":"+file.FileID, bus.EventFileEmbedQueued, bus.FileEmbedQueued{
		UserID:      userID,
		WorkspaceID: workspaceID,
		FileID:      file.FileID,
		BlobID:      blobID,
		FileName:    name,
		MimeType:    mimeType,
	}); err != nil {
		logutil.GetLogger(ctx).Error("queue workspace file embed failed",
			zap.String("workspace_id", workspaceID), zap.String("file_id", file.FileID), zap.Error(err))
	}
	return file, nil
}

func (s *WorkspaceService) ListFiles(ctx context.Context, workspaceID string, limit, offset int) ([]model.WorkspaceFile, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	files, err := s.store.ListFiles(ctx, workspaceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.CountFiles(ctx, workspaceID)
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

func (s *WorkspaceService) RemoveFile(ctx context.Context, workspaceID, fileID string) (bool, error) {
	return s.store.RemoveFile(ctx, workspaceID, fileID)
}

func (s *WorkspaceService) UpdateIgnoredDocs(ctx context.Context, workspaceID string, add, remove []string) (int64, error) {
	return s.store.UpdateIgnoredDocs(ctx, workspaceID, add, remove)
}

func (s *WorkspaceService) ListIgnoredDocs(ctx context.Context, workspaceID string, limit, offset int) ([]model.IgnoredDoc, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	docs, err := s.store.ListIgnoredDocs(ctx, workspaceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.CountIgnoredDocs(ctx, workspaceID)
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// GetEmbeddingStatus reports embeddable target counts. Zero counts when the
// embedding tables are missing.
func (s *WorkspaceService) GetEmbeddingStatus(ctx context.Context, workspaceID string) (*model.EmbeddingStatus, error) {
	if !s.avail.OK() {
		return &model.EmbeddingStatus{}, nil
	}
	return s.store.GetEmbeddingStatus(ctx, workspaceID)
}

// EnqueuePendingDocs publishes embed requests for every doc in the
// workspace that still needs one. Used by the discovery job.
func (s *WorkspaceService) EnqueuePendingDocs(ctx context.Context, workspaceID string) (int, error) {
	if !s.avail.OK() {
		return 0, nil
	}
	docIDs, err := s.store.FindDocsToEmbed(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	for _, docID := range docIDs {
		if err := s.publisher.Publish(ctx, workspaceID+":"+docID, bus.EventDocEmbedQueued, bus.DocEmbedQueued{
			WorkspaceID: workspaceID,
			DocID:       docID,
		}); err != nil {
			return 0, err
		}
	}
	return len(docIDs), nil
}
