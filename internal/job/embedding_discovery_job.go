package job

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/quillhq/contextd/internal/repo"
	"github.com/quillhq/contextd/internal/service"
)

// EmbeddingDiscoveryJob sweeps every workspace for docs that have content
// but no embedding yet and queues them. Catches docs whose queued events
// were lost.
type EmbeddingDiscoveryJob struct {
	docs       *repo.DocRepo
	workspaces *service.WorkspaceService
}

func NewEmbeddingDiscoveryJob(docs *repo.DocRepo, workspaces *service.WorkspaceService) *EmbeddingDiscoveryJob {
	return &EmbeddingDiscoveryJob{docs: docs, workspaces: workspaces}
}

func (j *EmbeddingDiscoveryJob) Name() string {
	return "embedding_discovery"
}

func (j *EmbeddingDiscoveryJob) Spec() string {
	return "*/5 * * * *"
}

func (j *EmbeddingDiscoveryJob) Run(ctx context.Context) error {
	workspaceIDs, err := j.docs.ListWorkspaceIDs(ctx)
	if err != nil {
		return err
	}
	logger := logutil.GetLogger(ctx)
	var queued int
	for _, workspaceID := range workspaceIDs {
		n, err := j.workspaces.EnqueuePendingDocs(ctx, workspaceID)
		if err != nil {
			logger.Error("enqueue pending docs failed",
				zap.String("workspace_id", workspaceID), zap.Error(err))
			continue
		}
		queued += n
	}
	if queued > 0 {
		logger.Info("queued pending doc embeddings", zap.Int("count", queued))
	}
	return nil
}
