package worker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/quillhq/contextd/internal/ai"
	"github.com/quillhq/contextd/internal/bus"
	"github.com/quillhq/contextd/internal/filestore"
	appErr "github.com/quillhq/contextd/internal/pkg/errors"
	"github.com/quillhq/contextd/internal/repo"
)

// EmbedWorker consumes embed-queued events, turns content into embedding
// rows and emits the reconciliation events the context service listens to.
type EmbedWorker struct {
	embeddings *repo.EmbeddingRepo
	workspaces *repo.WorkspaceRepo
	docs       *repo.DocRepo
	store      filestore.Store
	client     *ai.Client
	chunker    *ai.Chunker
	publisher  *bus.Producer
}

func NewEmbedWorker(
	embeddings *repo.EmbeddingRepo,
	workspaces *repo.WorkspaceRepo,
	docs *repo.DocRepo,
	store filestore.Store,
	client *ai.Client,
	publisher *bus.Producer,
) *EmbedWorker {
	return &EmbedWorker{
		embeddings: embeddings,
		workspaces: workspaces,
		docs:       docs,
		store:      store,
		client:     client,
		chunker:    ai.NewChunker(),
		publisher:  publisher,
	}
}

func (w *EmbedWorker) Register(consumer *bus.Consumer) {
	consumer.Handle(bus.EventDocEmbedQueued, w.onDocQueued)
	consumer.Handle(bus.EventFileEmbedQueued, w.onFileQueued)
}

func (w *EmbedWorker) onDocQueued(ctx context.Context, env *bus.Envelope) error {
	evt := &bus.DocEmbedQueued{}
	if err := env.Decode(evt); err != nil {
		return err
	}
	logger := logutil.GetLogger(ctx).With(
		zap.String("workspace_id", evt.WorkspaceID), zap.String("doc_id", evt.DocID))
	need, err := w.workspaces.CheckDocNeedEmbedded(ctx, evt.WorkspaceID, evt.DocID)
	if err != nil {
		return err
	}
	if !need {
		logger.Debug("doc embedding is fresh, skip")
		return nil
	}
	if err := w.embedDoc(ctx, evt); err != nil {
		logger.Error("embed doc failed", zap.Error(err))
		w.reportDocFailure(ctx, evt)
		return err
	}
	logger.Info("doc embedded")
	return nil
}

func (w *EmbedWorker) embedDoc(ctx context.Context, evt *bus.DocEmbedQueued) error {
	doc, err := w.docs.Get(ctx, evt.WorkspaceID, evt.DocID)
	if err != nil {
		return err
	}
	chunks := w.chunker.Chunk(ctx, doc.Content)
	embeddings, err := w.client.GetEmbeddings(ctx, chunks)
	if err != nil {
		return err
	}
	return w.embeddings.InsertWorkspaceEmbeddings(ctx, evt.WorkspaceID, evt.DocID, embeddings)
}

func (w *EmbedWorker) reportDocFailure(ctx context.Context, evt *bus.DocEmbedQueued) {
	if evt.ContextID == "" {
		return
	}
	err := w.publisher.Publish(ctx, evt.ContextID, bus.EventDocEmbedFailed, bus.DocEmbedFailed{
		ContextID: evt.ContextID,
		DocID:     evt.DocID,
	})
	if err != nil {
		logutil.GetLogger(ctx).Error("publish doc embed failure failed",
			zap.String("doc_id", evt.DocID), zap.Error(err))
	}
}

func (w *EmbedWorker) onFileQueued(ctx context.Context, env *bus.Envelope) error {
	evt := &bus.FileEmbedQueued{}
	if err := env.Decode(evt); err != nil {
		return err
	}
	logger := logutil.GetLogger(ctx).With(
		zap.String("workspace_id", evt.WorkspaceID),
		zap.String("context_id", evt.ContextID),
		zap.String("file_id", evt.FileID))
	chunkCount, err := w.embedFile(ctx, evt)
	if err != nil {
		logger.Error("embed file failed", zap.Error(err))
		w.reportFileFailure(ctx, evt, err)
		return err
	}
	w.reportFileFinished(ctx, evt, chunkCount)
	logger.Info("file embedded", zap.Int64("chunks", chunkCount))
	return nil
}

func (w *EmbedWorker) embedFile(ctx context.Context, evt *bus.FileEmbedQueued) (int64, error) {
	content, err := w.readBlob(ctx, evt.BlobID)
	if err != nil {
		return 0, err
	}
	chunks, err := w.chunkFile(ctx, evt.MimeType, evt.FileName, content)
	if err != nil {
		return 0, err
	}
	embeddings, err := w.client.GetEmbeddings(ctx, chunks)
	if err != nil {
		return 0, err
	}
	if evt.ContextID != "" {
		err = w.embeddings.InsertFileEmbeddings(ctx, evt.ContextID, evt.FileID, embeddings)
	} else {
		err = w.workspaces.InsertFileEmbeddings(ctx, evt.WorkspaceID, evt.FileID, embeddings)
	}
	if err != nil {
		return 0, err
	}
	return int64(len(chunks)), nil
}

func (w *EmbedWorker) readBlob(ctx context.Context, blobID string) (string, error) {
	r, err := w.store.Open(ctx, blobID)
	if err != nil {
		return "", fmt.Errorf("open blob %s: %w", blobID, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *EmbedWorker) chunkFile(ctx context.Context, mimeType, fileName, content string) ([]ai.Chunk, error) {
	switch {
	case isMarkdown(mimeType, fileName):
		return w.chunker.Chunk(ctx, content), nil
	case strings.HasPrefix(mimeType, "text/"), mimeType == "application/json":
		return w.chunker.ChunkPlain(content), nil
	default:
		return nil, fmt.Errorf("%w: %s", appErr.ErrFileNotSupported, mimeType)
	}
}

func isMarkdown(mimeType, fileName string) bool {
	if mimeType == "text/markdown" {
		return true
	}
	name := strings.ToLower(fileName)
	return strings.HasSuffix(name, ".md") || strings.HasSuffix(name, ".markdown")
}

func (w *EmbedWorker) reportFileFinished(ctx context.Context, evt *bus.FileEmbedQueued, chunkCount int64) {
	if evt.ContextID == "" {
		return
	}
	err := w.publisher.Publish(ctx, evt.ContextID, bus.EventFileEmbedFinished, bus.FileEmbedFinished{
		ContextID: evt.ContextID,
		FileID:    evt.FileID,
		ChunkSize: chunkCount,
	})
	if err != nil {
		logutil.GetLogger(ctx).Error("publish file embed finish failed",
			zap.String("file_id", evt.FileID), zap.Error(err))
	}
}

func (w *EmbedWorker) reportFileFailure(ctx context.Context, evt *bus.FileEmbedQueued, cause error) {
	if evt.ContextID == "" {
		return
	}
	err := w.publisher.Publish(ctx, evt.ContextID, bus.EventFileEmbedFailed, bus.FileEmbedFailed{
		ContextID: evt.ContextID,
		FileID:    evt.FileID,
		Error:     cause.Error(),
	})
	if err != nil {
		logutil.GetLogger(ctx).Error("publish file embed failure failed",
			zap.String("file_id", evt.FileID), zap.Error(err))
	}
}
