package handler

import (
	"bytes"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quillhq/contextd/internal/filestore"
	appErr "github.com/quillhq/contextd/internal/pkg/errors"
	"github.com/quillhq/contextd/internal/pkg/response"
	"github.com/quillhq/contextd/internal/service"
)

type WorkspaceHandler struct {
	contexts   *service.ContextService
	workspaces *service.WorkspaceService
	store      filestore.Store
}

func NewWorkspaceHandler(contexts *service.ContextService, workspaces *service.WorkspaceService, store filestore.Store) *WorkspaceHandler {
	return &WorkspaceHandler{contexts: contexts, workspaces: workspaces, store: store}
}

func pagination(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

type workspaceMatchRequest struct {
	Query     string  `json:"query" binding:"required"`
	TopK      int     `json:"top_k"`
	Threshold float64 `json:"threshold"`
}

func (h *WorkspaceHandler) MatchFiles(c *gin.Context) {
	req := &workspaceMatchRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		handleError(c, appErr.ErrInvalid)
		return
	}
	chunks, err := h.contexts.MatchWorkspaceFiles(c.Request.Context(), c.Param("id"), req.Query, req.TopK, req.Threshold)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"chunks": chunks})
}

func (h *WorkspaceHandler) MatchDocs(c *gin.Context) {
	req := &workspaceMatchRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		handleError(c, appErr.ErrInvalid)
		return
	}
	chunks, err := h.contexts.MatchWorkspaceDocs(c.Request.Context(), c.Param("id"), req.Query, req.TopK, req.Threshold)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"chunks": chunks})
}

type workspaceMatchAllRequest struct {
	Query           string   `json:"query" binding:"required"`
	TopK            int      `json:"top_k"`
	Threshold       float64  `json:"threshold"`
	ScopedDocIDs    []string `json:"scoped_doc_ids"`
	ScopedThreshold float64  `json:"scoped_threshold"`
}

func (h *WorkspaceHandler) MatchAll(c *gin.Context) {
	req := &workspaceMatchAllRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		handleError(c, appErr.ErrInvalid)
		return
	}
	chunks, err := h.contexts.MatchWorkspaceAll(c.Request.Context(), c.Param("id"), req.Query, req.TopK, req.Threshold, req.ScopedDocIDs, req.ScopedThreshold)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"chunks": chunks})
}

func (h *WorkspaceHandler) EmbeddingStatus(c *gin.Context) {
	status, err := h.workspaces.GetEmbeddingStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, status)
}

type queueEmbeddingRequest struct {
	DocIDs []string `json:"doc_ids" binding:"required"`
}

func (h *WorkspaceHandler) QueueEmbedding(c *gin.Context) {
	req := &queueEmbeddingRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		handleError(c, appErr.ErrInvalid)
		return
	}
	queued, err := h.contexts.QueueWorkspaceEmbedding(c.Request.Context(), c.Param("id"), req.DocIDs)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"queued": queued})
}

func (h *WorkspaceHandler) ListIgnoredDocs(c *gin.Context) {
	limit, offset := pagination(c)
	docs, total, err := h.workspaces.ListIgnoredDocs(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"items": docs, "total": total})
}

type updateIgnoredDocsRequest struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

func (h *WorkspaceHandler) UpdateIgnoredDocs(c *gin.Context) {
	req := &updateIgnoredDocsRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		handleError(c, appErr.ErrInvalid)
		return
	}
	touched, err := h.workspaces.UpdateIgnoredDocs(c.Request.Context(), c.Param("id"), req.Add, req.Remove)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"updated": touched})
}

func (h *WorkspaceHandler) UploadFile(c *gin.Context) {
	blobID, name, mimeType, data, err := readUpload(c)
	if err != nil {
		handleError(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := h.store.Save(ctx, blobID, bytes.NewReader(data), int64(len(data))); err != nil {
		handleError(c, err)
		return
	}
	file, err := h.workspaces.AddFile(ctx, getUserID(c), c.Param("id"), blobID, name, mimeType, int64(len(data)))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, file)
}

func (h *WorkspaceHandler) ListFiles(c *gin.Context) {
	limit, offset := pagination(c)
	files, total, err := h.workspaces.ListFiles(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"items": files, "total": total})
}

func (h *WorkspaceHandler) RemoveFile(c *gin.Context) {
	removed, err := h.workspaces.RemoveFile(c.Request.Context(), c.Param("id"), c.Param("fileId"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"removed": removed})
}
