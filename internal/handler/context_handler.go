package handler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/quillhq/contextd/internal/filestore"
	"github.com/quillhq/contextd/internal/model"
	appErr "github.com/quillhq/contextd/internal/pkg/errors"
	"github.com/quillhq/contextd/internal/pkg/response"
	"github.com/quillhq/contextd/internal/service"
)

type ContextHandler struct {
	contexts *service.ContextService
	store    filestore.Store
}

func NewContextHandler(contexts *service.ContextService, store filestore.Store) *ContextHandler {
	return &ContextHandler{contexts: contexts, store: store}
}

type createContextRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	SessionID   string `json:"session_id" binding:"required"`
}

func (h *ContextHandler) Create(c *gin.Context) {
	req := &createContextRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		handleError(c, appErr.ErrInvalid)
		return
	}
	session, err := h.contexts.Create(c.Request.Context(), req.SessionID, req.WorkspaceID, getUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"id": session.ID()})
}

func (h *ContextHandler) Get(c *gin.Context) {
	view, err := h.contexts.Describe(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, view)
}

type addDocRequest struct {
	DocID string `json:"doc_id" binding:"required"`
}

func (h *ContextHandler) AddDoc(c *gin.Context) {
	req := &addDocRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		handleError(c, appErr.ErrInvalid)
		return
	}
	doc, err := h.contexts.AddDoc(c.Request.Context(), c.Param("id"), req.DocID)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, doc)
}

func (h *ContextHandler) RemoveDoc(c *gin.Context) {
	removed, err := h.contexts.RemoveDoc(c.Request.Context(), c.Param("id"), c.Param("docId"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"removed": removed})
}

type addCategoryRequest struct {
	Type       string   `json:"type" binding:"required"`
	CategoryID string   `json:"category_id" binding:"required"`
	DocIDs     []string `json:"doc_ids"`
}

func parseCategoryType(value string) (model.CategoryType, error) {
	switch model.CategoryType(value) {
	case model.CategoryTypeTag:
		return model.CategoryTypeTag, nil
	case model.CategoryTypeCollection:
		return model.CategoryTypeCollection, nil
	default:
		return "", appErr.ErrInvalid
	}
}

func (h *ContextHandler) AddCategory(c *gin.Context) {
	req := &addCategoryRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		handleError(c, appErr.ErrInvalid)
		return
	}
	typ, err := parseCategoryType(req.Type)
	if err != nil {
		handleError(c, err)
		return
	}
	category, err := h.contexts.AddCategory(c.Request.Context(), c.Param("id"), typ, req.CategoryID, req.DocIDs)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, category)
}

func (h *ContextHandler) RemoveCategory(c *gin.Context) {
	typ, err := parseCategoryType(c.Param("type"))
	if err != nil {
		handleError(c, err)
		return
	}
	removed, err := h.contexts.RemoveCategory(c.Request.Context(), c.Param("id"), typ, c.Param("categoryId"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"removed": removed})
}

// readUpload pulls the multipart file into memory, enforcing the embeddable
// size quota before anything is stored.
func readUpload(c *gin.Context) (string, string, string, []byte, error) {
	if c.Request.ContentLength > service.MaxEmbeddableSize {
		return "", "", "", nil, appErr.ErrQuotaExceeded
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return "", "", "", nil, appErr.ErrInvalid
	}
	if fh.Size > service.MaxEmbeddableSize {
		return "", "", "", nil, appErr.ErrQuotaExceeded
	}
	f, err := fh.Open()
	if err != nil {
		return "", "", "", nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, service.MaxEmbeddableSize+1))
	if err != nil {
		return "", "", "", nil, err
	}
	if len(data) > service.MaxEmbeddableSize {
		return "", "", "", nil, appErr.ErrQuotaExceeded
	}
	sum := sha256.Sum256(data)
	blobID := hex.EncodeToString(sum[:])
	return blobID, fh.Filename, fh.Header.Get("Content-Type"), data, nil
}

func (h *ContextHandler) AddFile(c *gin.Context) {
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
	file, err := h.contexts.AddFile(ctx, c.Param("id"), getUserID(c), blobID, name, mimeType)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, file)
}

func (h *ContextHandler) RemoveFile(c *gin.Context) {
	removed, err := h.contexts.RemoveFile(c.Request.Context(), c.Param("id"), c.Param("fileId"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"removed": removed})
}

type matchRequest struct {
	Query           string  `json:"query" binding:"required"`
	TopK            int     `json:"top_k"`
	ScopedThreshold float64 `json:"scoped_threshold"`
	Threshold       float64 `json:"threshold"`
}

func (h *ContextHandler) MatchFiles(c *gin.Context) {
	req := &matchRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		handleError(c, appErr.ErrInvalid)
		return
	}
	chunks, err := h.contexts.MatchFiles(c.Request.Context(), c.Param("id"), req.Query, req.TopK, req.ScopedThreshold, req.Threshold)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"chunks": chunks})
}

func (h *ContextHandler) MatchDocs(c *gin.Context) {
	req := &matchRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		handleError(c, appErr.ErrInvalid)
		return
	}
	chunks, err := h.contexts.MatchDocs(c.Request.Context(), c.Param("id"), req.Query, req.TopK, req.ScopedThreshold, req.Threshold)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"chunks": chunks})
}
