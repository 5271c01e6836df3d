package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quillhq/contextd/internal/middleware"
)

type RouterDeps struct {
	Contexts   *ContextHandler
	Workspaces *WorkspaceHandler
	JWTSecret  []byte
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	authGroup := api.Group("")
	authGroup.Use(middleware.JWTAuth(deps.JWTSecret))

	uploadLimit := middleware.RateLimit(time.Second)

	authGroup.POST("/contexts", deps.Contexts.Create)
	authGroup.GET("/contexts/:id", deps.Contexts.Get)
	authGroup.POST("/contexts/:id/docs", deps.Contexts.AddDoc)
	authGroup.DELETE("/contexts/:id/docs/:docId", deps.Contexts.RemoveDoc)
	authGroup.POST("/contexts/:id/categories", deps.Contexts.AddCategory)
	authGroup.DELETE("/contexts/:id/categories/:type/:categoryId", deps.Contexts.RemoveCategory)
	authGroup.POST("/contexts/:id/files", uploadLimit, deps.Contexts.AddFile)
	authGroup.DELETE("/contexts/:id/files/:fileId", deps.Contexts.RemoveFile)
	authGroup.POST("/contexts/:id/match/files", deps.Contexts.MatchFiles)
	authGroup.POST("/contexts/:id/match/docs", deps.Contexts.MatchDocs)

	authGroup.POST("/workspaces/:id/match/files", deps.Workspaces.MatchFiles)
	authGroup.POST("/workspaces/:id/match/docs", deps.Workspaces.MatchDocs)
	authGroup.POST("/workspaces/:id/match/all", deps.Workspaces.MatchAll)
	authGroup.GET("/workspaces/:id/embedding/status", deps.Workspaces.EmbeddingStatus)
	authGroup.POST("/workspaces/:id/embedding/queue", deps.Workspaces.QueueEmbedding)
	authGroup.GET("/workspaces/:id/ignored-docs", deps.Workspaces.ListIgnoredDocs)
	authGroup.POST("/workspaces/:id/ignored-docs", deps.Workspaces.UpdateIgnoredDocs)
	authGroup.POST("/workspaces/:id/files", uploadLimit, deps.Workspaces.UploadFile)
	authGroup.GET("/workspaces/:id/files", deps.Workspaces.ListFiles)
	authGroup.DELETE("/workspaces/:id/files/:fileId", deps.Workspaces.RemoveFile)
}
