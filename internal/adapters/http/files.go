package http

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/config"
	"github.com/tidemeet/media-server/internal/core"
	"github.com/tidemeet/media-server/internal/domain"
)

// registerFileRoutes serves session-scoped shared files as plain blobs on
// disk. The signaling file-uploaded message carries the metadata; these
// endpoints carry the bytes.
func registerFileRoutes(api *gin.RouterGroup, cfg *config.Config, registry *core.Registry) {
	api.POST("/sessions/:id/files", func(c *gin.Context) {
		sess, ok := registry.Get(domain.SessionID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}

		dir := filepath.Join(cfg.FileStoragePath, string(sess.WorkspaceID), string(sess.ID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		stored := uuid.NewString() + filepath.Ext(file.Filename)
		if err := c.SaveUploadedFile(file, filepath.Join(dir, stored)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("module", "adapters.http").Str("session", string(sess.ID)).
			Str("file", stored).Int64("size", file.Size).Msg("file stored")
		c.JSON(http.StatusOK, gin.H{
			"filename":     stored,
			"originalName": file.Filename,
			"size":         file.Size,
		})
	})

	api.GET("/sessions/:id/files/:filename", func(c *gin.Context) {
		sess, ok := registry.Get(domain.SessionID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		name := filepath.Base(c.Param("filename"))
		path := filepath.Join(cfg.FileStoragePath, string(sess.WorkspaceID), string(sess.ID), name)
		if _, err := os.Stat(path); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		c.File(path)
	})
}
