package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/adapters/signal"
	"github.com/tidemeet/media-server/internal/config"
	"github.com/tidemeet/media-server/internal/core"
	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter wires the REST surface and the signaling WebSocket endpoint.
func SetupRouter(ctx context.Context, cfg *config.Config, registry *core.Registry, router media.Router, engine media.Engine) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeetSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/health", func(c *gin.Context) {
		alive := true
		select {
		case <-engine.Done():
			alive = false
		default:
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "engineAlive": alive})
	})

	ctl := signal.NewController(registry, router, cfg.GracePeriod)

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	api.POST("/sessions", func(c *gin.Context) {
		var req struct {
			RoomID      string `json:"roomId" binding:"required"`
			WorkspaceID string `json:"workspaceId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomId and workspaceId are required"})
			return
		}
		sess, err := registry.Create(domain.SessionID(req.RoomID), domain.WorkspaceID(req.WorkspaceID), router)
		if err != nil {
			if errors.Is(err, core.ErrSessionExists) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "session": sess.Summary()})
	})

	api.GET("/sessions/:id", func(c *gin.Context) {
		sess, ok := registry.Get(domain.SessionID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, sess.Summary())
	})

	api.GET("/workspaces/:id/sessions", func(c *gin.Context) {
		out := make([]core.SessionSummary, 0)
		for _, sess := range registry.ListByWorkspace(domain.WorkspaceID(c.Param("id"))) {
			out = append(out, sess.Summary())
		}
		c.JSON(http.StatusOK, out)
	})

	registerFileRoutes(api, cfg, registry)

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
