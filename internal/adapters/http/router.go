package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/adapters/hub"
	"github.com/huddlekit/huddle/internal/config"
)

// ClientTokenMiddleware pins a stable per-browser token; the hub uses it
// as the rate-limit key and connection id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, h *hub.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	ctrl := hub.NewController(
		h,
		hub.NewRateLimiter(cfg.PublishLimit, cfg.PublishWindow),
		cfg.ReadLimit,
	)

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"clients": h.ClientCount(),
			"topics":  h.TopicCount(),
		})
	})

	api.GET("/topics", func(c *gin.Context) {
		c.JSON(200, gin.H{"topics": h.Topics()})
	})

	return r
}
