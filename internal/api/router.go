package api

import (
	"net/http"

	"twinlink/internal/config"
	"twinlink/internal/gateway"
	"twinlink/internal/ratelimit"
	"twinlink/internal/transport"

	"github.com/gin-gonic/gin"
)

// NewRouter wires the HTTP surface: the websocket endpoint, the health
// query and the admin operations.
func NewRouter(cfg *config.Config, gw *gateway.Gateway, ws *transport.Server, limiter *ratelimit.Limiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CORS(cfg.Server.AllowedOrigins))
	router.Use(LogAPI())

	// Per-IP throttling in front of the handshake; the per-user
	// connection bucket applies after authentication.
	router.GET("/ws", IPRateLimit(limiter), func(c *gin.Context) {
		ws.ServeWS(c.Writer, c.Request)
	})

	router.GET("/healthz", func(c *gin.Context) {
		stats := gw.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status": "UP",
			"stats":  stats,
		})
	})

	admin := router.Group("/admin", AdminAuth(cfg.Admin.Token))
	{
		admin.POST("/rate-limit/reset/:userID", func(c *gin.Context) {
			userID := c.Param("userID")
			gw.ResetUser(userID)
			c.JSON(http.StatusOK, gin.H{"status": "reset", "user_id": userID})
		})

		admin.GET("/rate-limit/:userID/:category", func(c *gin.Context) {
			userID := c.Param("userID")
			category := c.Param("category")
			switch category {
			case ratelimit.CategoryConnection, ratelimit.CategoryMessage,
				ratelimit.CategoryTyping, ratelimit.CategoryReaction:
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
				return
			}
			headers := gw.RateLimitHeaders(userID, category)
			c.JSON(http.StatusOK, gin.H{
				"limit":     headers.Limit,
				"remaining": headers.Remaining,
				"reset_in":  headers.ResetIn.Seconds(),
			})
		})
	}

	return router
}
