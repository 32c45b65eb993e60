package routes

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"socialchat/handlers"
	"socialchat/metrics"
	"socialchat/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Deps struct {
	Conversations *handlers.ConversationHandler
	Users         *handlers.UserHandler
	Push          *handlers.PushHandler
	Realtime      http.Handler
	Verifier      *middleware.Verifier
	RateLimiter   *middleware.IPRateLimiter
	AllowOrigins  []string
	Log           *zap.SugaredLogger
}

func SetupRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(d.Log))

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept", "Idempotency-Key"},
		ExposeHeaders: []string{"Content-Length", "Content-Type"},
		MaxAge:        12 * time.Hour,
	}
	// Credentials are only allowed for an explicit origin list. Any origin
	// gets "*" without credentials; the API authenticates with a bearer token.
	if len(d.AllowOrigins) > 0 && !slices.Contains(d.AllowOrigins, "*") {
		corsConfig.AllowOrigins = d.AllowOrigins
		corsConfig.AllowCredentials = true
	} else {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	if d.Realtime != nil {
		router.GET("/ws", gin.WrapH(d.Realtime))
	}

	api := router.Group("/api")
	if d.RateLimiter != nil {
		api.Use(middleware.RateLimitMiddleware(d.RateLimiter))
	}
	if d.Push != nil {
		api.GET("/vapid-public-key", d.Push.GetVapidPublicKey)
	}

	protected := api.Group("")
	protected.Use(middleware.JWTAuthMiddleware(d.Verifier))

	// Conversations
	protected.GET("/conversations", d.Conversations.ListConversations)
	protected.POST("/conversations/:peerId", d.Conversations.CreateConversation)
	protected.DELETE("/conversations/:peerId", d.Conversations.DeleteConversation)

	// Messages
	protected.POST("/conversations/:peerId/messages", d.Conversations.SendMessage)
	protected.GET("/conversations/:peerId/messages", d.Conversations.GetMessages)

	if d.Users != nil {
		protected.GET("/users/:id", d.Users.GetUser)
	}
	if d.Push != nil {
		protected.POST("/subscribe", d.Push.SubscribePush)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Endpoint not found",
				"code":  "NotFound",
				"path":  c.Request.URL.Path,
			})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found", "code": "NotFound"})
	})

	return router
}
