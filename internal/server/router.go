package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"wamator/internal/auth"
	"wamator/internal/handler"
	"wamator/internal/logging"
	"wamator/internal/metrics"
	"wamator/internal/middleware"
	"wamator/internal/store"
)

const (
	connectRequestLimit  = 30
	connectRequestWindow = time.Minute
)

type Deps struct {
	Store       *store.Store
	Sessions    handler.Sessions
	Publisher   handler.JobPublisher
	Socket      http.Handler
	TokenConfig auth.TokenConfig
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	Origins     []string
	// ConnectLimiter throttles pairing requests per tenant. The caller owns its sweep.
	ConnectLimiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	origins := deps.Origins
	if len(origins) == 0 {
		origins = []string{"http://localhost:8080"}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinLogger(deps.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", middleware.APIKeyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	health := &handler.HealthHandler{Store: deps.Store}
	r.GET("/health", health.Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.Socket != nil {
		r.GET("/socket.io/", gin.WrapH(deps.Socket))
	}

	api := r.Group("/")
	api.Use(middleware.RequireAPIKey(deps.Store, deps.Logger))

	messages := &handler.MessagesHandler{Store: deps.Store, Publisher: deps.Publisher, Log: deps.Logger}
	api.POST("/messages", messages.Send)
	api.GET("/messages/batches/:batchId", messages.Batch)

	limiter := deps.ConnectLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(connectRequestLimit, connectRequestWindow)
	}
	connect := &handler.ConnectHandler{Sessions: deps.Sessions, Log: deps.Logger}
	connectGroup := api.Group("/connect")
	connectGroup.GET("/sessions", connect.List)
	connectGroup.POST("/:userId/:phoneNumber", middleware.RateLimitMiddleware(limiter), connect.Connect)
	connectGroup.DELETE("/:userId/:phoneNumber", connect.Logout)

	tokens := &handler.PushTokenHandler{Users: deps.Store, TokenConfig: deps.TokenConfig, Log: deps.Logger}
	api.GET("/session/push-token", tokens.Issue)

	return r
}
