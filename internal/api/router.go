package api

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/cricket/internal/analysis"
	"github.com/your-org/cricket/internal/api/handlers"
	"github.com/your-org/cricket/internal/api/ws"
	"github.com/your-org/cricket/internal/auth"
	"github.com/your-org/cricket/internal/queue"
	"github.com/your-org/cricket/internal/storage"
)

type RouterConfig struct {
	Analysis    *analysis.Service
	Store       storage.Store
	Auth        *auth.Service
	RateLimiter *auth.RateLimiter
	Hub         *ws.Hub
	// MinIO and Producer are optional and only feed readiness checks.
	MinIO       *storage.MinIOStore
	Producer    *queue.Producer
	CORSOrigins []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware())
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	// System endpoints
	systemH := handlers.NewSystemHandler(readinessChecks(cfg))
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	analyzeH := handlers.NewAnalyzeHandler(cfg.Analysis)
	api.POST("/analyze", analyzeH.Analyze)
	api.POST("/analyze-video", analyzeH.AnalyzeVideo)

	historyH := handlers.NewHistoryHandler(cfg.Store)
	api.GET("/history", historyH.List)
	api.GET("/analytics", historyH.Analytics)

	authH := handlers.NewAuthHandler(cfg.Auth)
	accounts := api.Group("")
	accounts.Use(cfg.RateLimiter.Middleware())
	accounts.POST("/signup", authH.Signup)
	accounts.POST("/login", authH.Login)
	accounts.POST("/forgot-password", authH.ForgotPassword)
	accounts.POST("/reset-password", authH.ResetPassword)

	api.GET("/me", auth.SessionMiddleware(cfg.Auth.Tokens()), authH.Me)

	if cfg.Hub != nil {
		api.GET("/ws", cfg.Hub.HandleWS)
	}

	return r
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowHeaders = append(c.AllowHeaders, "Authorization", "X-Request-ID")
	c.ExposeHeaders = []string{"X-Request-ID"}
	c.MaxAge = 12 * time.Hour
	return c
}

func readinessChecks(cfg RouterConfig) map[string]handlers.Pinger {
	checks := map[string]handlers.Pinger{}
	if cfg.Store != nil {
		checks["database"] = cfg.Store.Ping
	}
	if cfg.MinIO != nil {
		checks["minio"] = cfg.MinIO.Ping
	}
	if cfg.Producer != nil {
		checks["nats"] = func(context.Context) error { return cfg.Producer.Ping() }
	}
	return checks
}
