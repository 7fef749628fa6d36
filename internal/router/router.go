// Package router assembles the gin engine: ambient middleware, the
// rate limiter, and the demo API routes it protects.
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rategate/internal/auth"
	"rategate/internal/config"
	"rategate/internal/docstore"
	"rategate/internal/handler"
	"rategate/internal/middleware"
	"rategate/internal/ratelimit"
	"rategate/internal/tracing"
)

// Config holds router configuration.
type Config struct {
	Logger     *zap.Logger
	JWTSecret  string
	BasePath   string
	Docs       docstore.Store
	RateLimit  config.RateLimitConfig
	Registerer prometheus.Registerer

	// ServiceName is used for OTEL span attribution.
	ServiceName string

	// VerifyUser checks credentials for the token endpoint. Nil
	// rejects everything, which is fine for a gateway demo surface.
	VerifyUser func(username, password string) bool
}

// Setup builds the engine with all routes registered.
func Setup(cfg Config) *gin.Engine {
	r := gin.New()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "rategate"
	}

	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(tracing.GinMiddleware(serviceName))
	r.Use(middleware.Logger(cfg.Logger))

	// Rate limiting middleware
	parser := auth.NewTokenParser(cfg.JWTSecret)
	registry := ratelimit.NewRegistry(parser.DeriveUserID)
	registry.SetAuthFailureWindow(cfg.RateLimit.AuthFailureWindowSeconds)

	counterStore := ratelimit.NewCounterStore(cfg.Docs, cfg.Logger)
	metrics := ratelimit.NewMetrics(cfg.RateLimit.MetricsNamespace, cfg.Registerer)

	r.Use(ratelimit.Middleware(ratelimit.MiddlewareOptions{
		Enabled:      cfg.RateLimit.Enabled,
		Store:        counterStore,
		Policies:     registry.Resolver(cfg.BasePath),
		Hasher:       ratelimit.NewKeyHasher(cfg.RateLimit.HashSalt),
		Metrics:      metrics,
		Logger:       cfg.Logger,
		StoreTimeout: cfg.RateLimit.StoreTimeout,
	}))
	if cfg.RateLimit.Enabled {
		cfg.Logger.Info("Rate limiting middleware enabled",
			zap.String("backend", cfg.RateLimit.Backend),
			zap.Duration("store_timeout", cfg.RateLimit.StoreTimeout),
		)
	} else {
		cfg.Logger.Warn("Rate limiting is disabled")
	}

	// Prometheus metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check routes
	r.GET("/health", healthHandler)
	r.GET("/health/live", healthHandler)
	r.GET("/health/ready", healthHandler)

	// Initialize handlers
	contentHandler := handler.NewContentHandler(cfg.Logger)
	userHandler := handler.NewUserHandler(cfg.Logger)
	authHandler := handler.NewAuthHandler(cfg.JWTSecret, cfg.VerifyUser, cfg.Logger)

	authMiddleware := auth.Middleware(parser)

	api := r.Group(cfg.BasePath)

	// Public routes
	api.GET("/feed", contentHandler.GetFeed)

	// Content routes
	api.POST("/post", authMiddleware, contentHandler.CreatePost)

	moderation := api.Group("/moderation")
	moderation.Use(authMiddleware)
	{
		moderation.POST("/flag", contentHandler.FlagContent)
		moderation.POST("/appeals", contentHandler.CreateAppeal)
		moderation.GET("/appeals", contentHandler.ListAppeals)
		moderation.POST("/appeals/:appealId/vote", contentHandler.VoteOnAppeal)
	}

	// Account data routes
	user := api.Group("/user")
	user.Use(authMiddleware)
	{
		user.POST("/export", userHandler.ExportData)
		user.POST("/delete", userHandler.DeleteAccount)
	}

	// Auth routes
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/token", authHandler.IssueToken)
		authGroup.GET("/authorize", authHandler.Authorize)
		authGroup.GET("/userinfo", authMiddleware, authHandler.UserInfo)
		authGroup.GET("/config", authHandler.AuthConfig)
		authGroup.GET("/ping", authHandler.Ping)
	}

	return r
}

func healthHandler(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}
