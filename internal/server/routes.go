package server

import (
	"github.com/gin-gonic/gin"
	"github.com/nulzo/novel-gateway/internal/server/middleware"
	v1 "github.com/nulzo/novel-gateway/internal/server/v1"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) SetupRoutes() {
	// Public
	healthHandler := v1.NewHealthHandler(s.deps.Checks)
	s.router.GET("/health", healthHandler.Health)
	s.router.GET("/ready", healthHandler.Ready)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/v1")
	api.Use(middleware.Auth(s.config.Server.APIKeys))
	if rl := s.config.RateLimit; rl.RequestsPerSecond > 0 {
		api.Use(middleware.NewRateLimiter(rl.RequestsPerSecond, rl.Burst, s.logger).Middleware())
	}
	{
		generateHandler := v1.NewGenerateHandler(
			s.deps.Gateway,
			s.config.Profiles,
			s.deps.Ingestor,
			s.deps.Cache,
			s.config.Redis.TTL,
			s.logger,
		)
		api.POST("/generate", generateHandler.Generate)
		api.POST("/generate/stream", generateHandler.Stream)

		catalogHandler := v1.NewCatalogHandler(s.deps.Gateway.Endpoints(), s.config.Profiles)
		api.GET("/providers", catalogHandler.ListProviders)

		if s.deps.Analytics != nil {
			analyticsHandler := v1.NewAnalyticsHandler(s.deps.Analytics)
			api.GET("/usage", analyticsHandler.GetUsage)
			api.GET("/generations", analyticsHandler.ListGenerations)
			api.GET("/generations/:id", analyticsHandler.GetGeneration)
		}
	}
}
