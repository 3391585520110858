package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/novel-gateway/internal/analytics"
	"github.com/nulzo/novel-gateway/internal/config"
	"github.com/nulzo/novel-gateway/internal/server/middleware"
	v1 "github.com/nulzo/novel-gateway/internal/server/v1"
	"github.com/nulzo/novel-gateway/internal/server/validator"
	"github.com/nulzo/novel-gateway/internal/store/cache"
	"go.uber.org/zap"
)

const serviceName = "novel-gateway"

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Gateway   v1.Generator
	Analytics analytics.Service
	Ingestor  analytics.Ingestor
	Cache     cache.CacheService
	Checks    map[string]v1.Pinger
}

type Server struct {
	router *gin.Engine
	config *config.Config
	logger *zap.Logger
	deps   Deps
}

func New(cfg *config.Config, logger *zap.Logger, deps Deps) *Server {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	validator.InitValidator()

	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Recovery(logger))
	engine.Use(middleware.AccessLog(logger))
	engine.Use(middleware.Metrics())
	if cfg.Tracing.Enabled {
		engine.Use(middleware.Tracing(serviceName))
	}
	engine.Use(middleware.ErrorHandler(logger))

	s := &Server{
		router: engine,
		config: cfg,
		logger: logger,
		deps:   deps,
	}

	s.SetupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}
