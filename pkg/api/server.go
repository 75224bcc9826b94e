// Package api serves the operator and query HTTP surface over the core contracts
package api

import (
	"context"
	stdErrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/aggregation"
	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/observability"
	"github.com/core-tools/hsu-monitor/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultAddress         = "127.0.0.1:8080"
	DefaultLivenessWindow  = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second

	// UserHeader carries the id of the caller authenticated upstream
	UserHeader = "X-Hsu-User"
)

type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address,omitempty"`
	LivenessWindow  time.Duration `yaml:"liveness_window,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// SettingService is the part of the settings provider the API uses
type SettingService interface {
	Get(ctx context.Context) model.Setting
	Put(ctx context.Context, setting model.Setting) error
	VerifyPin(ctx context.Context, pin string) bool
}

type Dependencies struct {
	Store    store.Store
	Querier  *aggregation.Querier
	Settings SettingService
	Metrics  *observability.Metrics // optional
}

type Server struct {
	deps    Dependencies
	config  Config
	watcher store.ProcessWatcher
	engine  *gin.Engine
	logger  logging.Logger
}

func NewServer(deps Dependencies, config Config, logger logging.Logger) *Server {
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.LivenessWindow <= 0 {
		config.LivenessWindow = DefaultLivenessWindow
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{
		deps:   deps,
		config: config,
		logger: logger,
	}
	s.watcher, _ = store.AsWatcher(deps.Store)
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/health", s.health)
	if s.deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	engine.POST("/v1/settings/pin", s.verifyPin)

	read := engine.Group("/v1", s.authenticate(true))
	read.GET("/dashboard", s.dashboard)
	read.GET("/stats", s.stats)
	read.GET("/logs", s.logs)
	read.GET("/uptime", s.uptime)
	read.GET("/incidents", s.incidents)
	read.GET("/settings", s.getSettings)
	read.GET("/ws/processes", s.processFeed)

	write := engine.Group("/v1", s.authenticate(false))
	write.POST("/processes/:id/:action", s.control)

	admin := engine.Group("/v1", s.authenticate(false), requirePrivileged())
	admin.PUT("/settings", s.putSettings)
	admin.PUT("/users/:id/acl", s.putUserACL)
	admin.POST("/acl/common", s.commonBaseline)

	return engine
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return errors.NewIOError("failed to listen", err).WithContext("address", s.config.Address)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Infof("API listening on %s", listener.Addr())
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if stdErrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.NewIOError("api server failed", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("API shutdown did not complete: %v", err)
		return server.Close()
	}
	s.logger.Infof("API stopped")
	return nil
}
