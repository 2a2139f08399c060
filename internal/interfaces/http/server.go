package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llmtap/llmtap/internal/infrastructure/proxy"
	"github.com/llmtap/llmtap/internal/interfaces/http/handlers"
)

// Server is the single listener: introspection routes under /_interceptor/
// and everything else falling through to the proxy.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config holds the listener settings.
type Config struct {
	Host    string
	Port    int
	Verbose bool
}

// NewServer wires the router. The proxy handler owns every path the
// introspection API does not claim.
func NewServer(cfg Config, proxyHandler *proxy.Handler, introspection *handlers.IntrospectionHandler, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Verbose {
		router.Use(ginLogger(logger))
	}

	setupRoutes(router, proxyHandler, introspection)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: router,
		},
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, proxyHandler *proxy.Handler, introspection *handlers.IntrospectionHandler) {
	api := router.Group("/_interceptor")
	{
		api.GET("/health", introspection.Health)
		api.GET("/stats", introspection.Stats)
		api.GET("/sessions", introspection.ListSessions)
		api.GET("/interactions", introspection.ListInteractions)
		api.DELETE("/interactions", introspection.DeleteInteractions)
		api.GET("/interactions/:id", introspection.GetInteraction)
		api.GET("/conversations", introspection.ListConversations)
		api.GET("/conversations/:id", introspection.GetConversation)
		api.GET("/live", introspection.Live)
	}

	// Every other path is forwarded upstream.
	router.NoRoute(proxyHandler.Handle)
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
