// Package server exposes the webhook endpoint, the session inspection API
// and the live polling routes over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rtms-relay/internal/livefeed"
	"rtms-relay/internal/rtms"
)

const readHeaderTimeout = 10 * time.Second

type Params struct {
	Addr        string
	Mode        string
	WebhookPath string
	Webhook     gin.HandlerFunc
	Registry    *rtms.Registry
	Feed        *livefeed.Feed
	Logger      *zap.Logger
}

type Server struct {
	registry *rtms.Registry
	engine   *gin.Engine
	http     *http.Server
	logger   *zap.Logger
}

func New(p Params) *Server {
	if p.Mode != "" {
		gin.SetMode(p.Mode)
	}

	s := &Server{
		registry: p.Registry,
		engine:   gin.New(),
		logger:   p.Logger,
	}

	r := s.engine
	r.Use(recovery(p.Logger), requestLogger(p.Logger), corsMiddleware())

	// Webhook route
	r.POST(p.WebhookPath, p.Webhook)

	// API routes
	api := r.Group("/api")
	{
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:meetingUuid", s.handleGetSession)
	}

	// Live polling routes
	if p.Feed != nil {
		p.Feed.Register(r)
	}

	// Health check
	r.GET("/health", s.handleHealth)

	s.http = &http.Server{
		Addr:              p.Addr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("RTMS relay listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
