// Package server exposes a srcset.Service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/meigma/srcset"
	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/content"
)

// DefaultShutdownTimeout bounds how long Run waits for in-flight requests.
const DefaultShutdownTimeout = 30 * time.Second

// DefaultBodyLimit caps POST /process bodies.
const DefaultBodyLimit = "1M"

// BlobSource serves raw blobs to peers.
type BlobSource interface {
	Open(id blobid.ID) (*os.File, error)
}

// Server routes HTTP requests to a srcset.Service.
type Server struct {
	svc             *srcset.Service
	dir             *content.Dir
	blobs           BlobSource
	logger          *slog.Logger
	shutdownTimeout time.Duration
	bodyLimit       string
	echo            *echo.Echo
}

// Option configures a Server.
type Option func(*Server)

// WithBlobSource enables GET /blobs/get, serving blobs to peers.
func WithBlobSource(b BlobSource) Option {
	return func(s *Server) {
		s.blobs = b
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithShutdownTimeout sets how long Run waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithBodyLimit caps request bodies, in echo's size notation (e.g. "2M").
func WithBodyLimit(limit string) Option {
	return func(s *Server) {
		s.bodyLimit = limit
	}
}

// New creates a Server for svc publishing derivatives from dir.
func New(svc *srcset.Service, dir *content.Dir, opts ...Option) *Server {
	s := &Server{
		svc:             svc,
		dir:             dir,
		shutdownTimeout: DefaultShutdownTimeout,
		bodyLimit:       DefaultBodyLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(s.bodyLimit))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.health)
	e.GET("/resize", s.resize)
	e.GET("/srcset", s.srcset)
	e.POST("/process", s.process)
	e.GET("/metadata", s.metadata)
	e.GET("/derivatives/:name", s.derivative)
	if s.blobs != nil {
		e.GET("/blobs/get", s.blob)
	}
	return e
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("graceful shutdown failed", "error", err)
		if err := srv.Close(); err != nil {
			return fmt.Errorf("close server: %w", err)
		}
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	s.logger.Info("shutdown complete")
	return nil
}
