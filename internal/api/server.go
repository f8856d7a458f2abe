package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prmindmap/internal/aiconnectors"
	"github.com/prmindmap/internal/jobqueue"
	"github.com/prmindmap/internal/mindmap"
	"github.com/prmindmap/pkg/models"
	"github.com/rs/zerolog/log"
)

// Pipeline is the part of *mindmap.Pipeline the server uses
type Pipeline interface {
	Run(ctx context.Context, themes []models.Theme, opts mindmap.RunOptions) (*mindmap.Result, error)
	InvalidateFiles(paths []string) int
	Diagnostics() mindmap.Diagnostics
}

// Queue runs mindmaps in the background. Both *jobqueue.JobQueue and
// *jobqueue.LocalQueue satisfy it.
type Queue interface {
	Enqueue(ctx context.Context, themes []models.Theme) (string, error)
	Store() jobqueue.RunStore
}

// Config holds the server settings
type Config struct {
	Listen      string
	JWTSecret   string // empty disables authentication
	MaxThemes   int
	SyncTimeout time.Duration
	AuditDir    string
}

// DefaultConfig returns the server defaults
func DefaultConfig() Config {
	return Config{
		Listen:      ":8088",
		MaxThemes:   500,
		SyncTimeout: 10 * time.Minute,
	}
}

// Server represents the API server
type Server struct {
	echo     *echo.Echo
	pipeline Pipeline
	queue    Queue
	config   Config
}

// NewServer creates a new API server. queue may be nil, in which case the
// asynchronous routes answer 503.
func NewServer(config Config, pipeline Pipeline, queue Queue) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger())
	e.Use(middleware.BodyLimit("16M"))

	server := &Server{
		echo:     e,
		pipeline: pipeline,
		queue:    queue,
		config:   config,
	}
	server.setupRoutes()
	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	v1 := s.echo.Group("/api/v1")
	if s.config.JWTSecret != "" {
		v1.Use(RequireToken(s.config.JWTSecret))
	} else {
		log.Warn().Msg("server.jwt_secret is empty, API is unauthenticated")
	}

	v1.POST("/mindmaps", s.createMindmap)
	v1.POST("/mindmaps/sync", s.runMindmap)
	v1.GET("/mindmaps/:id", s.getMindmap)
	v1.GET("/diagnostics", s.getDiagnostics)
	v1.POST("/cache/invalidate", s.invalidateCache)

	aiconnectors.RegisterHandlers(v1)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.config.Listen).Msg("API server listening")
		if err := s.echo.Start(s.config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("Shutting down API server")
	return s.echo.Shutdown(shutdownCtx)
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			log.Debug().
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("request")
			return nil
		}
	}
}
