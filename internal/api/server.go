package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"godown-edge-go/internal/api/handlers"
	"godown-edge-go/internal/api/middleware"
	"godown-edge-go/internal/config"
)

const shutdownTimeout = 5 * time.Second

// Server is the read-mostly status API. It runs as a supervised service.
type Server struct {
	config *config.Config
	router *gin.Engine
	server *http.Server
	log    zerolog.Logger

	healthHandler *handlers.HealthHandler
	cameraHandler *handlers.CameraHandler
}

func NewServer(cfg *config.Config, status handlers.StatusSource, cameras handlers.CameraDirectory, logger zerolog.Logger) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:        cfg,
		router:        gin.New(),
		log:           logger,
		healthHandler: handlers.NewHealthHandler(cfg.WorkerID, cfg.GodownID, cfg.Version, status),
		cameraHandler: handlers.NewCameraHandler(cameras),
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.setupSwagger()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestContext())
	s.router.Use(middleware.RequestID(s.log))
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.Logger())
	s.router.Use(middleware.CORS())
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs ListenAndServe until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("Status API listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status api failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status api shutdown failed: %w", err)
		}
		<-errCh
		s.log.Info().Msg("Status API stopped")
		return ctx.Err()
	}
}

func (s *Server) String() string { return "status-api" }
