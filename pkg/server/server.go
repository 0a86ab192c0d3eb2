// Package server exposes the validation API over HTTP: POST /validate
// for token validation, GET /health for liveness, and GET /clusters for
// the configured trust inventory. Responses never carry trust material;
// cluster names are the only registry data that leaves the process.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rophy/kube-federated-auth/pkg/cluster"
	"github.com/rophy/kube-federated-auth/pkg/config"
	"github.com/rophy/kube-federated-auth/pkg/validator"
)

// Server is the validation API server.
type Server struct {
	httpServer      *http.Server
	registry        *cluster.Registry
	orchestrator    *validator.Orchestrator
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// New builds the server with its routes registered.
func New(cfg *config.Config, registry *cluster.Registry, orchestrator *validator.Orchestrator, logger *slog.Logger) *Server {
	s := &Server{
		registry:        registry,
		orchestrator:    orchestrator,
		logger:          logger,
		shutdownTimeout: cfg.ShutdownTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate", s.handleValidate)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /clusters", s.handleClusters)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRequestID(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests
// within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
