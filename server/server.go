// Package server exposes the operational HTTP surface: enqueue and queue
// controls, job inspection, and the websocket status stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/broadcast"
	"github.com/quarrylabs/quarry/config"
	"github.com/quarrylabs/quarry/errors"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/store"
)

// Server is the ops HTTP server. It shares the store and queue with worker
// processes through the database; it does not process work itself.
type Server struct {
	cfg    config.ServerConfig
	store  *store.Store
	queue  *queue.Queue
	hub    *broadcast.Hub
	logger *zap.SugaredLogger

	mux  *http.ServeMux
	http *http.Server
}

// NewServer creates the ops server. hub may be nil when the websocket stream
// is not wanted.
func NewServer(cfg config.ServerConfig, st *store.Store, q *queue.Queue, hub *broadcast.Hub, logger *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		queue:  q,
		hub:    hub,
		logger: logger.Named("server"),
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.corsMiddleware(s.handleHealth))
	s.mux.HandleFunc("/api/queue/enqueue", s.corsMiddleware(s.handleEnqueue))
	s.mux.HandleFunc("/api/queue/items/", s.corsMiddleware(s.handleRemoveItem))
	s.mux.HandleFunc("/api/queue/pause", s.corsMiddleware(s.handlePause))
	s.mux.HandleFunc("/api/queue/resume", s.corsMiddleware(s.handleResume))
	s.mux.HandleFunc("/api/queue/clear", s.corsMiddleware(s.handleClear))
	s.mux.HandleFunc("/api/queue/clear-stuck", s.corsMiddleware(s.handleClearStuck))
	s.mux.HandleFunc("/api/queue/stats", s.corsMiddleware(s.handleStats))
	s.mux.HandleFunc("/api/jobs/", s.corsMiddleware(s.handleJob))
	if s.hub != nil {
		s.mux.HandleFunc("/ws", s.hub.ServeWS)
	}
}

// corsMiddleware adds CORS headers using the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Handler returns the root handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.hub != nil {
		s.hub.Shutdown()
	}
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown failed")
	}
	s.logger.Infow("HTTP server stopped")
	return nil
}
