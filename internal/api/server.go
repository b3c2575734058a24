// Package api exposes a local health and status endpoint for operators and
// monitoring probes. It reports engine internals, never call data.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sweeney/asterisk-shipper/internal/metrics"
)

// StatusSource supplies the engine view rendered by /status.
type StatusSource interface {
	Status() Status
}

// Status is the engine snapshot served to operators.
type Status struct {
	Feed       string           `json:"feed"`
	Mode       string           `json:"shipping_mode"`
	Watermark  time.Time        `json:"watermark"`
	OpenGroups int              `json:"open_groups"`
	QueueDepth int              `json:"queue_depth"`
	StateSize  int              `json:"state_records"`
	Metrics    metrics.Snapshot `json:"metrics"`
}

type Server struct {
	router *chi.Mux
	addr   string
	logger *slog.Logger
	source StatusSource
}

func NewServer(addr string, source StatusSource, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		addr:   addr,
		logger: logger,
		source: source,
	}

	router.Get("/health", s.health)
	router.Get("/status", s.status)

	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errc:
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.source.Status())
}
