// Package status serves the worker's liveness and health document.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CZERTAINLY/Boxworker/internal/model"
)

// Counters are the task counters of the poller
type Counters interface {
	Counters() model.TaskCounters
}

// HealthChecker derives the current health
type HealthChecker interface {
	Check(ctx context.Context) model.Health
}

type Document struct {
	StartedAt   time.Time          `json:"started_at"`
	WorkerID    string             `json:"worker_id"`
	Healthcheck model.HealthStatus `json:"healthcheck"`
	Status      model.TaskCounters `json:"status"`
	Engine      EngineDocument     `json:"engine"`
	Scanner     model.SelfTest     `json:"scanner"`
	Build       model.Build        `json:"build"`
}

type EngineDocument struct {
	// LastSuccessfulConnection is in unix milliseconds, nil when
	// the engine was never reached
	LastSuccessfulConnection *int64 `json:"last_successful_connection"`
}

type Server struct {
	addr      string
	workerID  string
	build     model.Build
	startedAt time.Time
	counters  Counters
	health    HealthChecker
	gatherer  prometheus.Gatherer
}

func NewServer(cfg model.Status, workerID string, build model.Build, counters Counters, health HealthChecker) *Server {
	return &Server{
		addr:      cfg.Addr.String(),
		workerID:  workerID,
		build:     build,
		startedAt: time.Now().UTC(),
		counters:  counters,
		health:    health,
	}
}

// WithGatherer exposes metrics of a given registry on /metrics
func (s *Server) WithGatherer(g prometheus.Gatherer) *Server {
	s.gatherer = g
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.root)
	r.Get("/status", s.status)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Document builds the status document
func (s *Server) Document(ctx context.Context) Document {
	h := s.health.Check(ctx)
	doc := Document{
		StartedAt:   s.startedAt,
		WorkerID:    s.workerID,
		Healthcheck: h.Status,
		Status:      s.counters.Counters(),
		Scanner:     h.Scanner,
		Build:       s.build,
	}
	if h.Engine.LastSuccessfulConnection != nil {
		ms := h.Engine.LastSuccessfulConnection.UnixMilli()
		doc.Engine.LastSuccessfulConnection = &ms
	}
	return doc
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.workerID))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	doc := s.Document(r.Context())
	code := http.StatusOK
	if doc.Healthcheck != model.HealthUp {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		slog.ErrorContext(r.Context(), "writing status document", "error", err)
	}
}

// ListenAndServe serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "status server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down status server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
