// Package server is the keep-alive HTTP surface: liveness for uptime
// pingers, a JSON health report, Prometheus metrics and any channel webhooks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"frontdesk/internal/bus"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	shutdownTimeout = 5 * time.Second
	healthWindow    = time.Hour
)

// Activity is the recent event history summarized by /healthz.
// *bus.EventBus satisfies it.
type Activity interface {
	Last(eventType string) (bus.Event, bool)
	Replay(eventType string, since time.Time) []bus.Event
}

type Server struct {
	addr       string
	name       string
	ledgerSize func() int
	activity   Activity
	started    time.Time
	router     chi.Router
	logger     *slog.Logger
}

type Config struct {
	Addr        string
	Name        string // shown on the liveness page
	MetricsPath string
	Metrics     http.Handler            // optional
	Webhooks    map[string]http.Handler // mount path -> handler
	LedgerSize  func() int              // optional
	Activity    Activity                // optional
	Logger      *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.LedgerSize == nil {
		cfg.LedgerSize = func() int { return 0 }
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	srv := &Server{
		addr:       cfg.Addr,
		name:       cfg.Name,
		ledgerSize: cfg.LedgerSize,
		activity:   cfg.Activity,
		started:    time.Now(),
		logger:     cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/", srv.handleRoot)
	r.Head("/", srv.handleRoot)
	r.Get("/healthz", srv.handleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, cfg.MetricsPath, cfg.Metrics)
	}
	for path, h := range cfg.Webhooks {
		r.Mount(path, h)
	}

	srv.router = r
	return srv
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("keep-alive server starting", "addr", s.addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("keep-alive server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("keep-alive server: %w", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	name := s.name
	if name == "" {
		name = "Front desk"
	}
	fmt.Fprintf(w, "%s is running\n", name)
}

// handleHealth reports "degraded" while a staff notification has failed
// within the last hour.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"service":        "frontdesk",
		"onboarded":      s.ledgerSize(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if s.activity != nil {
		since := time.Now().Add(-healthWindow)
		body["failed_actions_last_hour"] = len(s.activity.Replay(bus.EventActionFailed, since))
		if e, ok := s.activity.Last(bus.EventEscalationFailed); ok {
			failure := map[string]any{
				"at":        e.Timestamp.UTC().Format(time.RFC3339),
				"recipient": e.Label("recipient"),
			}
			if e.Err != nil {
				failure["error"] = e.Err.Error()
			}
			body["last_staff_failure"] = failure
			if e.Timestamp.After(since) {
				body["status"] = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
