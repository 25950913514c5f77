// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"profile-notifier/poll"
)

// Scheduler is the poll engine as seen by the HTTP surface.
type Scheduler interface {
	State() poll.State
	Status() poll.Status
	RunCycle(ctx context.Context, l poll.Loop) error
}

// Tracker manages subscriptions.
type Tracker interface {
	Add(ctx context.Context, identity, target, creator string) (string, error)
	Remove(ctx context.Context, identity, target string) (string, error)
}

// Server handles HTTP requests.
type Server struct {
	scheduler Scheduler
	tracker   Tracker
	logger    *slog.Logger
	limiter   *rateLimiter
	mux       *http.ServeMux
}

// Config holds server configuration.
type Config struct {
	Scheduler Scheduler
	Tracker   Tracker
	Logger    *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		scheduler: cfg.Scheduler,
		tracker:   cfg.Tracker,
		logger:    cfg.Logger,
		limiter:   newRateLimiter(5, time.Hour),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/pollz", s.handlePoll)
	s.mux.HandleFunc("/track", s.handleTrack)
	s.mux.HandleFunc("/untrack", s.handleUntrack)
	return s
}

// ServeHTTP routes a request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HTTPServer wraps s with timeouts to prevent resource exhaustion.
func (s *Server) HTTPServer(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           s,
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      10 * time.Minute,  // pollz runs whole cycles synchronously
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.scheduler.State()
	if state != poll.Running {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "scheduler": state.String()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "scheduler": state.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	loops := poll.Loops
	if name := r.URL.Query().Get("loop"); name != "" && name != "all" {
		l, err := poll.ParseLoop(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		loops = []poll.Loop{l}
	}

	s.logger.Info("Poll endpoint triggered", "loops", loops)

	for _, l := range loops {
		err := s.scheduler.RunCycle(r.Context(), l)
		if errors.Is(err, poll.ErrCycleInProgress) {
			http.Error(w, fmt.Sprintf("%s cycle already in progress", l), http.StatusConflict)
			return
		}
		if err != nil {
			s.logger.Error("Poll check failed", "loop", l, "error", err)
			http.Error(w, "Check failed", http.StatusInternalServerError)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}
