// Package health serves the gateway's HTTP health endpoint: a single
// unauthenticated GET /healthz returning the orchestrator's current
// snapshot as JSON.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vineguard/edge-gateway/internal/logger"
)

// Server is a minimal HTTP server bound to the configured health port.
type Server struct {
	lg       logger.Logger
	addr     string
	provider func() any
	mux      *http.ServeMux
	svr      *http.Server
}

// New returns a health server listening on host:port. provider is called
// fresh on every request.
func New(host string, port int, provider func() any, lg logger.Logger) *Server {
	if lg == nil {
		lg = logger.Null
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	mux := http.NewServeMux()

	s := &Server{lg: lg, addr: addr, provider: provider, mux: mux, svr: &http.Server{Addr: addr, Handler: mux}}
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/healthz" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider()); err != nil {
		s.lg.Errorf("health: failed to encode status: %s", err)
	}
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.addr }

// Start begins serving in the background. A bind failure is fatal and
// logged; it does not return an error because the listener itself opens
// inside the spawned goroutine, matching the teacher's non-blocking
// ListenAndServe idiom.
func (s *Server) Start() {
	s.lg.Infof("starting health server on %s", s.addr)
	go func() {
		if err := s.svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.lg.Fatalf("health server listen and serve: %s", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.lg.Infof("stopping health server %s", s.addr)
	if err := s.svr.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("health: shutdown: %w", err)
	}
	return nil
}
