package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rascd/internal/history"
	"rascd/internal/rasc"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server provides HTTP introspection endpoints for the RASC tracker
type Server struct {
	tracker *rasc.Tracker
	store   *history.Store
	logger  *zap.Logger
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(tracker *rasc.Tracker, store *history.Store, logger *zap.Logger, port int) *Server {
	s := &Server{
		tracker: tracker,
		store:   store,
		logger:  logger.Named("api"),
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/inflight", s.handleInFlight)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// InFlightResponse is the body of /api/inflight
type InFlightResponse struct {
	Count  int              `json:"count"`
	States []rasc.StateInfo `json:"states"`
}

// handleInFlight lists the commands still awaiting a response
func (s *Server) handleInFlight(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	states := s.tracker.InFlight()
	if entityID := r.URL.Query().Get("entity_id"); entityID != "" {
		info, ok := s.tracker.Lookup(entityID)
		if !ok {
			http.Error(w, fmt.Sprintf("%s is not tracked", entityID), http.StatusNotFound)
			return
		}
		states = []rasc.StateInfo{info}
	}

	s.writeJSON(w, InFlightResponse{Count: len(states), States: states})
	s.logger.Debug("In-flight request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("count", len(states)))
}

// handleHistory dumps the latency store, or one key of it
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.store.Snapshot(r.Context())
	if key := r.URL.Query().Get("key"); key != "" {
		rec, ok := snapshot[key]
		if !ok {
			http.Error(w, fmt.Sprintf("no history for %s", key), http.StatusNotFound)
			return
		}
		snapshot = map[string]history.Record{key: rec}
	}

	s.writeJSON(w, snapshot)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, map[string]string{"status": "ok"})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health check, returns {\"status\": \"ok\"}"},
	{Path: "/api/inflight", Method: "GET", Description: "Commands awaiting start/complete (?entity_id= for one)"},
	{Path: "/api/history", Method: "GET", Description: "Stored latency samples (?key=entity,service,transition for one)"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap lists the available endpoints, as HTML for browsers
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accept := r.Header.Get("Accept")
	preferHTML := strings.HasPrefix(accept, "text/html") || strings.HasPrefix(accept, "*/*")

	// 404 keeps automations from treating the root as a real resource
	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "<!DOCTYPE html>\n<html>\n<head><title>RASC API</title></head>\n<body>\n<h1>RASC API</h1>\n<ul>\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  <li><b>%s</b> <a href=\"%s\">%s</a> %s</li>\n", ep.Method, ep.Path, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</ul>\n</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "RASC API\n========\n\nAvailable endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-15s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
