// Package web serves the read-only HTTP API: stored objects, agent
// graphs, alerts with their lifecycle transitions, the rule table, the
// downstream bundle export and an SSE stream of server events.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RicAlvesO/ICARUS/internal/agents"
	"github.com/RicAlvesO/ICARUS/internal/alert"
	"github.com/RicAlvesO/ICARUS/internal/cti"
	"github.com/RicAlvesO/ICARUS/internal/events"
	"github.com/RicAlvesO/ICARUS/internal/logging"
	"github.com/RicAlvesO/ICARUS/internal/rules"
	"github.com/RicAlvesO/ICARUS/internal/store"
)

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Objects  ObjectStore
	Agents   AgentDirectory
	Alerts   AlertManager
	Rules    RuleReader
	EventBus *events.Bus
	Log      *logging.Logger
}

// ObjectStore reads, queries and deletes stored CTI objects.
type ObjectStore interface {
	Read(id string) (cti.Object, bool)
	Query(filters []store.Filter) []cti.Object
	Delete(id string) bool
	ExportGraph(rootID string, depth int) *store.GraphExport
	ExportBundle() *store.BundleExport
}

// AgentDirectory reads the agent registry.
type AgentDirectory interface {
	All() []agents.Record
	Get(objectID string) (agents.Record, bool)
}

// AlertManager reads alerts and drives their lifecycle.
type AlertManager interface {
	Alerts(status alert.Status) []alert.Alert
	Get(id string) (alert.Alert, bool)
	Resolve(id string) error
	Dismiss(id string) error
}

// RuleReader reads the collection rule table.
type RuleReader interface {
	Rules() []rules.Rule
	ExportEnabled() map[string]string
}

// Server is the read API HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/observables", s.apiObservables)
	s.mux.HandleFunc("GET /api/observables/{id}", s.apiObservable)
	s.mux.HandleFunc("DELETE /api/observables/{id}", s.apiDeleteObservable)
	s.mux.HandleFunc("GET /api/relationships", s.apiRelationships)
	s.mux.HandleFunc("GET /api/relationships/{id}", s.apiRelationship)
	s.mux.HandleFunc("GET /api/traffic", s.apiTraffic)
	s.mux.HandleFunc("GET /api/traffic/{id}", s.apiTrafficDetail)
	s.mux.HandleFunc("GET /api/agents", s.apiAgents)
	s.mux.HandleFunc("GET /api/agents/{id}/graph", s.apiAgentGraph)
	s.mux.HandleFunc("GET /api/alerts", s.apiAlerts)
	s.mux.HandleFunc("GET /api/alerts/{id}", s.apiAlert)
	s.mux.HandleFunc("POST /api/alerts/{id}/resolve", s.apiResolveAlert)
	s.mux.HandleFunc("POST /api/alerts/{id}/dismiss", s.apiDismissAlert)
	s.mux.HandleFunc("GET /api/rules", s.apiRules)
	s.mux.HandleFunc("GET /api/rules/enabled", s.apiRulesEnabled)
	s.mux.HandleFunc("GET /api/bundle", s.apiBundle)
	s.mux.HandleFunc("GET /api/events", s.apiSSE)
	s.mux.HandleFunc("GET /healthz", s.apiHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("read api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
