// Package httpapi mounts the HTTP surface (§6.1) over a RunCoordinator: chi
// route dispatch, request parsing, SSE framing (§6.2), and the error-kind to
// status-code mapping of §7. Everything here is a thin collaborator around
// the coordinator — it holds no state of its own beyond what a request
// needs to resolve scope and call the coordinator.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"goa.design/clue/health"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/agentapi"
	"goa.design/agentrun/runtime/agent/coordinator"
	"goa.design/agentrun/runtime/agent/scope"
	"goa.design/agentrun/runtime/agent/telemetry"
	"goa.design/agentrun/runtime/agent/thread"
)

// Coordinator is the subset of *coordinator.Coordinator the HTTP layer
// calls, named as an interface so handlers can be tested against a fake.
type Coordinator interface {
	Run(ctx context.Context, req coordinator.RunRequest) (<-chan agent.Event, error)
	Connect(ctx context.Context, req coordinator.ConnectRequest) (<-chan agent.Event, error)
	Stop(ctx context.Context, threadID string) (bool, error)
	IsRunning(ctx context.Context, threadID string) (bool, error)
}

// Info describes the catalog the /info route reports (§6.1).
type Info struct {
	Version                       string   `json:"version"`
	Agents                        []string `json:"agents"`
	AudioFileTranscriptionEnabled bool     `json:"audioFileTranscriptionEnabled"`
}

// Server wires a Coordinator, a ThreadStore, an Agent Registry, and a Scope
// Resolver into chi routes matching §6.1.
type Server struct {
	router *chi.Mux

	coord    Coordinator
	store    thread.Store
	registry agentapi.Registry
	resolve  scope.Resolver
	info     Info
	logger   telemetry.Logger
	pingers  []health.Pinger
}

// Options configures a new Server.
type Options struct {
	Coordinator Coordinator
	Store       thread.Store
	Registry    agentapi.Registry
	Resolver    scope.Resolver
	Info        Info
	Logger      telemetry.Logger
	// Pingers are checked by /healthz (§12's supplementary health/readiness
	// surface); typically the Mongo client from
	// features/thread/mongo/clients/mongo, which implements health.Pinger
	// (features/bus/redis provides no Pinger).
	Pingers []health.Pinger
}

// New constructs a Server and mounts its routes. Panics if a required option
// is missing, since a misconfigured server should fail at startup, not on
// the first request.
func New(opts Options) *Server {
	if opts.Coordinator == nil || opts.Store == nil || opts.Registry == nil || opts.Resolver == nil {
		panic("httpapi: Coordinator, Store, Registry, and Resolver are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	s := &Server{
		coord:    opts.Coordinator,
		store:    opts.Store,
		registry: opts.Registry,
		resolve:  opts.Resolver,
		info:     opts.Info,
		logger:   logger,
		pingers:  opts.Pingers,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Route("/agent/{agentId}", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Post("/connect", s.handleConnect)
		r.Post("/stop", s.handleStop)
	})
	r.Get("/threads", s.handleListThreads)
	r.Get("/threads/{id}", s.handleGetThread)
	r.Delete("/threads/{id}", s.handleDeleteThread)
	r.Get("/info", s.handleInfo)
	r.Get("/healthz", s.handleHealthz)
	r.NotFound(notFoundHandler)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotFound, "Not found")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
