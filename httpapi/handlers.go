package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/agentapi"
	"goa.design/agentrun/runtime/agent/coordinator"
	"goa.design/agentrun/runtime/agent/scope"
)

// runRequestBody is the JSON body of POST /agent/:agentId/run.
type runRequestBody struct {
	ThreadID string          `json:"threadId"`
	Input    runInputPayload `json:"input"`
}

type runInputPayload struct {
	Messages json.RawMessage `json:"messages"`
	State    any             `json:"state,omitempty"`
	Tools    []any           `json:"tools,omitempty"`
	Context  map[string]any  `json:"context,omitempty"`
}

type threadIDBody struct {
	ThreadID string `json:"threadId"`
}

// resolveOrReject runs the Scope Resolver callback and writes the
// appropriate error response per §6.3/§7 if the caller is unauthorized or
// the resolver itself failed. It returns ok=false if a response was already
// written and the caller must return immediately.
func (s *Server) resolveOrReject(w http.ResponseWriter, r *http.Request) (*scope.ResourceScope, bool) {
	hint := scope.ParseClientHint(r)
	sc, ok, err := s.resolve(r.Context(), r, hint)
	if err != nil {
		s.logger.Error(r.Context(), "httpapi: scope resolver failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return sc, true
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if _, ok := s.registry.Lookup(agentID); !ok {
		writeJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	var body runRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.ThreadID == "" {
		writeJSONError(w, http.StatusBadRequest, "threadId is required")
		return
	}
	if err := agentapi.ValidateMessagesJSON(body.Input.Messages); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	var messages []agent.Message
	if len(body.Input.Messages) > 0 {
		if err := json.Unmarshal(body.Input.Messages, &messages); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed messages")
			return
		}
	}

	sc, ok := s.resolveOrReject(w, r)
	if !ok {
		return
	}

	events, err := s.coord.Run(r.Context(), coordinator.RunRequest{
		ThreadID: body.ThreadID,
		AgentID:  agentID,
		Input: agent.RunInput{
			Messages: messages,
			State:    body.Input.State,
			Tools:    body.Input.Tools,
			Context:  body.Input.Context,
		},
		Scope: sc,
	})
	if err != nil {
		s.writeCoordinatorError(w, r, err)
		return
	}
	writeSSE(w, r, events, s.logger)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if _, ok := s.registry.Lookup(agentID); !ok {
		writeJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	var body threadIDBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.ThreadID == "" {
		writeJSONError(w, http.StatusBadRequest, "threadId is required")
		return
	}

	sc, ok := s.resolveOrReject(w, r)
	if !ok {
		return
	}

	events, err := s.coord.Connect(r.Context(), coordinator.ConnectRequest{ThreadID: body.ThreadID, Scope: sc})
	if err != nil {
		s.writeCoordinatorError(w, r, err)
		return
	}
	writeSSE(w, r, events, s.logger)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if _, ok := s.registry.Lookup(agentID); !ok {
		writeJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	var body threadIDBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.ThreadID == "" {
		writeJSONError(w, http.StatusBadRequest, "threadId is required")
		return
	}

	if _, ok := s.resolveOrReject(w, r); !ok {
		return
	}

	stopped, err := s.coord.Stop(r.Context(), body.ThreadID)
	if err != nil {
		s.writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.resolveOrReject(w, r)
	if !ok {
		return
	}
	limit := parseIntParam(r, "limit", 20)
	offset := parseIntParam(r, "offset", 0)

	page, err := s.store.ListThreads(r.Context(), sc, limit, offset)
	if err != nil {
		s.writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": page.Threads, "total": page.Total})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc, ok := s.resolveOrReject(w, r)
	if !ok {
		return
	}
	md, err := s.store.GetThreadMetadata(r.Context(), id, sc)
	if err != nil {
		s.writeCoordinatorError(w, r, err)
		return
	}
	if md == nil {
		writeJSONError(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "thread id is required")
		return
	}
	sc, ok := s.resolveOrReject(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteThread(r.Context(), id, sc); err != nil {
		s.writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.info)
}

// handleHealthz pings every backend Pinger supplied at construction (§12).
// With none configured (e.g. the in-memory store), it always reports ok.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]string, len(s.pingers))
	healthy := true
	for _, p := range s.pingers {
		if err := p.Ping(r.Context()); err != nil {
			status[p.Name()] = err.Error()
			healthy = false
			continue
		}
		status[p.Name()] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status})
}

// writeCoordinatorError maps a coordinator/thread error to its status code
// per §7. An error that doesn't match any sentinel in the taxonomy is
// treated as a StorageError (500), never leaked as a raw message.
func (s *Server) writeCoordinatorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnauthorized):
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, coordinator.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, coordinator.ErrThreadAlreadyRunning):
		writeJSONError(w, http.StatusConflict, "thread already running")
	case errors.Is(err, coordinator.ErrInvalidInput), errors.Is(err, coordinator.ErrInvalidScope):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(r.Context(), "httpapi: request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = raw
	}
	v, err := strconv.Atoi(decoded)
	if err != nil {
		return def
	}
	return v
}
