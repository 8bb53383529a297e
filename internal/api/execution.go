package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/optiforge/optiforge/internal/engine"
	"github.com/optiforge/optiforge/internal/model"
	"github.com/optiforge/optiforge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createExecutionRequest is the JSON body for POST /v1/executions.
type createExecutionRequest struct {
	Graph *model.WorkflowGraph `json:"graph"`
	// TimeoutS overrides the wall-clock limit, clamped server-side.
	TimeoutS *int `json:"timeout_s"`
	// Wait makes the call block until the execution reaches a terminal state
	// instead of returning as soon as it is admitted.
	Wait bool `json:"wait"`
}

// listExecutionsResponse wraps the paginated list response.
type listExecutionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Graph == nil || len(req.Graph.Nodes) == 0 {
		s.writeError(w, http.StatusBadRequest, "graph with at least one node is required")
		return
	}

	var timeout time.Duration
	if req.TimeoutS != nil && *req.TimeoutS > 0 {
		timeout = time.Duration(*req.TimeoutS) * time.Second
	}

	engReq := engine.Request{
		Graph:   req.Graph,
		Timeout: timeout,
		Auth:    authFromRequest(r),
	}

	if req.Wait {
		resp := s.engine.ExecuteWorkflow(r.Context(), engReq)
		s.writeJSON(w, statusFor(resp), resp)
		return
	}

	resp, _ := s.engine.Submit(r.Context(), engReq)
	if resp.ErrorType != "" {
		s.writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	e, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	executions, total, err := s.store.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	if executions == nil {
		executions = []*model.Execution{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: executions,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if errors.Is(err, engine.ErrNotCancelable) {
		s.writeError(w, http.StatusConflict, "execution already finished")
		return
	}
	if err != nil {
		s.logger.Error("cancel execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel execution")
		return
	}

	e, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.logger.Error("get canceled execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve execution")
		return
	}

	s.writeJSON(w, http.StatusOK, e)
}

// handleListExecutors reports the registered cluster executor names.
func (s *Server) handleListExecutors(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"executors": s.registry.Names()})
}

// authFromRequest derives the caller identity from the Authorization header.
// An absent or malformed header yields an anonymous context.
func authFromRequest(r *http.Request) model.AuthContext {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return model.AuthContext{}
	}
	return model.AuthContext{UserID: token}
}

// statusFor maps a terminal engine response onto an HTTP status. An abandoned
// wait is not a terminal outcome, so it reports the execution as still in
// flight rather than as rejected.
func statusFor(resp *engine.Response) int {
	switch {
	case resp.Success || resp.Queued:
		return http.StatusOK
	case resp.ErrorType == engine.ErrorTypeWaitAbandoned:
		return http.StatusAccepted
	default:
		return http.StatusUnprocessableEntity
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
