package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/robotlink/internal/device"
	"github.com/nerrad567/robotlink/internal/history"
	"github.com/nerrad567/robotlink/internal/protocol"
	"github.com/nerrad567/robotlink/internal/server"
)

// historyResponse is the body of GET /attributes/{name}/history.
type historyResponse struct {
	Robot     string          `json:"robot"`
	Attribute string          `json:"attribute"`
	Limit     int             `json:"limit"`
	Entries   []history.Entry `json:"entries"`
}

// handleRequest runs one client request through the request loop and
// writes its reply. Operation failures are replies, not HTTP errors.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req protocol.ClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Operation = strings.TrimSpace(req.Operation)
	if req.Operation == "" {
		writeError(w, http.StatusBadRequest, "operation is required")
		return
	}

	reply, err := s.robot.Submit(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, server.ErrLoopStopped):
		writeError(w, http.StatusServiceUnavailable, "robot server is stopping")
		return
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "request did not complete")
		return
	default:
		s.logger.Error("request submission failed",
			"operation", req.Operation,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "request failed")
		return
	}

	s.auditRequest(r.Context(), req, reply)
	writeJSON(w, http.StatusOK, reply)
}

// handleAttributeHistory returns recent recorded values of one attribute,
// newest first.
func (s *Server) handleAttributeHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "attribute history is disabled")
		return
	}

	name := chi.URLParam(r, "name")
	if !device.IsAttribute(name) {
		writeError(w, http.StatusNotFound, "unknown attribute: "+name)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	limit = history.ClampLimit(limit, s.histCfg.DefaultLimit, s.histCfg.MaxLimit)

	robot := s.robot.Robot()
	entries, err := s.history.History(r.Context(), robot, name, limit)
	if err != nil {
		s.logger.Error("history query failed",
			"attribute", name,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, historyResponse{
		Robot:     robot,
		Attribute: name,
		Limit:     limit,
		Entries:   entries,
	})
}
