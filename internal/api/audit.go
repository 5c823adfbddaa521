package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/robotlink/internal/audit"
	"github.com/nerrad567/robotlink/internal/protocol"
)

const auditSource = "api"

// auditRequest records a request answered by the robot server.
func (s *Server) auditRequest(ctx context.Context, req protocol.ClientRequest, reply protocol.Reply) {
	if s.audit == nil {
		return
	}
	log := &audit.AuditLog{
		Action:    audit.ActionRequest,
		Operation: req.Operation,
		Outcome:   audit.OutcomeOK,
		Details:   map[string]any{},
	}
	if len(req.Parameters) > 0 {
		log.Details["parameters"] = req.Parameters
	}
	switch {
	case reply.Failed():
		log.Outcome = audit.OutcomeFailed
		log.Details["error"] = *reply.Error
	case reply.Handle != 0:
		log.Outcome = audit.OutcomeSubmitted
		log.Details["handle"] = uint64(reply.Handle)
	}
	s.writeAudit(ctx, log)
}

// auditToken records a minted access token. The token itself is not stored.
func (s *Server) auditToken(ctx context.Context, subject, role string, ttlMinutes int) {
	if s.audit == nil {
		return
	}
	s.writeAudit(ctx, &audit.AuditLog{
		Action:  audit.ActionToken,
		Outcome: audit.OutcomeOK,
		Details: map[string]any{
			"token_subject": subject,
			"role":          role,
			"ttl_minutes":   ttlMinutes,
		},
	})
}

func (s *Server) writeAudit(ctx context.Context, log *audit.AuditLog) {
	log.Robot = s.robot.Robot()
	log.Source = auditSource
	log.Subject = anonymousSubject
	if claims := claimsFromContext(ctx); claims != nil {
		log.Subject = claims.Subject
	}
	if id := requestIDFrom(ctx); id != "" {
		if log.Details == nil {
			log.Details = map[string]any{}
		}
		log.Details["request_id"] = id
	}
	// The entry outlives a client that disconnects after its reply.
	if err := s.audit.Create(context.WithoutCancel(ctx), log); err != nil {
		s.logger.Warn("audit write failed",
			"action", log.Action,
			"error", err,
		)
	}
}

// handleAuditList returns the audit trail, newest first.
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit trail is disabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:    q.Get("action"),
		Operation: q.Get("operation"),
		Subject:   q.Get("subject"),
		Outcome:   q.Get("outcome"),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, key+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
