package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/robotlink/internal/auth"
)

const ctxKeyClaims contextKey = "claims"

// anonymousSubject is the caller identity when authentication is disabled.
const anonymousSubject = "anonymous"

// tokenRequest is the request body for POST /auth/token.
type tokenRequest struct {
	Subject    string `json:"subject"`
	Role       string `json:"role"`
	TTLMinutes int    `json:"ttl_minutes"`
}

// tokenResponse is the response body for POST /auth/token.
type tokenResponse struct {
	AccessToken string            `json:"access_token"`
	TokenType   string            `json:"token_type"`
	ExpiresIn   int               `json:"expires_in"`
	Permissions []auth.Permission `json:"permissions"`
}

// authEnabled reports whether a JWT secret is configured.
func (s *Server) authEnabled() bool {
	return s.secCfg.JWT.Secret != ""
}

// authMiddleware validates the bearer token and stores its claims in the
// request context. With no secret configured every request is admin.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := s.authenticate(w, r, bearerToken(r))
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// authenticate parses token, writing a 401 on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, token string) (*auth.Claims, bool) {
	if !s.authEnabled() {
		c := &auth.Claims{Role: auth.RoleAdmin}
		c.Subject = anonymousSubject
		return c, true
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}
	claims, err := auth.ParseToken(token, s.secCfg.JWT.Secret)
	if err != nil {
		s.logger.Debug("rejected token",
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil, false
	}
	return claims, true
}

// requirePermission rejects callers whose role lacks perm.
func (s *Server) requirePermission(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromContext(r.Context())
			if claims == nil || !claims.Can(perm) {
				writeError(w, http.StatusForbidden, "permission "+string(perm)+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleIssueToken mints an access token for another caller. Admin only.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if !s.authEnabled() {
		writeError(w, http.StatusConflict, "authentication is disabled")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, "subject is required")
		return
	}
	role := auth.Role(req.Role)
	if !auth.IsValidRole(role) {
		writeError(w, http.StatusBadRequest, "unknown role: "+req.Role)
		return
	}

	ttl := req.TTLMinutes
	if ttl <= 0 {
		ttl = s.secCfg.JWT.AccessTokenTTL
	}
	if ttl <= 0 {
		ttl = int(auth.DefaultTokenTTL / time.Minute)
	}

	signed, err := auth.GenerateAccessToken(req.Subject, role, s.secCfg.JWT.Secret, time.Duration(ttl)*time.Minute)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.logger.Info("access token issued",
		"subject", req.Subject,
		"role", string(role),
		"issued_by", claimsFromContext(r.Context()).Subject,
	)
	s.auditToken(r.Context(), req.Subject, string(role), ttl)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   ttl * 60,
		Permissions: auth.PermissionsForRole(role),
	})
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func withClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, c)
}

// claimsFromContext returns the caller's claims, or nil outside authMiddleware.
func claimsFromContext(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(ctxKeyClaims).(*auth.Claims) //nolint:errcheck // nil on miss
	return c
}
