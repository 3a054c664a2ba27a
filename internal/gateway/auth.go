package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/optad/internal/audit"
	"github.com/basket/optad/internal/policy"
	"github.com/basket/optad/internal/shared"
)

// ExtractToken returns the bearer token of r, or "" when absent.
func ExtractToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	token := ExtractToken(r)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// require gates a route on the bearer token and on capability. Failures are
// answered before any handler (or WebSocket upgrade) runs and are audited.
func (s *Server) require(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !s.authorize(r) {
				audit.RecordContext(ctx, "deny", capability, "missing or invalid bearer token", s.policyVersion(), r.Method+" "+r.URL.Path)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if s.cfg.Policy == nil || !s.cfg.Policy.AllowCapability(capability) {
				audit.RecordContext(ctx, "deny", capability, "capability not granted by policy", s.policyVersion(), r.Method+" "+r.URL.Path)
				writeError(w, http.StatusForbidden, "capability "+capability+" denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// traceRequests tags every request context with a trace id, reusing an
// inbound X-Trace-Id when present.
func traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get("X-Trace-Id"))
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), traceID)))
	})
}

func (s *Server) policyVersion() string {
	if s.cfg.Policy == nil {
		return ""
	}
	return s.cfg.Policy.PolicyVersion()
}

// requiredCapability maps a route to the capability it needs.
func requiredCapability(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return policy.CapSessionRead
	default:
		return policy.CapSessionMutate
	}
}
