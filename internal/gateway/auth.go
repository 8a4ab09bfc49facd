package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/threadclaw/internal/audit"
)

// publicPaths skip authentication so probes and scrapers need no token.
var publicPaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

// BearerAuth rejects requests without the configured token. An empty token
// disables the check. Every denial is written to the audit trail.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := publicPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			candidate := ExtractToken(r)
			if candidate == "" {
				audit.RecordContext(r.Context(), audit.DecisionDeny, "gateway.auth", "missing bearer token", "", r.Method+" "+r.URL.Path, r.RemoteAddr)
				respondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) != 1 {
				audit.RecordContext(r.Context(), audit.DecisionDeny, "gateway.auth", "invalid bearer token", "", r.Method+" "+r.URL.Path, r.RemoteAddr)
				respondError(w, http.StatusForbidden, "forbidden", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractToken reads "Authorization: Bearer <token>", falling back to the
// X-API-Key header.
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
