package auth

import (
	"net/http"
	"strings"

	"github.com/polarmesh/veriduct/internal/apierror"
)

// RequireToken rejects requests without a valid bearer token. When the
// manager has no secret configured the middleware passes everything
// through, which is only acceptable for local development.
func RequireToken(m *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				apierror.Respond(w, apierror.KindUnauthorized, "missing bearer token", nil)
				return
			}

			if _, err := m.VerifyToken(token); err != nil {
				apierror.Respond(w, apierror.KindUnauthorized, "invalid token", err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
