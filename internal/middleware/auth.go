package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apierrors "github.com/woprhq/provisioner/internal/pkg/errors"
	"github.com/woprhq/provisioner/internal/pkg/response"
)

// BearerAuth returns a middleware that requires a static bearer token.
// It guards the operator endpoints (manual provisioning, job listing);
// the public endpoints (webhook, status, SSE) are not behind it.
//
// An empty token disables the check, which is the expected setup in
// local development.
func BearerAuth(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			got := strings.TrimPrefix(authHeader, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
