package middleware

import (
	"net/http"

	"github.com/jason-s-yu/classlobby/internal/auth"
	"github.com/jason-s-yu/classlobby/internal/models"
)

// Verifier turns a session token into an identity.
type Verifier interface {
	AuthenticateJWT(token string) (models.Identity, error)
}

// Identify attaches the caller's identity to the request context when the
// request carries a valid token. Requests without one pass through
// anonymously; handlers decide whether an identity is required.
func Identify(v Verifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.TokenFromRequest(r)
			if err == nil {
				if id, err := v.AuthenticateJWT(token); err == nil {
					r = r.WithContext(auth.WithIdentity(r.Context(), id))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
