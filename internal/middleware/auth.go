package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"duck-adhoc/internal/domain"
)

// HeaderUserID identifies the caller when no JWT validator is configured.
const HeaderUserID = "X-User-ID"

// Principal sources.
const (
	SourceJWT    = "jwt"
	SourceHeader = "header"
)

// Authenticate resolves the caller and stores it with domain.WithPrincipal.
// With a validator only Bearer tokens are accepted; without one the
// X-User-ID header is trusted. Unidentified requests get 401.
func Authenticate(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p domain.ContextPrincipal
			if validator != nil {
				auth := r.Header.Get("Authorization")
				if !strings.HasPrefix(auth, "Bearer ") {
					writeUnauthorized(w, "unauthorized: provide a valid JWT Bearer token")
					return
				}
				sub, err := validator.Subject(strings.TrimPrefix(auth, "Bearer "))
				if err != nil {
					writeUnauthorized(w, "unauthorized: provide a valid JWT Bearer token")
					return
				}
				p = domain.ContextPrincipal{UserID: sub, Source: SourceJWT}
			} else {
				p = domain.ContextPrincipal{UserID: strings.TrimSpace(r.Header.Get(HeaderUserID)), Source: SourceHeader}
				if p.UserID == "" {
					writeUnauthorized(w, "unauthorized: X-User-ID header is required")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(domain.WithPrincipal(r.Context(), p)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    401,
		"message": msg,
	})
}
