package auth

import (
	"encoding/json"
	"net/http"

	"github.com/ocppware/ocppws-go/internal/logger"
)

// Middleware creates HTTP middleware that validates the Authorization:
// Basic header against store for security profiles 1 and 2 (spec
// §4.10). It is a standalone net/http middleware: the CSMS upgrade
// pipeline does not install it, and performs its own Basic Auth check
// against the store in runAuth.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="ocpp"`)
				jsonError(w, "Basic authentication required", http.StatusUnauthorized)
				return
			}

			cred, err := store.Validate(identity, password)
			if err != nil {
				logger.Info("basic auth validation failed for %s: %v", maskIdentity(identity), err)
				jsonError(w, "Invalid credentials", http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{
				Method:     MethodBasic,
				Identity:   identity,
				Credential: cred,
			}
			logger.Info("authenticated station %s via basic auth", maskIdentity(identity))

			ctx := WithContext(r.Context(), authCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    "AuthenticationFailed",
			"message": message,
		},
	})
}

func maskIdentity(identity string) string {
	if len(identity) <= 4 {
		return "***"
	}
	return identity[:2] + "..." + identity[len(identity)-2:]
}
