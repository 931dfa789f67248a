package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"reelcoral/handlers"
	"reelcoral/services/auth"
)

// AuthMiddleware rejects requests without a valid session token. When no
// accounts are configured the server runs open and the middleware passes
// everything through.
func AuthMiddleware(authSvc *auth.Service) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if !authSvc.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			if _, err := authSvc.Verify(handlers.TokenFromRequest(r)); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
