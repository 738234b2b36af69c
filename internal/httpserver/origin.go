package httpserver

import (
	"net/http"
	"strings"

	"github.com/healthkiosk/telehealth-signaling/internal/origin"
)

// originMiddleware rejects disallowed browser origins and answers CORS
// preflights for the REST API. Requests without an Origin header pass
// through.
func (s *Server) originMiddleware() Middleware {
	policy := origin.Policy{AllowedOrigins: s.cfg.AllowedOrigins}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			normalizedOrigin, ok := policy.Check(r)
			if !ok {
				s.log.Warn("origin rejected", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			if normalizedOrigin == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
