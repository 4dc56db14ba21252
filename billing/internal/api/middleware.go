package api

import (
	"net/http"
	"strings"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/auth"
)

// bearerToken returns the access token from the Authorization header or, failing that,
// the session cookie.
func (s *Server) bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	if s.cookieName != "" {
		if c, err := r.Cookie(s.cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := s.bearerToken(r)
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization")
			return
		}

		identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

// optionalAuthMiddleware attaches an identity when the request carries a valid token
// and passes the request on either way.
func (s *Server) optionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tokenStr := s.bearerToken(r); tokenStr != "" {
			if identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr); err == nil {
				r = r.WithContext(auth.WithIdentity(r.Context(), identity))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// originGuardMiddleware rejects state-changing browser requests from foreign sites. A
// request passes when its Origin is trusted or the browser marks it same-origin or
// same-site through Sec-Fetch-Site.
func (s *Server) originGuardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.trusted[origin] {
			next.ServeHTTP(w, r)
			return
		}
		switch r.Header.Get("Sec-Fetch-Site") {
		case "same-origin", "same-site":
			next.ServeHTTP(w, r)
			return
		}
		s.logger.Warn("origin rejected", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
		writeError(w, http.StatusForbidden, "invalid origin")
	})
}

// exchangeCORSMiddleware serves the cross-origin handoff exchange. Only trusted origins
// are echoed back; a request from any other origin is refused before it reaches the
// handler. Requests without an Origin header are not cross-origin and pass through.
func (s *Server) exchangeCORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Add("Vary", "Origin")

		allowed := origin != "" && s.trusted[origin]
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if origin != "" && !allowed {
			writeError(w, http.StatusForbidden, "invalid origin")
			return
		}
		next.ServeHTTP(w, r)
	})
}
