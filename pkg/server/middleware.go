package server

import (
	"net/http"
	"time"

	"github.com/robaikg/gateway/pkg/usercontext"
)

// captureUserContext lifts the UI-attached user headers into the request
// context so downstream clients can forward them.
func captureUserContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if headers := usercontext.FromRequest(r); headers != nil {
			r = r.WithContext(usercontext.WithHeaders(r.Context(), headers))
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request. The response writer is not
// wrapped: streaming needs the original writer's Flusher, so status codes
// are left to the per-mode metrics instead.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"elapsed", time.Since(start),
		)
	})
}
