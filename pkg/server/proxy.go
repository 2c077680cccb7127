package server

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/robaikg/gateway/pkg/usercontext"
)

// backendProxy builds the reverse proxy that exposes the knowledge-graph
// REST bridge through the gateway's port: /openapi.json and every
// unmatched path go straight through, user-context headers included.
func (s *Server) backendProxy() http.Handler {
	target, err := url.Parse(s.cfg.Retrieval.BaseURL)
	if err != nil {
		s.logger.Warn("invalid retrieval base url, proxy disabled", "error", err)
		return nil
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		if s.cfg.Retrieval.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.Retrieval.BearerToken)
		}
		usercontext.Apply(req.Context(), req)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Warn("proxy request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "upstream unavailable", "api_error")
	}
	return proxy
}
