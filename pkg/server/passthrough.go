package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/robaikg/gateway/pkg/protocol"
	"github.com/robaikg/gateway/pkg/router"
)

// handlePassthrough forwards a pure-LLM request to the backend. The body
// goes out verbatim unless a tag was stripped or an internal model is
// pinned, in which case it is re-marshaled once.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request, rawBody []byte, req protocol.ChatRequest, decision *router.Decision) {
	ctx := r.Context()
	start := time.Now()

	body := rawBody
	pinned := s.llm.Model(req.Model) != req.Model
	if decision.TagStripped || pinned {
		req.Model = s.llm.Model(req.Model)
		remarshaled, err := json.Marshal(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to encode request: "+err.Error(), "invalid_request_error")
			return
		}
		body = remarshaled
	}

	outcome := "ok"
	if req.Stream {
		outcome = s.streamPassthrough(ctx, w, body)
	} else {
		outcome = s.forwardPassthrough(ctx, w, body)
	}
	s.metrics.ObserveRequest(string(router.ModePureLLM), outcome, time.Since(start))
}

// streamPassthrough copies the backend's event stream to the client byte
// for byte, flushing as data arrives. Client disconnect cancels the
// backend request through the shared context.
func (s *Server) streamPassthrough(ctx context.Context, w http.ResponseWriter, body []byte) string {
	resp, err := s.llm.OpenRawStream(ctx, body)
	if err != nil {
		if ctx.Err() != nil {
			return "cancelled"
		}
		s.writeFailure(w, nil, err)
		return "error"
	}
	defer resp.Body.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return "cancelled"
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}
	if ctx.Err() != nil {
		return "cancelled"
	}
	return "ok"
}

// forwardPassthrough runs the non-streaming completion and relays the
// backend's bytes and status untouched.
func (s *Server) forwardPassthrough(ctx context.Context, w http.ResponseWriter, body []byte) string {
	respBody, status, err := s.llm.ForwardCompletion(ctx, body)
	if err != nil {
		if ctx.Err() != nil {
			return "cancelled"
		}
		s.writeFailure(w, nil, err)
		return "error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(respBody)
	if status >= 400 {
		return "error"
	}
	return "ok"
}

// handleModels serves the cached backend model list.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.models.Get())
}
