package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robaikg/gateway/pkg/admission"
	"github.com/robaikg/gateway/pkg/llm"
	"github.com/robaikg/gateway/pkg/observability"
	"github.com/robaikg/gateway/pkg/protocol"
	"github.com/robaikg/gateway/pkg/router"
	"github.com/robaikg/gateway/pkg/sse"
)

// maxRequestBody bounds the completion body; image parts can be large.
const maxRequestBody = 32 << 20

const apologyText = "\n\nI ran into a problem while finishing this response. Please try again."

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}

	var req protocol.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty", "invalid_request_error")
		return
	}

	ctx := r.Context()
	decision, err := s.router.Route(ctx, req.Messages)
	if err != nil {
		var malformed *router.ErrMalformedTag
		if errors.As(err, &malformed) {
			writeError(w, http.StatusBadRequest, malformed.Error(), "invalid_request_error")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	s.logger.Info("request routed",
		"mode", decision.Mode,
		"reason", decision.Reason,
		"stream", req.Stream,
	)

	req.Messages = decision.Messages

	if decision.Mode == router.ModePureLLM {
		s.handlePassthrough(w, r, body, req, decision)
		return
	}
	s.handleOrchestrated(w, r, req, decision)
}

func (s *Server) handleOrchestrated(w http.ResponseWriter, r *http.Request, req protocol.ChatRequest, decision *router.Decision) {
	ctx := r.Context()
	start := time.Now()
	id := protocol.NewCompletionID()
	model := s.llm.Model(req.Model)

	var sink sse.Sink
	var emitter *sse.Emitter
	var buffer *sse.Buffer
	if req.Stream {
		emitter = sse.NewEmitter(w, id, model)
		sink = emitter
	} else {
		buffer = sse.NewBuffer()
		sink = buffer
	}

	mode := decision.Mode

	// Autonomous-plus picks its sub-strategy up front so admission is
	// only taken when the request actually becomes research.
	if mode == router.ModeAutonomousPlus {
		if s.classifier != nil && s.classifier.ClassifyDispatch(ctx, lastUserText(req.Messages)) == "research" {
			mode = router.ModeStandardResearch
		}
	}

	if class, limited := admissionClass(mode); limited {
		ticket, err := s.acquireSlot(ctx, class, sink)
		if err != nil {
			// Client went away while queued; nothing was acquired.
			s.metrics.ObserveRequest(string(decision.Mode), "cancelled", time.Since(start))
			return
		}
		defer ticket.Release()
	}

	err := s.dispatch(ctx, mode, req, decision, meteredSink{Sink: sink, metrics: s.metrics})

	outcome := "ok"
	switch {
	case ctx.Err() != nil:
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
		s.writeFailure(w, emitter, err)
	default:
		if !req.Stream {
			s.writeBuffered(w, buffer, id, model)
		}
	}
	if emitter != nil {
		emitter.Close()
	}
	s.metrics.ObserveRequest(string(decision.Mode), outcome, time.Since(start))
}

// dispatch runs the selected orchestrator.
func (s *Server) dispatch(ctx context.Context, mode router.Mode, req protocol.ChatRequest, decision *router.Decision, sink sse.Sink) error {
	switch mode {
	case router.ModeStandardResearch:
		s.metrics.ResearchDepth.WithLabelValues("standard").Inc()
		return s.research.Run(ctx, req, false, sink)
	case router.ModeDeepResearch:
		s.metrics.ResearchDepth.WithLabelValues("deep").Inc()
		return s.research.Run(ctx, req, true, sink)
	case router.ModeAutonomous:
		return s.loop.Run(ctx, req, s.cfg.Budgets.ToolBudget, sink)
	case router.ModeAutonomousPlus:
		return s.loop.Run(ctx, req, s.cfg.Budgets.AutonomousToolBudget, sink)
	default:
		return errors.New("unroutable mode")
	}
}

// acquireSlot takes an admission slot, telling a queued client what it is
// waiting for.
func (s *Server) acquireSlot(ctx context.Context, class admission.Class, sink sse.Sink) (*admission.Ticket, error) {
	waited := false
	ticket, err := s.admission.Acquire(ctx, class, func() {
		if !waited {
			waited = true
			s.metrics.AdmissionWaits.WithLabelValues(string(class)).Inc()
		}
		sink.Status(fmt.Sprintf("Queue full; waiting for a slot (%d/%d used)",
			s.admission.InUse(class), s.admission.Capacity(class)), false, false)
	})
	if err != nil {
		return nil, err
	}
	if waited {
		sink.Status("Slot available; starting", false, false)
	}
	return ticket, nil
}

// meteredSink counts tool outcomes on their way to the client.
type meteredSink struct {
	sse.Sink
	metrics *observability.Metrics
}

func (m meteredSink) ToolResult(name, content string, isError bool) {
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	m.metrics.ToolCalls.WithLabelValues(name, outcome).Inc()
	m.Sink.ToolResult(name, content, isError)
}

func admissionClass(mode router.Mode) (admission.Class, bool) {
	switch mode {
	case router.ModeStandardResearch:
		return admission.ClassStandard, true
	case router.ModeDeepResearch:
		return admission.ClassDeep, true
	default:
		return "", false
	}
}

// writeFailure applies the error policy: before any stream bytes it is a
// proper HTTP error, afterwards a brief apology delta and a terminator.
func (s *Server) writeFailure(w http.ResponseWriter, emitter *sse.Emitter, err error) {
	s.logger.Error("request failed", "error", err)

	if emitter != nil && emitter.Started() {
		emitter.Delta(apologyText)
		emitter.Finish("stop")
		return
	}

	var be *llm.BackendError
	if errors.As(err, &be) {
		switch be.Kind {
		case llm.KindUnavailable:
			writeError(w, http.StatusBadGateway, "LM backend unavailable: "+be.Message, "api_error")
		default:
			status := be.StatusCode
			if status == 0 {
				status = http.StatusBadRequest
			}
			if len(be.Body) > 0 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				w.Write(be.Body)
				return
			}
			writeError(w, status, be.Message, "invalid_request_error")
		}
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error(), "api_error")
}

// writeBuffered assembles the non-streaming completion object.
func (s *Server) writeBuffered(w http.ResponseWriter, buffer *sse.Buffer, id, model string) {
	resp := protocol.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []protocol.Choice{{
			Message: protocol.Message{
				Role:    protocol.RoleAssistant,
				Content: protocol.TextContent(buffer.Content()),
			},
			FinishReason: buffer.FinishReason(),
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.NewErrorResponse(message, errType, ""))
}

func lastUserText(messages []protocol.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser {
			return messages[i].Content.AsText()
		}
	}
	return ""
}
