// Package sse writes the gateway's server-sent event stream: OpenAI
// completion chunks interleaved with status, tool-call, and tool-result
// envelopes. A buffering sink covers non-streaming requests with the same
// interface.
package sse

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/robaikg/gateway/pkg/protocol"
)

// Sink receives orchestrator output. Implementations must tolerate calls
// from multiple goroutines.
type Sink interface {
	// Status reports progress out of band.
	Status(description string, done, hidden bool)
	// Delta appends assistant content.
	Delta(text string)
	// ToolCall announces a tool invocation.
	ToolCall(name string, args map[string]any)
	// ToolResult reports a tool outcome.
	ToolResult(name, content string, isError bool)
	// Finish terminates the completion with a finish reason.
	Finish(reason string)
	// Started reports whether anything has been written yet. It decides
	// whether an error can still become an HTTP response.
	Started() bool
}

// Emitter streams events to an HTTP response. All writes are serialized
// and flushed immediately.
type Emitter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	model   string
	started bool
	closed  bool
}

// NewEmitter prepares the response for streaming. Headers are written on
// the first event, not here, so early failures can still change status.
func NewEmitter(w http.ResponseWriter, id, model string) *Emitter {
	flusher, _ := w.(http.Flusher)
	return &Emitter{w: w, flusher: flusher, id: id, model: model}
}

func (e *Emitter) Status(description string, done, hidden bool) {
	e.writeJSON(protocol.NewStatus(description, done, hidden))
}

func (e *Emitter) Delta(text string) {
	if text == "" {
		return
	}
	e.writeJSON(protocol.NewChunk(e.id, e.model, text))
}

func (e *Emitter) ToolCall(name string, args map[string]any) {
	e.writeJSON(protocol.ToolCallEvent{Type: "tool_call", Data: protocol.ToolCallData{Name: name, Arguments: args}})
}

func (e *Emitter) ToolResult(name, content string, isError bool) {
	e.writeJSON(protocol.ToolResultEvent{Type: "tool_result", Data: protocol.ToolResultData{Name: name, Content: content, IsError: isError}})
}

func (e *Emitter) Finish(reason string) {
	e.writeJSON(protocol.NewFinishChunk(e.id, e.model, reason))
}

func (e *Emitter) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Close sends the [DONE] sentinel. Safe to call more than once, and a
// no-op before the first event: an unstarted emitter means the response
// became a plain HTTP error instead of a stream.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.started {
		return
	}
	e.closed = true
	e.write([]byte("data: [DONE]\n\n"))
}

// Raw forwards one already-framed SSE line (terminated with the blank
// line) untouched. Used by the passthrough path.
func (e *Emitter) Raw(line []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.begin()
	e.write(line)
}

func (e *Emitter) writeJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.begin()
	e.write([]byte("data: "))
	e.write(payload)
	e.write([]byte("\n\n"))
}

// begin writes the SSE headers exactly once. Callers hold the lock.
func (e *Emitter) begin() {
	if e.started {
		return
	}
	e.started = true
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
}

func (e *Emitter) write(b []byte) {
	if _, err := e.w.Write(b); err != nil {
		return
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// Buffer collects assistant content for a non-streaming response. Status
// and tool events are dropped; they only make sense on a live stream.
type Buffer struct {
	mu      sync.Mutex
	content strings.Builder
	reason  string
	started bool
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Status(string, bool, bool) {}

func (b *Buffer) Delta(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	b.content.WriteString(text)
}

func (b *Buffer) ToolCall(string, map[string]any) {}

func (b *Buffer) ToolResult(string, string, bool) {}

func (b *Buffer) Finish(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reason = reason
}

// Started always reports false: until the buffered response is written,
// an error can still become a proper HTTP error.
func (b *Buffer) Started() bool { return false }

// Content returns everything accumulated so far.
func (b *Buffer) Content() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content.String()
}

// FinishReason returns the recorded finish reason, defaulting to "stop".
func (b *Buffer) FinishReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reason == "" {
		return "stop"
	}
	return b.reason
}
