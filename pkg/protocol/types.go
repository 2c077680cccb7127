// Package protocol defines the OpenAI-compatible chat-completions wire
// types the gateway speaks on both sides, plus the status-event envelope
// the chat UI understands.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatRequest is the body of POST /v1/chat/completions.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Stream      bool              `json:"stream,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Tools       []Tool            `json:"tools,omitempty"`
	ToolChoice  string            `json:"tool_choice,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Message is one chat turn. Content is either plain text or a list of
// multimodal parts; MessageContent preserves whichever form arrived.
type Message struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// MessageContent holds string-or-parts content. Text is set when the
// original JSON was a bare string; Parts when it was an array.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// ContentPart is one element of a multimodal content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*c = MessageContent{}
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	if data[0] == '[' {
		return json.Unmarshal(data, &c.Parts)
	}
	return fmt.Errorf("message content must be a string or an array of parts")
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// AsText flattens the content to plain text. Multimodal parts contribute
// only their text segments.
func (c MessageContent) AsText() string {
	if c.Parts == nil {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// HasNonTextParts reports whether the content carries any multimodal part.
func (c MessageContent) HasNonTextParts() bool {
	for _, p := range c.Parts {
		if p.Type != "text" {
			return true
		}
	}
	return false
}

// TextContent builds plain-string content.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

// Tool is a function tool definition in the backend's native format.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a structured function call produced by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatResponse is a non-streaming completion object.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one streamed chat.completion.chunk event.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// NewChunk builds a content-delta chunk for the given completion.
func NewChunk(id, model, content string) Chunk {
	return Chunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: Delta{Content: content}}},
	}
}

// NewFinishChunk builds the terminating chunk carrying a finish reason.
func NewFinishChunk(id, model, reason string) Chunk {
	r := reason
	return Chunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: Delta{}, FinishReason: &r}},
	}
}

// NewCompletionID returns a fresh chatcmpl identifier.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// StatusEvent is the gateway's out-of-band progress envelope. The chat UI
// intercepts these; other clients ignore unknown event types.
type StatusEvent struct {
	Type string     `json:"type"`
	Data StatusData `json:"data"`
}

type StatusData struct {
	Description string `json:"description"`
	Done        bool   `json:"done"`
	Hidden      bool   `json:"hidden"`
}

// NewStatus builds a status event.
func NewStatus(description string, done, hidden bool) StatusEvent {
	return StatusEvent{
		Type: "status",
		Data: StatusData{Description: description, Done: done, Hidden: hidden},
	}
}

// ToolCallEvent announces a tool invocation on the stream.
type ToolCallEvent struct {
	Type string       `json:"type"`
	Data ToolCallData `json:"data"`
}

type ToolCallData struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResultEvent reports a tool outcome on the stream.
type ToolResultEvent struct {
	Type string         `json:"type"`
	Data ToolResultData `json:"data"`
}

type ToolResultData struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ErrorResponse is the OpenAI-shaped error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewErrorResponse builds an OpenAI-shaped error body.
func NewErrorResponse(message, errType, code string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType, Code: code}}
}
