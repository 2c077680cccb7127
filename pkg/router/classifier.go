package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robaikg/gateway/pkg/llm"
	"github.com/robaikg/gateway/pkg/protocol"
)

// ChatBackend is the slice of the LM client the classifiers need.
type ChatBackend interface {
	Chat(ctx context.Context, req protocol.ChatRequest) (*llm.ChatResult, error)
	Model(requestModel string) string
}

// Classifier asks the LM to label a request. It is strictly advisory:
// every failure is reported as an error and the caller falls back to the
// default route.
type Classifier struct {
	backend ChatBackend
}

func NewClassifier(backend ChatBackend) *Classifier {
	return &Classifier{backend: backend}
}

const intentPrompt = `Classify the user request into exactly one intent:
- "general": conversation, coding help, or anything answerable from model knowledge
- "research": needs current or external information gathered before answering
- "deep_research": needs broad multi-source investigation
- "action": asks to perform an operation with tools (store, fetch, modify)

Respond with only a JSON object: {"intent": "<label>", "confidence": <0.0-1.0>}`

type intentVerdict struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// ClassifyIntent labels a single user message.
func (c *Classifier) ClassifyIntent(ctx context.Context, text string) (string, float64, error) {
	result, err := c.backend.Chat(ctx, protocol.ChatRequest{
		Model: c.backend.Model(""),
		Messages: []protocol.Message{
			{Role: protocol.RoleSystem, Content: protocol.TextContent(intentPrompt)},
			{Role: protocol.RoleUser, Content: protocol.TextContent(text)},
		},
	})
	if err != nil {
		return "", 0, err
	}

	var verdict intentVerdict
	if err := json.Unmarshal([]byte(extractJSON(result.Content)), &verdict); err != nil {
		return "", 0, fmt.Errorf("unparseable intent verdict: %w", err)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return "", 0, fmt.Errorf("intent confidence %v out of range", verdict.Confidence)
	}
	return verdict.Intent, verdict.Confidence, nil
}

const dispatchPrompt = `The user request will be handled by one of two strategies:
- "research": gather information from knowledge base and web, then answer
- "autonomous": work the request with tools step by step

Pick the better fit. Respond with only a JSON object: {"strategy": "<label>"}`

// ClassifyDispatch picks the sub-strategy for an autonomous-plus request.
// Any failure selects the tool loop, which degrades gracefully.
func (c *Classifier) ClassifyDispatch(ctx context.Context, text string) string {
	result, err := c.backend.Chat(ctx, protocol.ChatRequest{
		Model: c.backend.Model(""),
		Messages: []protocol.Message{
			{Role: protocol.RoleSystem, Content: protocol.TextContent(dispatchPrompt)},
			{Role: protocol.RoleUser, Content: protocol.TextContent(text)},
		},
	})
	if err != nil {
		return "autonomous"
	}

	var verdict struct {
		Strategy string `json:"strategy"`
	}
	if err := json.Unmarshal([]byte(extractJSON(result.Content)), &verdict); err != nil {
		return "autonomous"
	}
	if verdict.Strategy == "research" {
		return "research"
	}
	return "autonomous"
}

// extractJSON trims prose and code fences around a JSON object. Models
// occasionally wrap the verdict despite the instructions.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
