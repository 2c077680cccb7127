// Package llm is the client for the OpenAI-compatible LM backend. It
// exposes blocking chat, streamed chat with tool-call accumulation, and a
// raw streaming handle for the passthrough forwarder. Failures come back
// as *BackendError so the orchestrators can branch on kind (notably
// context-window overflow).
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robaikg/gateway/pkg/config"
	"github.com/robaikg/gateway/pkg/httpclient"
	"github.com/robaikg/gateway/pkg/protocol"
	"github.com/robaikg/gateway/pkg/usercontext"
)

type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *httpclient.Client
}

func NewClient(cfg *config.LLMConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.LLMTimeout()}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
	}
}

// Model returns the configured internal model, falling back to the given
// request model when none is pinned.
func (c *Client) Model(requestModel string) string {
	if c.model != "" {
		return c.model
	}
	return requestModel
}

// ChatResult is the outcome of a blocking chat call: either final content
// or one-or-more structured tool calls.
type ChatResult struct {
	Content      string
	ToolCalls    []protocol.ToolCall
	FinishReason string
	Usage        protocol.Usage
}

// Chat runs a non-streaming completion.
func (c *Client) Chat(ctx context.Context, req protocol.ChatRequest) (*ChatResult, error) {
	req.Stream = false

	body, resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed protocol.ChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &BackendError{Kind: KindUnavailable, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &BackendError{Kind: KindUnavailable, Message: "no response choices returned"}
	}

	choice := parsed.Choices[0]
	result := &ChatResult{
		Content:      choice.Message.Content.AsText(),
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
	}
	if parsed.Usage != nil {
		result.Usage = *parsed.Usage
	}
	return result, nil
}

// StreamChunk is one parsed event from a streaming completion.
type StreamChunk struct {
	Type     string // "text", "tool_call", "done", "error"
	Text     string
	ToolCall *protocol.ToolCall
	Err      error
}

// ChatStream runs a streaming completion, invoking fn for every parsed
// chunk in arrival order. Tool-call deltas are accumulated by index and
// delivered whole on finish. Returns a *BackendError before the first
// chunk if the request itself fails.
func (c *Client) ChatStream(ctx context.Context, req protocol.ChatRequest, fn func(StreamChunk)) error {
	req.Stream = true

	requestBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, requestBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	toolCalls := make([]*protocol.ToolCall, 0, 2)

	flushToolCalls := func() {
		for _, tc := range toolCalls {
			fn(StreamChunk{Type: "tool_call", ToolCall: tc})
		}
		toolCalls = toolCalls[:0]
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return &BackendError{Kind: KindUnavailable, Message: fmt.Sprintf("stream read failed: %v", err)}
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk protocol.Chunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			fn(StreamChunk{Type: "text", Text: choice.Delta.Content})
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				dc := deltaCall
				toolCalls = append(toolCalls, &dc)
			} else if len(toolCalls) > 0 {
				last := toolCalls[len(toolCalls)-1]
				last.Function.Arguments += deltaCall.Function.Arguments
			}
		}

		if choice.FinishReason != nil && (*choice.FinishReason == "stop" || *choice.FinishReason == "tool_calls") {
			flushToolCalls()
			break
		}
	}

	flushToolCalls()
	fn(StreamChunk{Type: "done"})
	return nil
}

// OpenRawStream starts a streaming completion and hands back the raw
// response body for verbatim forwarding. The caller owns closing it.
func (c *Client) OpenRawStream(ctx context.Context, rawBody []byte) (*http.Response, error) {
	return c.do(ctx, rawBody)
}

// ForwardCompletion runs a non-streaming completion with a raw body and
// returns the backend's bytes untouched, preserving 4xx payloads.
func (c *Client) ForwardCompletion(ctx context.Context, rawBody []byte) ([]byte, int, error) {
	req, err := c.newRequest(ctx, "/chat/completions", rawBody)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil && resp == nil {
		return nil, 0, &BackendError{Kind: KindUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, 0, &BackendError{Kind: KindUnavailable, Message: readErr.Error()}
	}
	return body, resp.StatusCode, nil
}

func (c *Client) post(ctx context.Context, req protocol.ChatRequest) ([]byte, *http.Response, error) {
	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, requestBody)
	if err != nil {
		return nil, nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, nil, &BackendError{Kind: KindUnavailable, Message: err.Error()}
	}
	return body, resp, nil
}

// do issues the POST and normalizes failures into *BackendError.
func (c *Client) do(ctx context.Context, requestBody []byte) (*http.Response, error) {
	req, err := c.newRequest(ctx, "/chat/completions", requestBody)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(resp.StatusCode, body)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &BackendError{Kind: KindUnavailable, Message: err.Error()}
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	usercontext.Apply(ctx, req)
	return req, nil
}

// extractErrorMessage pulls the message out of an OpenAI-shaped error body.
func extractErrorMessage(body []byte) string {
	var parsed protocol.ErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return ""
}
