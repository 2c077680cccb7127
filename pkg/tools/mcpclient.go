package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/robaikg/gateway/pkg/config"
	"github.com/robaikg/gateway/pkg/httpclient"
)

const mcpProtocolVersion = "2024-11-05"

// sseResponseTimeout bounds reading a single JSON-RPC response delivered
// as an event stream.
const sseResponseTimeout = 5 * time.Minute

// ErrUnavailable means the tool server could not serve even after a
// reconnect attempt.
var ErrUnavailable = errors.New("tool server unavailable")

// TimeoutError means one tool call exceeded its deadline.
type TimeoutError struct {
	Tool string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out", e.Tool)
}

// CallResult is the outcome of one tool invocation. IsError carries
// tool-level failures, which the model sees as ordinary results.
type CallResult struct {
	Content string
	IsError bool
}

// Client speaks MCP to the tool server. Stdio transport goes through
// mcp-go; HTTP transports use JSON-RPC over the retrying HTTP client.
type Client struct {
	cfg config.ToolServerConfig

	mu        sync.Mutex
	stdio     *mcpclient.Client
	connected bool

	http      *httpclient.Client
	sessionMu sync.RWMutex
	sessionID string
	nextID    atomic.Int64

	restarted chan struct{}
	logger    *slog.Logger
}

func NewClient(cfg config.ToolServerConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(2*time.Second),
		),
		restarted: make(chan struct{}, 1),
		logger:    logger,
	}
}

// Restarted signals when the server handed out a new session, meaning it
// restarted and the tool set may have changed.
func (c *Client) Restarted() <-chan struct{} {
	return c.restarted
}

// Connect establishes (or re-establishes) the MCP session.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Transport == "stdio" {
		return c.connectStdio(ctx)
	}
	return c.connectHTTP(ctx)
}

func (c *Client) connectStdio(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stdio != nil {
		c.stdio.Close()
		c.stdio = nil
	}

	cl, err := mcpclient.NewStdioMCPClient(c.cfg.Command, nil, c.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}
	if err := cl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "gateway", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := cl.Initialize(ctx, initReq); err != nil {
		cl.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	c.stdio = cl
	c.connected = true
	c.logger.Info("connected to tool server", "transport", "stdio", "command", c.cfg.Command)
	return nil
}

func (c *Client) connectHTTP(ctx context.Context) error {
	resp, err := c.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "gateway", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("MCP init error: %s", resp.Error.Message)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("connected to tool server", "transport", c.cfg.Transport, "url", c.cfg.URL)
	return nil
}

// ListTools fetches the current tool set.
func (c *Client) ListTools(ctx context.Context) ([]Descriptor, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if c.cfg.Transport == "stdio" {
		return c.listStdio(ctx)
	}
	return c.listHTTP(ctx)
}

func (c *Client) listStdio(ctx context.Context) ([]Descriptor, error) {
	c.mu.Lock()
	cl := c.stdio
	c.mu.Unlock()
	if cl == nil {
		return nil, ErrUnavailable
	}

	resp, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	descriptors := make([]Descriptor, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		descriptors = append(descriptors, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schemaToMap(t.InputSchema),
		})
	}
	return descriptors, nil
}

func (c *Client) listHTTP(ctx context.Context) ([]Descriptor, error) {
	resp, err := c.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected tools/list result", ErrUnavailable)
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing tools in tools/list result", ErrUnavailable)
	}

	descriptors := make([]Descriptor, 0, len(rawTools))
	for _, raw := range rawTools {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]any)
		descriptors = append(descriptors, Descriptor{Name: name, Description: desc, Schema: schema})
	}
	return descriptors, nil
}

// Call invokes a tool with the configured per-call deadline. A transport
// failure triggers one reconnect and one retry before giving up.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.Timeout)*time.Second)
	defer cancel()

	result, err := c.callOnce(ctx, name, args)
	if err == nil {
		return result, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, &TimeoutError{Tool: name}
	}

	c.logger.Warn("tool call failed, reconnecting", "tool", name, "error", err)
	if rerr := c.Connect(ctx); rerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, rerr)
	}

	result, err = c.callOnce(ctx, name, args)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Tool: name}
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, nil
}

func (c *Client) callOnce(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if c.cfg.Transport == "stdio" {
		return c.callStdio(ctx, name, args)
	}
	return c.callHTTP(ctx, name, args)
}

func (c *Client) callStdio(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	c.mu.Lock()
	cl := c.stdio
	c.mu.Unlock()
	if cl == nil {
		return nil, ErrUnavailable
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := cl.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return &CallResult{Content: strings.Join(texts, "\n"), IsError: resp.IsError}, nil
}

func (c *Client) callHTTP(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	resp, err := c.rpc(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &CallResult{Content: resp.Error.Message, IsError: true}, nil
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		payload, _ := json.Marshal(resp.Result)
		return &CallResult{Content: string(payload)}, nil
	}

	isError, _ := resultMap["isError"].(bool)
	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, item := range content {
			if cm, ok := item.(map[string]any); ok && cm["type"] == "text" {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	return &CallResult{Content: strings.Join(texts, "\n"), IsError: isError}, nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.Connect(ctx)
}

// JSON-RPC plumbing for the HTTP transports.

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) rpc(ctx context.Context, method string, params any) (*rpcResponse, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	c.sessionMu.RLock()
	sessionID := c.sessionID
	c.sessionMu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if newSession := resp.Header.Get("mcp-session-id"); newSession != "" {
		c.sessionMu.Lock()
		changed := c.sessionID != "" && c.sessionID != newSession
		c.sessionID = newSession
		c.sessionMu.Unlock()
		if changed {
			c.logger.Info("tool server session changed, scheduling rediscovery")
			select {
			case c.restarted <- struct{}{}:
			default:
			}
		}
	}

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(payload))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var parsed rpcResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &parsed, nil
}

// readSSEResponse extracts the first complete JSON-RPC message from an
// event stream.
func readSSEResponse(body io.Reader) (*rpcResponse, error) {
	type outcome struct {
		resp *rpcResponse
		err  error
	}
	results := make(chan outcome, 1)

	go func() {
		reader := bufio.NewReader(body)
		var data strings.Builder
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			line = strings.TrimSpace(line)
			if line == "" {
				if data.Len() > 0 {
					var parsed rpcResponse
					if json.Unmarshal([]byte(data.String()), &parsed) == nil {
						results <- outcome{resp: &parsed}
						return
					}
					data.Reset()
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
		if data.Len() > 0 {
			var parsed rpcResponse
			if json.Unmarshal([]byte(data.String()), &parsed) == nil {
				results <- outcome{resp: &parsed}
				return
			}
		}
		results <- outcome{err: fmt.Errorf("event stream ended without a complete message")}
	}()

	select {
	case res := <-results:
		return res.resp, res.err
	case <-time.After(sseResponseTimeout):
		return nil, fmt.Errorf("timeout reading event stream response")
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.stdio != nil {
		err := c.stdio.Close()
		c.stdio = nil
		return err
	}
	return nil
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
