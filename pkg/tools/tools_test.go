package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robaikg/gateway/pkg/config"
)

func TestRegistrySnapshotSwap(t *testing.T) {
	r := NewRegistry(map[string]int{"crawl_page": 2})

	assert.Empty(t, r.Snapshot())

	r.Replace([]Descriptor{
		{Name: "kb_search", Description: "search the knowledge base"},
		{Name: "crawl_page", Description: "fetch a page"},
	})

	assert.Equal(t, []string{"kb_search", "crawl_page"}, r.Names())

	kb, ok := r.Lookup("kb_search")
	require.True(t, ok)
	assert.Equal(t, 1, kb.Cost)

	crawl, ok := r.Lookup("crawl_page")
	require.True(t, ok)
	assert.Equal(t, 2, crawl.Cost)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistryOpenAITools(t *testing.T) {
	r := NewRegistry(nil)
	assert.Nil(t, r.OpenAITools())

	r.Replace([]Descriptor{{Name: "kb_search", Schema: map[string]any{"type": "object"}}})
	rendered := r.OpenAITools()
	require.Len(t, rendered, 1)
	assert.Equal(t, "function", rendered[0].Type)
	assert.Equal(t, "kb_search", rendered[0].Function.Name)
}

// mcpServer fakes the streamable-http transport: JSON-RPC in, JSON out,
// with a session header.
func mcpServer(t *testing.T, session string, tools []map[string]any, call func(name string, args map[string]any) map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("mcp-session-id", session)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

		switch req.Method {
		case "initialize":
			resp.Result = map[string]any{"protocolVersion": "2024-11-05"}
		case "tools/list":
			resp.Result = map[string]any{"tools": tools}
		case "tools/call":
			params := req.Params.(map[string]any)
			name, _ := params["name"].(string)
			args, _ := params["arguments"].(map[string]any)
			resp.Result = call(name, args)
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func toolServerConfig(url string) config.ToolServerConfig {
	cfg := config.ToolServerConfig{URL: url, Timeout: 5}
	cfg.SetDefaults()
	return cfg
}

func TestClientListAndCall(t *testing.T) {
	srv := mcpServer(t, "sess-1", []map[string]any{
		{"name": "kb_search", "description": "search", "inputSchema": map[string]any{"type": "object"}},
	}, func(name string, args map[string]any) map[string]any {
		assert.Equal(t, "kb_search", name)
		assert.Equal(t, "golang", args["query"])
		return map[string]any{"content": []any{map[string]any{"type": "text", "text": "found 3 chunks"}}}
	})
	defer srv.Close()

	c := NewClient(toolServerConfig(srv.URL), slog.Default())
	require.NoError(t, c.Connect(context.Background()))

	descriptors, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.Equal(t, "kb_search", descriptors[0].Name)

	result, err := c.Call(context.Background(), "kb_search", map[string]any{"query": "golang"})
	require.NoError(t, err)
	assert.Equal(t, "found 3 chunks", result.Content)
	assert.False(t, result.IsError)
}

func TestClientToolLevelError(t *testing.T) {
	srv := mcpServer(t, "sess-1", nil, func(string, map[string]any) map[string]any {
		return map[string]any{
			"isError": true,
			"content": []any{map[string]any{"type": "text", "text": "page not reachable"}},
		}
	})
	defer srv.Close()

	c := NewClient(toolServerConfig(srv.URL), slog.Default())
	result, err := c.Call(context.Background(), "crawl_page", map[string]any{"url": "https://x"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "page not reachable", result.Content)
}

func TestClientSessionChangeSignalsRestart(t *testing.T) {
	var session atomic.Value
	session.Store("sess-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("mcp-session-id", session.Load().(string))
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": []any{}}})
	}))
	defer srv.Close()

	c := NewClient(toolServerConfig(srv.URL), slog.Default())
	_, err := c.ListTools(context.Background())
	require.NoError(t, err)

	session.Store("sess-2")
	_, err = c.ListTools(context.Background())
	require.NoError(t, err)

	select {
	case <-c.Restarted():
	case <-time.After(time.Second):
		t.Fatal("session change did not signal a restart")
	}
}

func TestClientUnavailableAfterReconnect(t *testing.T) {
	cfg := toolServerConfig("http://127.0.0.1:1")
	c := NewClient(cfg, slog.Default())

	_, err := c.Call(context.Background(), "kb_search", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

type fakeLister struct {
	tools     []Descriptor
	err       error
	restarted chan struct{}
	calls     atomic.Int32
}

func (f *fakeLister) ListTools(context.Context) ([]Descriptor, error) {
	f.calls.Add(1)
	return f.tools, f.err
}

func (f *fakeLister) Restarted() <-chan struct{} { return f.restarted }

func TestDiscoveryKeepsSnapshotOnFailure(t *testing.T) {
	registry := NewRegistry(nil)
	registry.Replace([]Descriptor{{Name: "kb_search"}})

	l := &fakeLister{err: ErrUnavailable, restarted: make(chan struct{})}
	d := NewDiscovery(l, registry, time.Hour, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return l.calls.Load() >= 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"kb_search"}, registry.Names())
}

func TestDiscoveryRefreshesOnRestart(t *testing.T) {
	registry := NewRegistry(nil)
	l := &fakeLister{tools: []Descriptor{{Name: "kb_search"}}, restarted: make(chan struct{}, 1)}
	d := NewDiscovery(l, registry, time.Hour, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool { return len(registry.Snapshot()) == 1 }, time.Second, 10*time.Millisecond)

	l.tools = []Descriptor{{Name: "kb_search"}, {Name: "crawl_page"}}
	l.restarted <- struct{}{}

	require.Eventually(t, func() bool { return len(registry.Snapshot()) == 2 }, time.Second, 10*time.Millisecond)
}
