package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robaikg/gateway/pkg/admission"
	"github.com/robaikg/gateway/pkg/config"
	"github.com/robaikg/gateway/pkg/llm"
	"github.com/robaikg/gateway/pkg/observability"
	"github.com/robaikg/gateway/pkg/router"
	"github.com/robaikg/gateway/pkg/toolloop"
	"github.com/robaikg/gateway/pkg/tools"
)

// lmBackend is a scripted OpenAI-compatible backend. Each call serves the
// next scripted response; responses holding tool call JSON come back as a
// tool_call stream frame.
type lmBackend struct {
	calls     atomic.Int64
	responses []string
	bodies    [][]byte
	streamed  bool
}

func (b *lmBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.bodies = append(b.bodies, body)

		idx := int(b.calls.Add(1)) - 1
		if idx >= len(b.responses) {
			idx = len(b.responses) - 1
		}
		script := b.responses[idx]

		if b.streamed {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "data: %s\n\n", script)
			fmt.Fprint(w, `data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`+"\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, script)
	})
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[{"id":"backend-model"}]}`)
	})
	return mux
}

type fakeCaller struct{}

func (fakeCaller) Call(ctx context.Context, name string, args map[string]any) (*tools.CallResult, error) {
	return &tools.CallResult{Content: "tool output for " + name}, nil
}

func newTestServer(t *testing.T, backend *lmBackend) (*httptest.Server, *Server) {
	t.Helper()
	backendSrv := httptest.NewServer(backend.handler())
	t.Cleanup(backendSrv.Close)

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.LLM.BaseURL = backendSrv.URL + "/v1"
	cfg.Retrieval.BaseURL = backendSrv.URL
	cfg.Retrieval.BearerToken = "kg-token"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lmClient := llm.NewClient(&cfg.LLM)

	registry := tools.NewRegistry(nil)
	registry.Replace([]tools.Descriptor{{Name: "lookup", Description: "Look something up"}})

	srv := New(Deps{
		Config:    cfg,
		LLM:       lmClient,
		Models:    llm.NewModelCache(lmClient, 0, 0),
		Router:    router.New(cfg.Router, nil, logger),
		Admission: admission.NewController(cfg.Admission.MaxStandardResearch, cfg.Admission.MaxDeepResearch, logger),
		Loop:      toolloop.New(lmClient, fakeCaller{}, registry, cfg.Budgets, logger),
		Health:    NewHealthMonitor(map[string]Probe{}, nil, 0, logger),
		Metrics:   observability.New(),
		Logger:    logger,
	})

	gw := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(gw.Close)
	return gw, srv
}

func postCompletions(t *testing.T, gw *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCompletionsRejectsEmptyMessages(t *testing.T) {
	gw, _ := newTestServer(t, &lmBackend{})
	resp := postCompletions(t, gw, `{"model":"m","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompletionsRejectsMalformedTag(t *testing.T) {
	gw, _ := newTestServer(t, &lmBackend{})
	resp := postCompletions(t, gw, `{"model":"m","messages":[{"role":"user","content":"[[research_request please help"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "malformed routing tag")
}

func TestPassthroughForwardsBodyVerbatim(t *testing.T) {
	backend := &lmBackend{responses: []string{
		`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`,
	}}
	gw, _ := newTestServer(t, backend)

	reqBody := `{"model":"m","messages":[{"role":"user","content":"hello"}],"temperature":0.2}`
	resp := postCompletions(t, gw, reqBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// No tag, no pinned model: the backend sees the client's exact bytes.
	require.Len(t, backend.bodies, 1)
	assert.Equal(t, reqBody, string(backend.bodies[0]))

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"content":"hi"`)
}

func TestPassthroughRelaysBackendClientError(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":{"message":"bad params","type":"invalid_request_error"}}`)
	}))
	defer backendSrv.Close()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.LLM.BaseURL = backendSrv.URL + "/v1"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lmClient := llm.NewClient(&cfg.LLM)
	srv := New(Deps{
		Config:  cfg,
		LLM:     lmClient,
		Models:  llm.NewModelCache(lmClient, 0, 0),
		Router:  router.New(cfg.Router, nil, logger),
		Health:  NewHealthMonitor(map[string]Probe{}, nil, 0, logger),
		Metrics: observability.New(),
		Logger:  logger,
	})
	gw := httptest.NewServer(srv.httpServer.Handler)
	defer gw.Close()

	resp := postCompletions(t, gw, `{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"error":{"message":"bad params","type":"invalid_request_error"}}`, string(body))
}

func TestPassthroughStreamingStripsTag(t *testing.T) {
	backend := &lmBackend{
		streamed:  true,
		responses: []string{`{"choices":[{"delta":{"content":"streamed answer"}}]}`},
	}
	gw, _ := newTestServer(t, backend)

	resp := postCompletions(t, gw, `{"model":"m","stream":true,"messages":[{"role":"user","content":"[[PURE_LLM]] just answer"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "streamed answer")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(body)), "data: [DONE]"))

	require.Len(t, backend.bodies, 1)
	assert.NotContains(t, string(backend.bodies[0]), "[[")
	assert.Contains(t, string(backend.bodies[0]), "just answer")
}

func TestAutonomousToolLoopStreams(t *testing.T) {
	backend := &lmBackend{
		streamed: true,
		responses: []string{
			`{"choices":[{"delta":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":\"x\"}"}}]}}]}`,
			`{"choices":[{"delta":{"content":"final answer"}}]}`,
		},
	}
	gw, _ := newTestServer(t, backend)

	resp := postCompletions(t, gw, `{"model":"m","stream":true,"messages":[{"role":"user","content":"[[autonomous]] find x"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	assert.Contains(t, text, `"type":"tool_call"`)
	assert.Contains(t, text, `"type":"tool_result"`)
	assert.Contains(t, text, "tool output for lookup")
	assert.Contains(t, text, "final answer")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(text), "data: [DONE]"))

	// Second LM call carries the tool exchange.
	require.GreaterOrEqual(t, len(backend.bodies), 2)
	assert.Contains(t, string(backend.bodies[1]), `"role":"tool"`)
}

func TestAutonomousNonStreamingBuildsCompletion(t *testing.T) {
	backend := &lmBackend{
		streamed:  true,
		responses: []string{`{"choices":[{"delta":{"content":"plain answer"}}]}`},
	}
	gw, _ := newTestServer(t, backend)

	resp := postCompletions(t, gw, `{"model":"m","messages":[{"role":"user","content":"[[autonomous]] find x"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"object":"chat.completion"`)
	assert.Contains(t, string(body), "plain answer")
	assert.Contains(t, string(body), `"finish_reason":"stop"`)
}

func TestStreamingFailureBeforeFirstEventIsPlainHTTPError(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.LLM.BaseURL = dead.URL + "/v1"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lmClient := llm.NewClient(&cfg.LLM)
	registry := tools.NewRegistry(nil)
	srv := New(Deps{
		Config:  cfg,
		LLM:     lmClient,
		Models:  llm.NewModelCache(lmClient, 0, 0),
		Router:  router.New(cfg.Router, nil, logger),
		Loop:    toolloop.New(lmClient, fakeCaller{}, registry, cfg.Budgets, logger),
		Health:  NewHealthMonitor(map[string]Probe{}, nil, 0, logger),
		Metrics: observability.New(),
		Logger:  logger,
	})
	gw := httptest.NewServer(srv.httpServer.Handler)
	defer gw.Close()

	resp := postCompletions(t, gw, `{"model":"m","stream":true,"messages":[{"role":"user","content":"[[autonomous]] do it"}]}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, _ := io.ReadAll(resp.Body)
	// The body is one clean JSON error, with no stream framing appended.
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.NotContains(t, string(body), "[DONE]")
	assert.Contains(t, string(body), "LM backend unavailable")
}

func TestModelsServesCachedList(t *testing.T) {
	backend := &lmBackend{}
	gw, srv := newTestServer(t, backend)

	// Before the first poll the list is empty, not an error.
	resp, err := http.Get(gw.URL + "/v1/models")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"object":"list","data":[]}`, string(body))

	list, err := srv.llm.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "backend-model", list.Data[0].ID)
}

func TestHealthEndpoint(t *testing.T) {
	probeErr := atomic.Bool{}
	probeErr.Store(true)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	monitor := NewHealthMonitor(map[string]Probe{
		"llm": func(ctx context.Context) error {
			if probeErr.Load() {
				return fmt.Errorf("connection refused")
			}
			return nil
		},
	}, []string{"llm"}, 0, logger)

	cfg := &config.Config{}
	cfg.SetDefaults()
	srv := New(Deps{
		Config:  cfg,
		LLM:     llm.NewClient(&cfg.LLM),
		Router:  router.New(cfg.Router, nil, logger),
		Health:  monitor,
		Metrics: observability.New(),
		Logger:  logger,
	})
	gw := httptest.NewServer(srv.httpServer.Handler)
	defer gw.Close()

	// Before any probe the snapshot is unhealthy.
	resp, err := http.Get(gw.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	monitor.probeAll(context.Background())
	resp, err = http.Get(gw.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	probeErr.Store(false)
	monitor.probeAll(context.Background())
	resp, err = http.Get(gw.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)
}

func TestUnmatchedPathsProxyToBridge(t *testing.T) {
	var seenAuth atomic.Value
	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"paths":{}}`)
	}))
	defer bridge.Close()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Retrieval.BaseURL = bridge.URL
	cfg.Retrieval.BearerToken = "kg-token"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Deps{
		Config:  cfg,
		LLM:     llm.NewClient(&cfg.LLM),
		Router:  router.New(cfg.Router, nil, logger),
		Health:  NewHealthMonitor(map[string]Probe{}, nil, 0, logger),
		Metrics: observability.New(),
		Logger:  logger,
	})
	gw := httptest.NewServer(srv.httpServer.Handler)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/openapi.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"paths":{}}`, string(body))
	assert.Equal(t, "Bearer kg-token", seenAuth.Load())
}
