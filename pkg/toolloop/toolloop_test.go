package toolloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robaikg/gateway/pkg/config"
	"github.com/robaikg/gateway/pkg/llm"
	"github.com/robaikg/gateway/pkg/protocol"
	"github.com/robaikg/gateway/pkg/tools"
)

// scriptedLM replays one scripted turn per call: some text plus optional
// tool calls.
type scriptedTurn struct {
	text  string
	calls []protocol.ToolCall
}

type scriptedLM struct {
	turns    []scriptedTurn
	requests []protocol.ChatRequest
}

func (s *scriptedLM) ChatStream(_ context.Context, req protocol.ChatRequest, fn func(llm.StreamChunk)) error {
	s.requests = append(s.requests, req)
	turn := scriptedTurn{text: "done"}
	if len(s.requests) <= len(s.turns) {
		turn = s.turns[len(s.requests)-1]
	}
	if turn.text != "" {
		fn(llm.StreamChunk{Type: "text", Text: turn.text})
	}
	for i := range turn.calls {
		fn(llm.StreamChunk{Type: "tool_call", ToolCall: &turn.calls[i]})
	}
	fn(llm.StreamChunk{Type: "done"})
	return nil
}

func (s *scriptedLM) Model(requestModel string) string { return "test-model" }

type recordingCaller struct {
	mu     sync.Mutex
	called []string
	result string
	err    error
}

func (r *recordingCaller) Call(_ context.Context, name string, _ map[string]any) (*tools.CallResult, error) {
	r.mu.Lock()
	r.called = append(r.called, name)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &tools.CallResult{Content: r.result}, nil
}

type recordingSink struct {
	mu       sync.Mutex
	deltas   []string
	toolLog  []string
	finished string
}

func (r *recordingSink) Status(string, bool, bool) {}
func (r *recordingSink) Delta(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, text)
}
func (r *recordingSink) ToolCall(name string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolLog = append(r.toolLog, "call:"+name)
}
func (r *recordingSink) ToolResult(name, _ string, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolLog = append(r.toolLog, fmt.Sprintf("result:%s:%v", name, isError))
}
func (r *recordingSink) Finish(reason string) { r.finished = reason }
func (r *recordingSink) Started() bool        { return true }

func toolCall(id, name, args string) protocol.ToolCall {
	return protocol.ToolCall{ID: id, Type: "function", Function: protocol.FunctionCall{Name: name, Arguments: args}}
}

func newRegistry() *tools.Registry {
	r := tools.NewRegistry(map[string]int{"crawl_page": 2})
	r.Replace([]tools.Descriptor{
		{Name: "kb_search", Description: "search"},
		{Name: "crawl_page", Description: "fetch"},
	})
	return r
}

func budgets() config.BudgetConfig {
	cfg := config.BudgetConfig{}
	cfg.SetDefaults()
	return cfg
}

func TestLoopPlainAnswerEndsImmediately(t *testing.T) {
	lm := &scriptedLM{turns: []scriptedTurn{{text: "just an answer"}}}
	caller := &recordingCaller{}
	sink := &recordingSink{}

	loop := New(lm, caller, newRegistry(), budgets(), slog.Default())
	err := loop.Run(context.Background(), protocol.ChatRequest{Messages: []protocol.Message{
		{Role: protocol.RoleUser, Content: protocol.TextContent("hi")},
	}}, 3, sink)

	require.NoError(t, err)
	assert.Len(t, lm.requests, 1)
	assert.Empty(t, caller.called)
	assert.Equal(t, []string{"just an answer"}, sink.deltas)
	assert.Equal(t, "stop", sink.finished)
}

func TestLoopExecutesToolsAndFeedsResultsBack(t *testing.T) {
	lm := &scriptedLM{turns: []scriptedTurn{
		{calls: []protocol.ToolCall{toolCall("c1", "kb_search", `{"query": "go"}`)}},
		{text: "answer from results"},
	}}
	caller := &recordingCaller{result: "3 chunks"}
	sink := &recordingSink{}

	loop := New(lm, caller, newRegistry(), budgets(), slog.Default())
	err := loop.Run(context.Background(), protocol.ChatRequest{Messages: []protocol.Message{
		{Role: protocol.RoleUser, Content: protocol.TextContent("find go docs")},
	}}, 3, sink)

	require.NoError(t, err)
	assert.Equal(t, []string{"kb_search"}, caller.called)
	assert.Equal(t, []string{"call:kb_search", "result:kb_search:false"}, sink.toolLog)

	// The second request carries the assistant tool call and the tool result.
	require.Len(t, lm.requests, 2)
	msgs := lm.requests[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, protocol.RoleAssistant, msgs[1].Role)
	assert.Equal(t, protocol.RoleTool, msgs[2].Role)
	assert.Equal(t, "3 chunks", msgs[2].Content.AsText())
	assert.Equal(t, "c1", msgs[2].ToolCallID)
}

func TestLoopUnknownToolGetsSyntheticResult(t *testing.T) {
	lm := &scriptedLM{turns: []scriptedTurn{
		{calls: []protocol.ToolCall{toolCall("c1", "nonexistent", `{}`)}},
		{text: "recovered"},
	}}
	caller := &recordingCaller{}
	sink := &recordingSink{}

	loop := New(lm, caller, newRegistry(), budgets(), slog.Default())
	err := loop.Run(context.Background(), protocol.ChatRequest{Messages: []protocol.Message{
		{Role: protocol.RoleUser, Content: protocol.TextContent("x")},
	}}, 3, sink)

	require.NoError(t, err)
	assert.Empty(t, caller.called)

	msgs := lm.requests[1].Messages
	assert.Contains(t, msgs[2].Content.AsText(), "unknown tool")
	assert.Contains(t, msgs[2].Content.AsText(), "kb_search")
}

func TestLoopBudgetExhaustionForcesFinalAnswer(t *testing.T) {
	// Every turn asks for another kb_search; with a budget of 2 only two
	// execute, then the loop makes a final call without tools.
	lm := &scriptedLM{turns: []scriptedTurn{
		{calls: []protocol.ToolCall{toolCall("c1", "kb_search", `{}`)}},
		{calls: []protocol.ToolCall{toolCall("c2", "kb_search", `{}`)}},
		{calls: []protocol.ToolCall{toolCall("c3", "kb_search", `{}`)}},
		{text: "best effort answer"},
	}}
	caller := &recordingCaller{result: "ok"}
	sink := &recordingSink{}

	loop := New(lm, caller, newRegistry(), budgets(), slog.Default())
	err := loop.Run(context.Background(), protocol.ChatRequest{Messages: []protocol.Message{
		{Role: protocol.RoleUser, Content: protocol.TextContent("x")},
	}}, 2, sink)

	require.NoError(t, err)
	assert.Equal(t, []string{"kb_search", "kb_search"}, caller.called)

	final := lm.requests[len(lm.requests)-1]
	assert.Nil(t, final.Tools)
	assert.Equal(t, "stop", sink.finished)

	// The final call carries an instruction to answer without tools.
	last := final.Messages[len(final.Messages)-1]
	assert.Equal(t, protocol.RoleSystem, last.Role)
	assert.Contains(t, last.Content.AsText(), "Answer the user's request now")
}

func TestLoopTruncatesOversizedToolResults(t *testing.T) {
	lm := &scriptedLM{turns: []scriptedTurn{
		{calls: []protocol.ToolCall{toolCall("c1", "kb_search", `{}`)}},
		{text: "answer"},
	}}
	caller := &recordingCaller{result: strings.Repeat("x", maxToolResultChars+500)}
	sink := &recordingSink{}

	loop := New(lm, caller, newRegistry(), budgets(), slog.Default())
	err := loop.Run(context.Background(), protocol.ChatRequest{Messages: []protocol.Message{
		{Role: protocol.RoleUser, Content: protocol.TextContent("x")},
	}}, 3, sink)

	require.NoError(t, err)
	result := lm.requests[1].Messages[2].Content.AsText()
	assert.LessOrEqual(t, len(result), maxToolResultChars+len("\n[result truncated]"))
	assert.True(t, strings.HasSuffix(result, "[result truncated]"))
}

func TestLoopCostlyToolOverBudgetIsSkipped(t *testing.T) {
	lm := &scriptedLM{turns: []scriptedTurn{
		{calls: []protocol.ToolCall{toolCall("c1", "crawl_page", `{"url": "https://x"}`)}},
		{text: "answer"},
	}}
	caller := &recordingCaller{result: "page"}
	sink := &recordingSink{}

	loop := New(lm, caller, newRegistry(), budgets(), slog.Default())
	err := loop.Run(context.Background(), protocol.ChatRequest{Messages: []protocol.Message{
		{Role: protocol.RoleUser, Content: protocol.TextContent("x")},
	}}, 1, sink)

	require.NoError(t, err)
	assert.Empty(t, caller.called)
	msgs := lm.requests[1].Messages
	assert.Contains(t, msgs[2].Content.AsText(), "budget exhausted")
}
