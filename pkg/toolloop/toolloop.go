// Package toolloop runs the autonomous tool-calling loop: the model
// decides which tools to invoke, the loop executes them against the MCP
// server, and the exchange repeats until the model answers in plain text
// or the budget runs out.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/robaikg/gateway/pkg/config"
	"github.com/robaikg/gateway/pkg/llm"
	"github.com/robaikg/gateway/pkg/protocol"
	"github.com/robaikg/gateway/pkg/sse"
	"github.com/robaikg/gateway/pkg/tools"
)

// maxParallelTools bounds concurrent tool executions within one turn.
const maxParallelTools = 3

// maxToolResultChars caps a tool result before it joins the message list,
// so one oversized response cannot blow the next call's context window.
const maxToolResultChars = 16384

const finalAnswerInstruction = "Tool access has ended. Answer the user's request now using the information already gathered."

// LM is the slice of the backend client the loop needs.
type LM interface {
	ChatStream(ctx context.Context, req protocol.ChatRequest, fn func(llm.StreamChunk)) error
	Model(requestModel string) string
}

// ToolCaller executes one tool invocation.
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]any) (*tools.CallResult, error)
}

// Loop drives the tool-calling conversation.
type Loop struct {
	lm       LM
	caller   ToolCaller
	registry *tools.Registry
	maxTurns int
	logger   *slog.Logger
}

func New(lm LM, caller ToolCaller, registry *tools.Registry, cfg config.BudgetConfig, logger *slog.Logger) *Loop {
	return &Loop{
		lm:       lm,
		caller:   caller,
		registry: registry,
		maxTurns: cfg.MaxTurns,
		logger:   logger,
	}
}

// Run executes the loop with the given point budget, streaming assistant
// text and tool activity to the sink. The final turn always runs without
// tools so the user gets an answer even on an exhausted budget.
func (l *Loop) Run(ctx context.Context, req protocol.ChatRequest, budget int, sink sse.Sink) error {
	messages := append([]protocol.Message(nil), req.Messages...)
	model := l.lm.Model(req.Model)

	for turn := 0; turn < l.maxTurns && budget > 0; turn++ {
		turnReq := req
		turnReq.Model = model
		turnReq.Messages = messages
		turnReq.Tools = l.registry.OpenAITools()

		text, toolCalls, err := l.streamTurn(ctx, turnReq, sink)
		if err != nil {
			return err
		}
		if len(toolCalls) == 0 {
			sink.Finish("stop")
			return nil
		}

		messages = append(messages, protocol.Message{
			Role:      protocol.RoleAssistant,
			Content:   protocol.TextContent(text),
			ToolCalls: toolCalls,
		})

		results, spent := l.executeTools(ctx, toolCalls, budget, sink)
		budget -= spent
		messages = append(messages, results...)
	}

	// Budget or turns exhausted: one last call with no tools, told to
	// answer with what it has.
	finalReq := req
	finalReq.Model = model
	finalReq.Messages = append(messages, protocol.Message{
		Role:    protocol.RoleSystem,
		Content: protocol.TextContent(finalAnswerInstruction),
	})
	finalReq.Tools = nil

	_, _, err := l.streamTurn(ctx, finalReq, sink)
	if err != nil {
		return err
	}
	sink.Finish("stop")
	return nil
}

// streamTurn runs one LM call, forwarding text deltas and collecting any
// tool calls the model produced.
func (l *Loop) streamTurn(ctx context.Context, req protocol.ChatRequest, sink sse.Sink) (string, []protocol.ToolCall, error) {
	var text string
	var toolCalls []protocol.ToolCall

	err := l.lm.ChatStream(ctx, req, func(chunk llm.StreamChunk) {
		switch chunk.Type {
		case "text":
			text += chunk.Text
			sink.Delta(chunk.Text)
		case "tool_call":
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	})
	if err != nil {
		return "", nil, err
	}
	return text, toolCalls, nil
}

// executeTools runs the turn's tool calls, at most maxParallelTools at a
// time, and returns the tool messages in the model's call order plus the
// points spent. Failures never abort the turn; the model sees them as
// result text and can adapt.
func (l *Loop) executeTools(ctx context.Context, calls []protocol.ToolCall, budget int, sink sse.Sink) ([]protocol.Message, int) {
	results := make([]protocol.Message, len(calls))
	spent := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTools)

	for i, call := range calls {
		name := call.Function.Name
		args := parseArgs(call.Function.Arguments)
		sink.ToolCall(name, args)

		descriptor, known := l.registry.Lookup(name)
		switch {
		case !known:
			results[i] = toolMessage(call, fmt.Sprintf("Error: unknown tool %q. Available tools: %v", name, l.registry.Names()))
			sink.ToolResult(name, results[i].Content.AsText(), true)
			continue
		case descriptor.Cost > budget-spent:
			results[i] = toolMessage(call, "Error: tool budget exhausted, answer with what you have")
			sink.ToolResult(name, results[i].Content.AsText(), true)
			continue
		}
		spent += descriptor.Cost

		i, call := i, call
		g.Go(func() error {
			result, err := l.caller.Call(gctx, name, args)
			if err != nil {
				l.logger.Warn("tool execution failed", "tool", name, "error", err)
				results[i] = toolMessage(call, fmt.Sprintf("Error: %v", err))
				sink.ToolResult(name, results[i].Content.AsText(), true)
				return nil
			}
			content := truncateForTransport(result.Content)
			results[i] = toolMessage(call, content)
			sink.ToolResult(name, content, result.IsError)
			return nil
		})
	}
	g.Wait()

	return results, spent
}

func toolMessage(call protocol.ToolCall, content string) protocol.Message {
	return protocol.Message{
		Role:       protocol.RoleTool,
		Content:    protocol.TextContent(content),
		ToolCallID: call.ID,
		Name:       call.Function.Name,
	}
}

// truncateForTransport caps a tool result and marks the cut so the model
// knows the payload is incomplete.
func truncateForTransport(content string) string {
	if len(content) <= maxToolResultChars {
		return content
	}
	return content[:maxToolResultChars] + "\n[result truncated]"
}

func parseArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
