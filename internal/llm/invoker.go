package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nimblecart/ghostwriter/internal/agentcfg"
)

// Tool is a function the model may call during an invocation.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// Events receives the intermediate activity of one invocation. All
// methods may be called from the invoking goroutine only.
type Events interface {
	TextDelta(agentID, delta string)
	ToolCall(agentID, tool string, args json.RawMessage)
	ToolResult(agentID, tool string, result string, err error)
}

// NopEvents drops everything.
type NopEvents struct{}

func (NopEvents) TextDelta(string, string)                 {}
func (NopEvents) ToolCall(string, string, json.RawMessage) {}
func (NopEvents) ToolResult(string, string, string, error) {}

// Invoker runs a single agent turn: one or more gateway calls connected
// by tool-call rounds, ending when the model produces plain text. An
// empty final text is not an error here; the retry layer owns that
// policy.
type Invoker struct {
	Client        *Client
	Tools         map[string]Tool
	MaxToolRounds int
	Logger        *log.Logger
}

// Invoke runs spec against input and returns the model's final text.
// When events is non-nil, text is streamed delta by delta and tool
// activity is reported as it happens.
func (inv *Invoker) Invoke(ctx context.Context, spec agentcfg.AgentSpec, input string, events Events) (string, error) {
	if events == nil {
		events = NopEvents{}
	}
	messages := make([]Message, 0, 2)
	if spec.Instructions != "" {
		messages = append(messages, Message{Role: "system", Content: spec.Instructions})
	}
	messages = append(messages, Message{Role: "user", Content: input})

	tools := inv.toolDefs(spec.ToolNames)
	rounds := inv.MaxToolRounds
	if rounds <= 0 {
		rounds = 1
	}

	for round := 0; ; round++ {
		req := ChatRequest{
			Model:       spec.ModelID,
			Messages:    messages,
			Temperature: spec.Temperature,
			MaxTokens:   spec.MaxTokens,
			Tools:       tools,
		}
		resp, err := inv.Client.Stream(ctx, req, func(delta string) {
			events.TextDelta(spec.AgentID, delta)
		})
		if err != nil {
			return "", fmt.Errorf("agent %s: %w", spec.AgentID, err)
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}
		if round >= rounds {
			return "", fmt.Errorf("agent %s: tool round limit (%d) exceeded", spec.AgentID, rounds)
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			messages = append(messages, inv.runTool(ctx, spec.AgentID, call, events))
		}
	}
}

// runTool executes one requested call and renders the outcome as a tool
// message. Tool failures go back to the model as text rather than
// aborting the invocation; the model decides how to proceed.
func (inv *Invoker) runTool(ctx context.Context, agentID string, call ToolCall, events Events) Message {
	name := call.Function.Name
	args := json.RawMessage(call.Function.Arguments)
	events.ToolCall(agentID, name, args)

	msg := Message{Role: "tool", ToolCallID: call.ID, Name: name}
	tool, ok := inv.Tools[name]
	if !ok {
		msg.Content = fmt.Sprintf("error: unknown tool %q", name)
		events.ToolResult(agentID, name, "", fmt.Errorf("unknown tool %q", name))
		return msg
	}
	result, err := tool.Invoke(ctx, args)
	if err != nil {
		if inv.Logger != nil {
			inv.Logger.Printf("tool %s failed for agent %s: %v", name, agentID, err)
		}
		msg.Content = fmt.Sprintf("error: %v", err)
		events.ToolResult(agentID, name, "", err)
		return msg
	}
	msg.Content = result
	events.ToolResult(agentID, name, result, nil)
	return msg
}

func (inv *Invoker) toolDefs(names []string) []ToolDef {
	var defs []ToolDef
	for _, name := range names {
		tool, ok := inv.Tools[name]
		if !ok {
			continue
		}
		var def ToolDef
		def.Type = "function"
		def.Function.Name = tool.Name()
		def.Function.Description = tool.Description()
		def.Function.Parameters = tool.Parameters()
		defs = append(defs, def)
	}
	return defs
}
