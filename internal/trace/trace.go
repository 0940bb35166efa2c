// Package trace records agent activity for later inspection. Recording
// is fire-and-forget: a failed or slow trace write must never slow down
// or fail the request that produced it.
package trace

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nimblecart/ghostwriter/internal/store"
)

// Sink persists trace events.
type Sink interface {
	InsertTraceEvent(ctx context.Context, event store.TraceEvent) error
}

// Recorder writes trace events to a sink from detached goroutines.
type Recorder struct {
	sink    Sink
	logger  *log.Logger
	timeout time.Duration
}

// NewRecorder builds a recorder over sink. A nil sink disables recording.
func NewRecorder(sink Sink, logger *log.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger, timeout: 5 * time.Second}
}

// Record persists one event asynchronously. It detaches from the caller's
// context so a finished request does not cancel its own trace writes.
func (r *Recorder) Record(traceID, sessionID, agentID, eventType string, data interface{}) {
	if r == nil || r.sink == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		if r.logger != nil {
			r.logger.Printf("trace event %s for agent %s not serializable: %v", eventType, agentID, err)
		}
		return
	}
	event := store.TraceEvent{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		SessionID: sessionID,
		AgentID:   agentID,
		EventType: eventType,
		Data:      payload,
		CreatedAt: time.Now(),
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil && r.logger != nil {
				r.logger.Printf("trace write panicked: %v", rec)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.sink.InsertTraceEvent(ctx, event); err != nil && r.logger != nil {
			r.logger.Printf("trace write failed for agent %s: %v", agentID, err)
		}
	}()
}

// AgentInput records the full input handed to an agent.
func (r *Recorder) AgentInput(traceID, sessionID, agentID, input string) {
	r.Record(traceID, sessionID, agentID, store.TraceAgentInput, map[string]interface{}{
		"input":  preview(input),
		"length": len(input),
	})
}

// AgentOutput records the text an agent produced.
func (r *Recorder) AgentOutput(traceID, sessionID, agentID, output string) {
	r.Record(traceID, sessionID, agentID, store.TraceAgentOutput, map[string]interface{}{
		"output": preview(output),
		"length": len(output),
	})
}

// ToolCall records a tool invocation requested by the model.
func (r *Recorder) ToolCall(traceID, sessionID, agentID, tool string, args json.RawMessage) {
	r.Record(traceID, sessionID, agentID, store.TraceToolCall, map[string]interface{}{
		"tool": tool,
		"args": json.RawMessage(args),
	})
}

// ToolResult records a tool's outcome.
func (r *Recorder) ToolResult(traceID, sessionID, agentID, tool, result string, err error) {
	data := map[string]interface{}{
		"tool":   tool,
		"result": preview(result),
		"length": len(result),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	r.Record(traceID, sessionID, agentID, store.TraceToolResult, data)
}

// Error records a stage or tool failure.
func (r *Recorder) Error(traceID, sessionID, agentID string, err error) {
	r.Record(traceID, sessionID, agentID, store.TraceError, map[string]interface{}{
		"error": err.Error(),
	})
}

const previewLimit = 2000

func preview(s string) string {
	if len(s) > previewLimit {
		return s[:previewLimit]
	}
	return s
}
