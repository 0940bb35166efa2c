// Package pipeline drives an ordered chain of agent invocations. Each
// stage receives the previous stage's entire output as its input, so a
// stage can rewrite, annotate, or discard everything before it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nimblecart/ghostwriter/internal/agentcfg"
	"github.com/nimblecart/ghostwriter/internal/llm"
	"github.com/nimblecart/ghostwriter/internal/metrics"
	"github.com/nimblecart/ghostwriter/internal/retry"
	"github.com/nimblecart/ghostwriter/internal/stream"
	"github.com/nimblecart/ghostwriter/internal/trace"
)

// Stage is one step of a pipeline.
type Stage struct {
	ID    string
	Label string
}

// BlogStages is the post generation chain. Order matters: every stage
// sees only its predecessor's output.
func BlogStages() []Stage {
	return []Stage{
		{ID: "writer", Label: "Writer"},
		{ID: "editor", Label: "Editor"},
		{ID: "seo", Label: "SEO Specialist"},
		{ID: "senior-editor", Label: "Senior Editor"},
		{ID: "reviewer", Label: "Reviewer"},
	}
}

// Resolver supplies per-agent configuration.
type Resolver interface {
	Resolve(ctx context.Context, agentID string) (agentcfg.AgentSpec, error)
}

// Invoker runs one agent turn.
type Invoker interface {
	Invoke(ctx context.Context, spec agentcfg.AgentSpec, input string, events llm.Events) (string, error)
}

// Run is one pipeline execution request.
type Run struct {
	Pipeline  string
	TraceID   string
	SessionID string
	Stages    []Stage
	Input     string
	// Decorate may adjust a resolved spec before invocation, e.g. to
	// append brand voice notes to the instructions. Nil leaves specs
	// untouched.
	Decorate func(stage Stage, spec agentcfg.AgentSpec) agentcfg.AgentSpec
}

// Orchestrator executes pipelines sequentially, reporting progress
// through a stream emitter and recording agent activity in the trace
// log.
type Orchestrator struct {
	Resolver Resolver
	Invoker  Invoker
	Trace    *trace.Recorder
	Logger   *log.Logger
}

// Execute runs every stage in order and returns the last stage's output.
// The first stage failure aborts the run; later stages never start.
func (o *Orchestrator) Execute(ctx context.Context, run Run, emitter stream.Emitter) (string, error) {
	if emitter == nil {
		emitter = stream.Nop{}
	}
	if len(run.Stages) == 0 {
		return "", fmt.Errorf("pipeline %s has no stages", run.Pipeline)
	}

	tracer := otel.Tracer("ghostwriter/pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.execute")
	span.SetAttributes(
		attribute.String("pipeline", run.Pipeline),
		attribute.String("trace_id", run.TraceID),
		attribute.Int("stages", len(run.Stages)),
	)
	defer span.End()

	input := run.Input
	total := len(run.Stages)
	for i, stage := range run.Stages {
		output, err := o.runStage(ctx, run, stage, i+1, total, input, emitter)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.PipelineRuns.WithLabelValues(run.Pipeline, "failure").Inc()
			return "", fmt.Errorf("stage %s: %w", stage.ID, err)
		}
		input = output
	}
	span.SetStatus(codes.Ok, "")
	metrics.PipelineRuns.WithLabelValues(run.Pipeline, "success").Inc()
	return input, nil
}

func (o *Orchestrator) runStage(ctx context.Context, run Run, stage Stage, step, total int, input string, emitter stream.Emitter) (string, error) {
	tracer := otel.Tracer("ghostwriter/pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.stage."+stage.ID)
	defer span.End()

	spec, err := o.Resolver.Resolve(ctx, stage.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", retry.Permanent(err)
	}
	if run.Decorate != nil {
		spec = run.Decorate(stage, spec)
	}

	emitter.AgentStart(stage.ID, stage.Label, step, total)
	o.Trace.AgentInput(run.TraceID, run.SessionID, stage.ID, input)
	started := time.Now()

	events := &stageEvents{run: run, emitter: emitter, trace: o.Trace}
	output, err := retry.Do(ctx, o.Logger, stage.ID, spec.MaxRetries, func(ctx context.Context, attempt int) (string, error) {
		kind := "retry"
		if attempt == 1 {
			kind = "primary"
		}
		metrics.RetryAttempts.WithLabelValues(stage.ID, kind).Inc()
		return classifyGatewayError(o.Invoker.Invoke(ctx, spec, input, events))
	})
	metrics.StageDuration.WithLabelValues(stage.ID).Observe(time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.Trace.Error(run.TraceID, run.SessionID, stage.ID, err)
		return "", err
	}
	o.Trace.AgentOutput(run.TraceID, run.SessionID, stage.ID, output)
	emitter.AgentComplete(stage.ID)
	span.SetStatus(codes.Ok, "")
	return output, nil
}

// classifyGatewayError marks gateway rejections that retrying cannot fix
// as permanent, so the retry loop gives up on them immediately.
func classifyGatewayError(out string, err error) (string, error) {
	var ge *llm.GatewayError
	if err != nil && errors.As(err, &ge) && !ge.Temporary() {
		return "", retry.Permanent(err)
	}
	return out, err
}

// stageEvents fans invoker activity out to the client stream and the
// trace log.
type stageEvents struct {
	run     Run
	emitter stream.Emitter
	trace   *trace.Recorder
}

func (e *stageEvents) TextDelta(agentID, delta string) {
	e.emitter.AgentChunk(agentID, delta)
}

func (e *stageEvents) ToolCall(agentID, tool string, args json.RawMessage) {
	e.emitter.Debug(map[string]interface{}{"event": "tool-call", "agent": agentID, "tool": tool})
	e.trace.ToolCall(e.run.TraceID, e.run.SessionID, agentID, tool, args)
}

func (e *stageEvents) ToolResult(agentID, tool, result string, err error) {
	e.emitter.Debug(map[string]interface{}{"event": "tool-result", "agent": agentID, "tool": tool})
	e.trace.ToolResult(e.run.TraceID, e.run.SessionID, agentID, tool, result, err)
}
