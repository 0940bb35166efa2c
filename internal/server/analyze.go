package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nimblecart/ghostwriter/internal/agentcfg"
	"github.com/nimblecart/ghostwriter/internal/extract"
	"github.com/nimblecart/ghostwriter/internal/llm"
	"github.com/nimblecart/ghostwriter/internal/metrics"
	"github.com/nimblecart/ghostwriter/internal/retry"
	"github.com/nimblecart/ghostwriter/internal/stream"
)

const analyzerAgentID = "analyzer"

// defaultAnalyzerInstructions is used when no stored instructions exist
// for the analyzer agent.
const defaultAnalyzerInstructions = `You analyze e-commerce storefronts. Use the scrape_storefront tool to read the storefront pages, then respond ONLY with a JSON object of the form:
{"brandName": "...", "tone": "...", "audience": "...", "themes": ["..."], "productFocus": "...", "writingNotes": "..."}
Do not include any other text.`

// msgAIUnavailable is the fixed client-facing message for a missing API
// key.
const msgAIUnavailable = "AI service is not configured. Ask an administrator to set the API key."

type analyzeRequest struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
	Refresh   bool   `json:"refresh"`
}

// handleAnalyze streams a storefront analysis. Results are cached by URL
// for a week; a cache hit costs no upstream calls at all.
func (d *Deps) handleAnalyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.URL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}

	sse, closeStream, err := d.openStream(c)
	if err != nil {
		return err
	}
	defer closeStream()

	ctx, cancel := context.WithTimeout(c.Request().Context(), d.requestTimeout())
	defer cancel()

	fill := func(ctx context.Context) (json.RawMessage, error) {
		return d.runAnalysis(ctx, req, sse)
	}
	var (
		payload json.RawMessage
		cached  bool
	)
	if req.Refresh {
		payload, err = d.AnalysisCache.Refresh(ctx, req.URL, fill)
	} else {
		payload, cached, err = d.AnalysisCache.GetOrFill(ctx, req.URL, fill)
	}
	if err != nil {
		metrics.CacheReads.WithLabelValues("analysis", "failure").Inc()
		d.Logger.Printf("analysis of %s failed: %v", req.URL, err)
		sse.Error(clientMessage(err))
		return nil
	}
	if cached {
		metrics.CacheReads.WithLabelValues("analysis", "hit").Inc()
	} else {
		metrics.CacheReads.WithLabelValues("analysis", "miss").Inc()
	}
	sse.Result(payload, cached)
	return nil
}

// runAnalysis executes the full analysis ladder for one storefront and
// returns the extracted analysis JSON.
func (d *Deps) runAnalysis(ctx context.Context, req analyzeRequest, sse stream.Emitter) (json.RawMessage, error) {
	apiKey, err := d.Resolver.APIKey(ctx)
	if err != nil {
		return nil, err
	}
	spec, err := d.Resolver.Resolve(ctx, analyzerAgentID)
	if err != nil {
		return nil, err
	}
	if spec.Instructions == "" {
		spec.Instructions = defaultAnalyzerInstructions
	}
	if len(spec.ToolNames) == 0 {
		spec.ToolNames = []string{"scrape_storefront"}
	}

	sess, err := d.Sessions.EnsureSession(ctx, req.SessionID, d.Cfg.Scrape.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("preparing scrape session: %w", err)
	}
	traceID := uuid.NewString()
	tools := map[string]llm.Tool{
		"scrape_storefront": &scrapeTool{crawler: d.Crawler, session: sess},
	}
	inv := d.newInvoker(apiKey, tools)
	events := &analysisEvents{deps: d, sse: sse, traceID: traceID, sessionID: sess.ID()}

	sse.Status("Analyzing storefront " + req.URL)
	input := "Analyze the storefront at " + req.URL

	ladder := &retry.Ladder{
		Logger:     d.Logger,
		Label:      "analysis",
		MaxRetries: spec.MaxRetries,
		Primary: func(ctx context.Context, attempt int) (string, error) {
			kind := "primary"
			if attempt > 1 {
				kind = "retry"
				sse.Status("Retrying storefront analysis")
			}
			metrics.RetryAttempts.WithLabelValues("analysis", kind).Inc()
			d.Trace.AgentInput(traceID, sess.ID(), analyzerAgentID, input)
			return classifyGatewayError(inv.Invoke(ctx, spec, input, events))
		},
		FastPath: func(ctx context.Context) (string, error) {
			metrics.RetryAttempts.WithLabelValues("analysis", "fast_path").Inc()
			sse.Status("Retrying with already fetched pages")
			pages, perr := sess.Pages(ctx)
			if perr != nil {
				return "", perr
			}
			fastSpec := spec
			fastSpec.ToolNames = nil
			fastInput := fmt.Sprintf("Analyze this storefront based on the following page content.\n\n%s", renderPages(pages))
			d.Trace.AgentInput(traceID, sess.ID(), analyzerAgentID, fastInput)
			return classifyGatewayError(inv.Invoke(ctx, fastSpec, fastInput, events))
		},
		HasSideEffectData: func() bool {
			pages, perr := sess.Pages(ctx)
			if perr != nil {
				return false
			}
			for _, p := range pages {
				if strings.TrimSpace(p.Text) != "" {
					return true
				}
			}
			return false
		},
	}

	raw, err := ladder.Run(ctx)
	if err != nil {
		d.Trace.Error(traceID, sess.ID(), analyzerAgentID, err)
		return nil, err
	}
	d.Trace.AgentOutput(traceID, sess.ID(), analyzerAgentID, raw)

	analysis, err := extract.Extract(raw)
	if err != nil {
		// A parse failure on the same text cannot be retried away.
		d.Trace.Error(traceID, sess.ID(), analyzerAgentID, err)
		return nil, err
	}
	payload, err := json.Marshal(analysis)
	if err != nil {
		return nil, fmt.Errorf("serializing analysis: %w", err)
	}
	return payload, nil
}

// classifyGatewayError marks gateway rejections that retrying cannot fix
// as permanent, so the ladder gives up on them immediately.
func classifyGatewayError(out string, err error) (string, error) {
	var ge *llm.GatewayError
	if err != nil && errors.As(err, &ge) && !ge.Temporary() {
		return "", retry.Permanent(err)
	}
	return out, err
}

// analysisEvents forwards invoker activity to the client and trace log.
type analysisEvents struct {
	deps      *Deps
	sse       stream.Emitter
	traceID   string
	sessionID string
}

func (e *analysisEvents) TextDelta(agentID, delta string) {
	e.sse.AgentChunk(agentID, delta)
}

func (e *analysisEvents) ToolCall(agentID, tool string, args json.RawMessage) {
	e.sse.Status("Fetching storefront pages")
	e.sse.Debug(map[string]interface{}{"event": "tool-call", "tool": tool})
	e.deps.Trace.ToolCall(e.traceID, e.sessionID, agentID, tool, args)
}

func (e *analysisEvents) ToolResult(agentID, tool, result string, err error) {
	e.sse.Debug(map[string]interface{}{"event": "tool-result", "tool": tool, "bytes": len(result)})
	e.deps.Trace.ToolResult(e.traceID, e.sessionID, agentID, tool, result, err)
}

// clientMessage translates internal failures into short, non-technical
// messages. Full detail stays in the logs and trace records.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, agentcfg.ErrAIServiceUnavailable):
		return msgAIUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return "The operation took too long and was cancelled. Please try again."
	}
	var xerr *extract.ExtractionError
	if errors.As(err, &xerr) {
		return "The AI produced an unreadable result. Please try again."
	}
	if errors.Is(err, retry.ErrEmptyResult) {
		return "The AI returned an empty result. Please try again."
	}
	return "Something went wrong. Please try again."
}
