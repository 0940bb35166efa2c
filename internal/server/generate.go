package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nimblecart/ghostwriter/internal/agentcfg"
	"github.com/nimblecart/ghostwriter/internal/catalog"
	"github.com/nimblecart/ghostwriter/internal/llm"
	"github.com/nimblecart/ghostwriter/internal/metrics"
	"github.com/nimblecart/ghostwriter/internal/pipeline"
	"github.com/nimblecart/ghostwriter/internal/stream"
)

const defaultWriterInstructions = `You are a blog writer for an online store. Write an engaging, well-structured blog post in Markdown about the given topic, weaving in the provided products naturally.`

const reviewerSuffix = `

After the post body, append two blocks exactly in this form:
<!--meta {"title": "...", "description": "...", "tags": ["..."]} meta-->
<!--review {"approved": true, "score": 0, "notes": "..."} review-->`

type generateRequest struct {
	Topic         string   `json:"topic"`
	StorefrontURL string   `json:"storefrontUrl"`
	Keywords      []string `json:"keywords"`
	ProductIDs    []string `json:"productIds"`
	SessionID     string   `json:"sessionId"`
}

type generateResult struct {
	Body     string                 `json:"body"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
	Review   map[string]interface{} `json:"review,omitempty"`
	Products []catalog.Product      `json:"products,omitempty"`
}

// handleGenerate streams a full post generation run. Generation output
// depends on per-request instructions, so it is never cached.
func (d *Deps) handleGenerate(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Topic) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic is required")
	}

	sse, closeStream, err := d.openStream(c)
	if err != nil {
		return err
	}
	defer closeStream()

	ctx, cancel := context.WithTimeout(c.Request().Context(), d.requestTimeout())
	defer cancel()

	result, err := d.runGeneration(ctx, req, sse)
	if err != nil {
		d.Logger.Printf("generation for topic %q failed: %v", req.Topic, err)
		sse.Error(clientMessage(err))
		return nil
	}
	sse.Result(result, false)
	return nil
}

func (d *Deps) runGeneration(ctx context.Context, req generateRequest, sse stream.Emitter) (*generateResult, error) {
	apiKey, err := d.Resolver.APIKey(ctx)
	if err != nil {
		return nil, err
	}

	sse.Status("Selecting products")
	products, err := d.selectProducts(ctx, req)
	if err != nil {
		// Generation still works without products, just less grounded.
		d.Logger.Printf("product selection failed: %v", err)
		sse.Debug(map[string]interface{}{"event": "product-selection-failed", "error": err.Error()})
	}

	brandVoice := d.brandVoice(ctx, req.StorefrontURL)
	traceID := uuid.NewString()

	inv := d.newInvoker(apiKey, map[string]llm.Tool{
		"lookup_products": &catalogTool{products: d.Products},
	})
	orch := &pipeline.Orchestrator{
		Resolver: d.Resolver,
		Invoker:  inv,
		Trace:    d.Trace,
		Logger:   d.Logger,
	}

	sse.Status("Generating post")
	out, err := orch.Execute(ctx, pipeline.Run{
		Pipeline:  "blog",
		TraceID:   traceID,
		SessionID: req.SessionID,
		Stages:    pipeline.BlogStages(),
		Input:     buildWriterInput(req, products),
		Decorate: func(stage pipeline.Stage, spec agentcfg.AgentSpec) agentcfg.AgentSpec {
			if stage.ID == "writer" {
				if spec.Instructions == "" {
					spec.Instructions = defaultWriterInstructions
				}
				if brandVoice != "" {
					spec.Instructions += "\n\nBrand voice notes:\n" + brandVoice
				}
			}
			if stage.ID == "reviewer" {
				spec.Instructions += reviewerSuffix
			}
			return spec
		},
	}, sse)
	if err != nil {
		return nil, err
	}

	parsed := pipeline.ParseResult(out)
	return &generateResult{
		Body:     parsed.Body,
		Meta:     parsed.Meta,
		Review:   parsed.Review,
		Products: products,
	}, nil
}

// selectProducts picks the products the post should feature: explicit
// ids when given, otherwise a keyword search over the catalog index.
func (d *Deps) selectProducts(ctx context.Context, req generateRequest) ([]catalog.Product, error) {
	if err := d.ensureCatalog(ctx); err != nil {
		return nil, err
	}
	if len(req.ProductIDs) > 0 {
		var out []catalog.Product
		for _, id := range req.ProductIDs {
			if p, ok := d.Products.Get(id); ok {
				out = append(out, p)
			}
		}
		return out, nil
	}
	query := req.Topic
	if len(req.Keywords) > 0 {
		query += " " + strings.Join(req.Keywords, " ")
	}
	return d.Products.Search(query, 4)
}

// ensureCatalog lazily loads the product index. The durable cache holds
// one entry per external product id; a full upstream walk happens only
// when no cached products exist at all, and its results are batch-
// upserted back per id.
func (d *Deps) ensureCatalog(ctx context.Context) error {
	if d.Products.Len() > 0 {
		return nil
	}
	payloads, err := d.CatalogCache.List(ctx)
	if err != nil {
		return err
	}
	var products []catalog.Product
	if len(payloads) > 0 {
		metrics.CacheReads.WithLabelValues("catalog", "hit").Inc()
		for _, raw := range payloads {
			var p catalog.Product
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decoding cached product: %w", err)
			}
			products = append(products, p)
		}
	} else {
		if d.Cfg.Catalog.BaseURL == "" {
			return fmt.Errorf("catalog is not configured")
		}
		metrics.CacheReads.WithLabelValues("catalog", "miss").Inc()
		products, err = d.Catalog.FetchAll(ctx)
		if err != nil {
			return err
		}
		entries := make(map[string]json.RawMessage, len(products))
		for _, p := range products {
			if p.ExternalID == "" {
				continue
			}
			b, merr := json.Marshal(p)
			if merr != nil {
				return fmt.Errorf("serializing product %s: %w", p.ExternalID, merr)
			}
			entries[p.ExternalID] = b
		}
		if err := d.CatalogCache.PutBatch(ctx, entries); err != nil {
			return err
		}
	}
	return d.Products.Load(products)
}

// brandVoice returns the live cached storefront analysis for url, if
// any. The read goes through the TTL cache so an expired analysis is a
// miss here exactly as it is for the analyze endpoint. Analysis is never
// computed here; generation should not block on a scrape.
func (d *Deps) brandVoice(ctx context.Context, url string) string {
	if url == "" {
		return ""
	}
	payload, found, err := d.AnalysisCache.Get(ctx, url)
	if err != nil {
		d.Logger.Printf("reading brand voice for %s: %v", url, err)
		return ""
	}
	if !found {
		return ""
	}
	return string(payload)
}

func buildWriterInput(req generateRequest, products []catalog.Product) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", req.Topic)
	if len(req.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(req.Keywords, ", "))
	}
	if len(products) > 0 {
		b.WriteString("\nProducts to feature:\n")
		for _, p := range products {
			fmt.Fprintf(&b, "- %s", p.Name)
			if p.Designer != "" {
				fmt.Fprintf(&b, " by %s", p.Designer)
			}
			if p.Description != "" {
				fmt.Fprintf(&b, ": %s", p.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
