package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nimblecart/ghostwriter/internal/catalog"
	"github.com/nimblecart/ghostwriter/internal/metrics"
	"github.com/nimblecart/ghostwriter/internal/scrape"
	"github.com/nimblecart/ghostwriter/internal/scrape/session"
)

// scrapeTool lets the model fetch storefront pages. Fetched pages are
// also written to the request's session so a later fast-path retry can
// reuse them without refetching.
type scrapeTool struct {
	crawler *scrape.Crawler
	session session.Session
}

func (t *scrapeTool) Name() string { return "scrape_storefront" }

func (t *scrapeTool) Description() string {
	return "Fetches the given storefront page URLs and returns their readable text content."
}

func (t *scrapeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"urls": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Absolute page URLs to fetch.",
			},
		},
		"required": []string{"urls"},
	}
}

func (t *scrapeTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		URLs []string `json:"urls"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid scrape arguments: %w", err)
	}
	pages, err := t.crawler.Crawl(ctx, params.URLs)
	if err != nil {
		metrics.ScrapeFetches.WithLabelValues("failure").Inc()
		return "", err
	}
	metrics.ScrapeFetches.WithLabelValues("success").Add(float64(len(pages)))
	if t.session != nil {
		if serr := t.session.AddPages(ctx, pages); serr != nil {
			// Losing the session only costs a refetch on the fast path.
			metrics.ScrapeFetches.WithLabelValues("session_write_failure").Inc()
		}
	}
	return renderPages(pages), nil
}

// renderPages flattens fetched pages into one prompt-friendly block.
func renderPages(pages []scrape.Page) string {
	var b strings.Builder
	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&b, "URL: %s\nTitle: %s\n\n%s", p.URL, p.Title, p.Text)
	}
	return b.String()
}

// catalogTool lets the model look up products from the loaded catalog.
type catalogTool struct {
	products *catalog.Index
}

func (t *catalogTool) Name() string { return "lookup_products" }

func (t *catalogTool) Description() string {
	return "Searches the product catalog by keywords and returns matching products."
}

func (t *catalogTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Free-text search over product names, descriptions, and tags.",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of products to return.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *catalogTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid lookup arguments: %w", err)
	}
	if params.Limit <= 0 {
		params.Limit = 5
	}
	if params.Limit > 20 {
		params.Limit = 20
	}
	hits, err := t.products.Search(params.Query, params.Limit)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(hits)
	if err != nil {
		return "", fmt.Errorf("serializing products: %w", err)
	}
	return string(data), nil
}
