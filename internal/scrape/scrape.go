// Package scrape fetches storefront pages and reduces them to readable
// text for the analysis agents.
package scrape

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimblecart/ghostwriter/config"
)

const (
	DefaultFetchTimeout = 15 * time.Second
	DefaultMaxChars     = 20000
	DefaultMaxPages     = 8
	DefaultConcurrency  = 4
)

// Page is one fetched storefront page reduced to its readable text.
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Fetcher retrieves a single page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// FetcherType selects the page retrieval strategy.
type FetcherType string

const (
	HTTPFetcherType     FetcherType = "http"
	ChromedpFetcherType FetcherType = "chromedp"
)

// NewFetcher builds the configured fetcher. The plain HTTP fetcher is the
// default; chromedp renders JavaScript-heavy storefronts at the cost of a
// headless browser per fetch.
func NewFetcher(cfg config.ScrapeConfig) (Fetcher, error) {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	switch FetcherType(cfg.Fetcher) {
	case HTTPFetcherType, "":
		return &HTTPFetcher{MaxChars: maxChars}, nil
	case ChromedpFetcherType:
		return &ChromedpFetcher{MaxChars: maxChars}, nil
	default:
		return nil, fmt.Errorf("unsupported fetcher type %q", cfg.Fetcher)
	}
}

// Crawler fans page fetches out over a bounded number of goroutines.
// MaxPages caps how many urls are attempted; Concurrency caps how many
// fetches run at once.
type Crawler struct {
	Fetcher      Fetcher
	MaxPages     int
	Concurrency  int
	FetchTimeout time.Duration
	Logger       *log.Logger
}

// Crawl fetches up to MaxPages of urls concurrently. Individual failures
// and empty pages are dropped; the error is non-nil only when not a
// single page survived. Results come back in input order.
func (c *Crawler) Crawl(ctx context.Context, urls []string) ([]Page, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no urls to crawl")
	}
	maxPages := c.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	if len(urls) > maxPages {
		urls = urls[:maxPages]
	}
	timeout := c.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	type indexed struct {
		idx  int
		page Page
	}
	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	results := make(chan indexed, len(urls))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(idx int, url string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			fctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			page, err := c.Fetcher.Fetch(fctx, url)
			if err != nil {
				if c.Logger != nil {
					c.Logger.Printf("fetch %s failed: %v", url, err)
				}
				return
			}
			if strings.TrimSpace(page.Text) == "" {
				return
			}
			results <- indexed{idx: idx, page: page}
		}(i, u)
	}
	wg.Wait()
	close(results)

	collected := make([]indexed, 0, len(urls))
	for r := range results {
		collected = append(collected, r)
	}
	if len(collected) == 0 {
		return nil, fmt.Errorf("all %d page fetches failed", len(urls))
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
	pages := make([]Page, len(collected))
	for i, r := range collected {
		pages[i] = r.page
	}
	return pages, nil
}
