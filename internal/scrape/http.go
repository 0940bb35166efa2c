package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"
)

const userAgent = "GhostwriterBot/1.0 (+https://nimblecart.example/bot)"

// HTTPFetcher retrieves pages with a plain GET and strips them down to
// readable text. Sufficient for server-rendered storefronts.
type HTTPFetcher struct {
	Client   *http.Client
	MaxChars int
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Page{}, fmt.Errorf("invalid url")
	}
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("fetch %s returned status %d", rawURL, resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parseURL(rawURL))
	if err != nil {
		return Page{}, fmt.Errorf("failed to extract readable content from %s: %w", rawURL, err)
	}
	text := article.TextContent
	if f.MaxChars > 0 && len(text) > f.MaxChars {
		text = text[:f.MaxChars]
	}
	return Page{
		URL:   rawURL,
		Title: strings.TrimSpace(article.Title),
		Text:  strings.TrimSpace(text),
	}, nil
}

func parseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
