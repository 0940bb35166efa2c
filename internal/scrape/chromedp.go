package scrape

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
)

// ChromedpFetcher renders pages in a headless browser before extraction.
// Needed for storefronts that build their DOM client side.
type ChromedpFetcher struct {
	MaxChars int
}

func (f *ChromedpFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Page{}, fmt.Errorf("invalid url")
	}
	html, err := renderHTML(ctx, rawURL)
	if err != nil {
		return Page{}, fmt.Errorf("failed to render %s: %w", rawURL, err)
	}
	article, err := readability.FromReader(strings.NewReader(html), parseURL(rawURL))
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

func renderHTML(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}
