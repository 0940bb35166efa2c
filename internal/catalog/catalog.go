// Package catalog talks to the upstream product catalog API and
// normalizes its records into the shape the generation pipeline expects.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nimblecart/ghostwriter/config"
)

// Product is the normalized internal shape of one catalog record.
type Product struct {
	ExternalID  string   `json:"externalId"`
	Name        string   `json:"name"`
	Designer    string   `json:"designer"`
	Description string   `json:"description"`
	ImageURL    string   `json:"imageUrl"`
	StyleID     string   `json:"styleId"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
}

// rawProduct mirrors the upstream record loosely. The API is inconsistent
// about numeric versus string ids, so those fields decode as RawMessage
// and normalize afterwards.
type rawProduct struct {
	ID          json.RawMessage `json:"id"`
	Name        string          `json:"name"`
	Designer    string          `json:"designer"`
	Brand       string          `json:"brand"`
	Description string          `json:"description"`
	Image       string          `json:"image"`
	ImageURL    string          `json:"imageUrl"`
	StyleID     json.RawMessage `json:"styleId"`
	Category    string          `json:"category"`
	Tags        []string        `json:"tags"`
}

type pageResponse struct {
	Products []rawProduct `json:"products"`
	Total    int          `json:"total"`
}

// Client fetches catalog pages for one configured storefront app.
type Client struct {
	cfg        config.CatalogConfig
	httpClient *http.Client
}

func NewClient(cfg config.CatalogConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
}

// FetchPage retrieves one page of products starting at offset.
func (c *Client) FetchPage(ctx context.Context, limit, offset int) ([]Product, error) {
	params := url.Values{}
	params.Add("baseUrl", c.cfg.BaseURL)
	params.Add("type", c.cfg.Type)
	params.Add("app", c.cfg.App)
	params.Add("language", c.cfg.Language)
	params.Add("limit", strconv.Itoa(limit))
	params.Add("offset", strconv.Itoa(offset))

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog API returned status %d", resp.StatusCode)
	}

	var page pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode catalog page: %w", err)
	}
	products := make([]Product, 0, len(page.Products))
	for _, raw := range page.Products {
		products = append(products, mapProduct(raw))
	}
	return products, nil
}

// FetchAll walks the catalog page by page until a short page arrives.
func (c *Client) FetchAll(ctx context.Context) ([]Product, error) {
	pageSize := c.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	var all []Product
	for offset := 0; ; offset += pageSize {
		page, err := c.FetchPage(ctx, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("fetching catalog at offset %d: %w", offset, err)
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// mapProduct normalizes one upstream record. Missing designer falls back
// to the brand field; numeric ids become their decimal string.
func mapProduct(raw rawProduct) Product {
	p := Product{
		ExternalID:  rawID(raw.ID),
		Name:        strings.TrimSpace(raw.Name),
		Designer:    strings.TrimSpace(raw.Designer),
		Description: strings.TrimSpace(raw.Description),
		ImageURL:    raw.ImageURL,
		StyleID:     rawID(raw.StyleID),
		Category:    strings.TrimSpace(raw.Category),
		Tags:        raw.Tags,
	}
	if p.Designer == "" {
		p.Designer = strings.TrimSpace(raw.Brand)
	}
	if p.ImageURL == "" {
		p.ImageURL = raw.Image
	}
	return p
}

func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	return s
}
