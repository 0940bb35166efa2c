package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nimblecart/ghostwriter/config"
	"github.com/nimblecart/ghostwriter/internal/agentcfg"
	"github.com/nimblecart/ghostwriter/internal/cache"
	"github.com/nimblecart/ghostwriter/internal/catalog"
	"github.com/nimblecart/ghostwriter/internal/metrics"
	"github.com/nimblecart/ghostwriter/internal/scrape"
	"github.com/nimblecart/ghostwriter/internal/scrape/session"
	"github.com/nimblecart/ghostwriter/internal/store"
	"github.com/nimblecart/ghostwriter/internal/trace"
)

type fakeCacheBackend struct {
	entries map[string]store.CacheEntry
}

func (f *fakeCacheBackend) GetCacheEntry(ctx context.Context, key string) (store.CacheEntry, error) {
	e, ok := f.entries[key]
	if !ok {
		return store.CacheEntry{}, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeCacheBackend) UpsertCacheEntry(ctx context.Context, entry store.CacheEntry) error {
	f.entries[entry.Key] = entry
	return nil
}

func (f *fakeCacheBackend) UpsertCacheEntries(ctx context.Context, entries []store.CacheEntry) error {
	for _, e := range entries {
		f.entries[e.Key] = e
	}
	return nil
}

func (f *fakeCacheBackend) ListCacheEntriesByPrefix(ctx context.Context, prefix string) ([]store.CacheEntry, error) {
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]store.CacheEntry, len(keys))
	for i, k := range keys {
		out[i] = f.entries[k]
	}
	return out, nil
}

type fakeConfigSource struct {
	apiKey string
}

func (f *fakeConfigSource) ListAgentConfigs(ctx context.Context) ([]store.AgentConfig, error) {
	return nil, nil
}

func (f *fakeConfigSource) GetSetting(ctx context.Context, key string) (string, error) {
	if f.apiKey == "" {
		return "", store.ErrNotFound
	}
	return f.apiKey, nil
}

func testConfig(gatewayURL string) *config.Config {
	return &config.Config{
		General: config.GeneralConfig{DefaultTimeout: 30 * time.Second},
		LLM: config.LLMConfig{
			BaseURL:          gatewayURL,
			Timeout:          10 * time.Second,
			DefaultModel:     "gpt-4o-mini",
			DefaultMaxTokens: 2048,
		},
		Agents: config.AgentsConfig{MaxRetries: 2, MaxToolRounds: 3},
		Scrape: config.ScrapeConfig{MaxPages: 8, FetchTimeout: 5 * time.Second, SessionTTL: time.Minute},
	}
}

func testDeps(cfg *config.Config, apiKey string) (*Deps, *fakeCacheBackend) {
	backend := &fakeCacheBackend{entries: map[string]store.CacheEntry{}}
	logger := log.New(log.Writer(), "[TEST] ", log.LstdFlags)
	return &Deps{
		Cfg:           cfg,
		Resolver:      agentcfg.NewResolver(&fakeConfigSource{apiKey: apiKey}, cfg.LLM, cfg.Agents.MaxRetries),
		Crawler:       &scrape.Crawler{Fetcher: &scrape.HTTPFetcher{}, MaxPages: cfg.Scrape.MaxPages},
		Sessions:      session.NewMemoryStore(),
		Catalog:       catalog.NewClient(cfg.Catalog),
		AnalysisCache: cache.NewTTL(backend, cache.PrefixAnalysis, cache.AnalysisTTL),
		CatalogCache:  cache.NewDurable(backend, cache.PrefixCatalog),
		Trace:         trace.NewRecorder(nil, nil),
		Logger:        logger,
	}, backend
}

func postSSE(t *testing.T, d *Deps, path string, body string, handler echo.HandlerFunc) []map[string]interface{} {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	var events []map[string]interface{}
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]interface{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func lastEvent(t *testing.T, events []map[string]interface{}) map[string]interface{} {
	t.Helper()
	if len(events) == 0 {
		t.Fatalf("no events emitted")
	}
	return events[len(events)-1]
}

func TestAnalyzeToolRoundTripAndCaching(t *testing.T) {
	storefront := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Nimble Shop</title></head><body><article><p>Handmade ceramics and linen goods for slow living at home.</p></article></body></html>`)
	}))
	defer storefront.Close()

	var gatewayCalls int32
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&gatewayCalls, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		if n == 1 {
			args := fmt.Sprintf(`{\"urls\":[\"%s\"]}`, storefront.URL)
			fmt.Fprintf(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"scrape_storefront","arguments":"%s"}}]},"finish_reason":"tool_calls"}]}`+"\n\n", args)
		} else {
			fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"{\"brandName\":\"Nimble\",\"tone\":\"warm\"}"},"finish_reason":"stop"}]}`+"\n\n")
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer gateway.Close()

	d, backend := testDeps(testConfig(gateway.URL), "sk-test")
	body := fmt.Sprintf(`{"url":%q}`, storefront.URL)

	events := postSSE(t, d, "/api/storefront/analyze", body, d.handleAnalyze)
	final := lastEvent(t, events)
	if final["type"] != "result" {
		t.Fatalf("final event = %v", final)
	}
	if final["cached"] != false {
		t.Fatalf("first run must not be cached: %v", final)
	}
	result := final["result"].(map[string]interface{})
	if result["brandName"] != "Nimble" {
		t.Fatalf("result = %v", result)
	}
	if len(backend.entries) != 1 {
		t.Fatalf("analysis not cached: %v", backend.entries)
	}

	// Second request must hit the cache without touching the gateway.
	before := atomic.LoadInt32(&gatewayCalls)
	events = postSSE(t, d, "/api/storefront/analyze", body, d.handleAnalyze)
	final = lastEvent(t, events)
	if final["cached"] != true {
		t.Fatalf("second run must be cached: %v", final)
	}
	if atomic.LoadInt32(&gatewayCalls) != before {
		t.Fatalf("cache hit still called the gateway")
	}
}

func TestAnalyzeFastPathReusesScrapedPages(t *testing.T) {
	var storefrontHits int32
	storefront := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&storefrontHits, 1)
		fmt.Fprint(w, `<html><head><title>Nimble Shop</title></head><body><article><p>Handmade ceramics and linen goods for slow living at home.</p></article></body></html>`)
	}))
	defer storefront.Close()

	// Call 1: model scrapes. Call 2: model returns nothing, failing the
	// primary attempt after the pages were already fetched. Call 3: the
	// fast path reuses the session pages and succeeds.
	var gatewayCalls int32
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&gatewayCalls, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		switch n {
		case 1:
			args := fmt.Sprintf(`{\"urls\":[\"%s\"]}`, storefront.URL)
			fmt.Fprintf(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"scrape_storefront","arguments":"%s"}}]},"finish_reason":"tool_calls"}]}`+"\n\n", args)
		case 2:
			fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"   "},"finish_reason":"stop"}]}`+"\n\n")
		default:
			fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"{\"brandName\":\"Nimble\"}"},"finish_reason":"stop"}]}`+"\n\n")
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer gateway.Close()

	d, _ := testDeps(testConfig(gateway.URL), "sk-test")
	body := fmt.Sprintf(`{"url":%q}`, storefront.URL)

	events := postSSE(t, d, "/api/storefront/analyze", body, d.handleAnalyze)
	final := lastEvent(t, events)
	if final["type"] != "result" {
		t.Fatalf("final event = %v", final)
	}
	if got := atomic.LoadInt32(&storefrontHits); got != 1 {
		t.Fatalf("fast path refetched pages: %d storefront hits", got)
	}
	if got := atomic.LoadInt32(&gatewayCalls); got != 3 {
		t.Fatalf("gateway calls = %d", got)
	}
}

func TestAnalyzeMissingAPIKey(t *testing.T) {
	d, _ := testDeps(testConfig("http://gateway.invalid"), "")

	events := postSSE(t, d, "/api/storefront/analyze", `{"url":"https://shop.example"}`, d.handleAnalyze)
	final := lastEvent(t, events)
	if final["type"] != "error" {
		t.Fatalf("final event = %v", final)
	}
	if final["message"] != msgAIUnavailable {
		t.Fatalf("message = %v", final["message"])
	}
}

func TestAnalyzeMissingURL(t *testing.T) {
	d, _ := testDeps(testConfig("http://gateway.invalid"), "sk-test")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/storefront/analyze", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := d.handleAnalyze(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestAnalyzeExtractionFailureIsTerminal(t *testing.T) {
	// Gateway always answers with prose containing no JSON. The ladder
	// succeeds at the transport level, so extraction fails exactly once;
	// no retries fire for a parse failure.
	var gatewayCalls int32
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&gatewayCalls, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"I cannot comply with that."},"finish_reason":"stop"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer gateway.Close()

	d, backend := testDeps(testConfig(gateway.URL), "sk-test")
	failBefore := testutil.ToFloat64(metrics.CacheReads.WithLabelValues("analysis", "failure"))
	missBefore := testutil.ToFloat64(metrics.CacheReads.WithLabelValues("analysis", "miss"))

	events := postSSE(t, d, "/api/storefront/analyze", `{"url":"https://shop.example"}`, d.handleAnalyze)
	final := lastEvent(t, events)
	if final["type"] != "error" {
		t.Fatalf("final event = %v", final)
	}
	if got := atomic.LoadInt32(&gatewayCalls); got != 1 {
		t.Fatalf("extraction failure retried: %d gateway calls", got)
	}
	if len(backend.entries) != 0 {
		t.Fatalf("failed analysis must not be cached")
	}

	// Failures count as failures, not cache misses.
	if got := testutil.ToFloat64(metrics.CacheReads.WithLabelValues("analysis", "failure")) - failBefore; got != 1 {
		t.Fatalf("failure reads delta = %v", got)
	}
	if got := testutil.ToFloat64(metrics.CacheReads.WithLabelValues("analysis", "miss")) - missBefore; got != 0 {
		t.Fatalf("miss reads delta = %v", got)
	}
}
