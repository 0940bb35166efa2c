package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nimblecart/ghostwriter/internal/agentcfg"
	"github.com/nimblecart/ghostwriter/internal/cache"
	"github.com/nimblecart/ghostwriter/internal/store"
)

func (d *Deps) handleListAgents(c echo.Context) error {
	configs, err := d.Store.ListAgentConfigs(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list agents")
	}
	return c.JSON(http.StatusOK, configs)
}

func (d *Deps) handleGetAgent(c echo.Context) error {
	cfg, err := d.Store.GetAgentConfig(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "agent not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load agent")
	}
	return c.JSON(http.StatusOK, cfg)
}

type putAgentRequest struct {
	ModelID      string   `json:"modelId"`
	Temperature  float64  `json:"temperature"`
	MaxTokens    int      `json:"maxTokens"`
	Instructions string   `json:"instructions"`
	ToolNames    []string `json:"toolNames"`
	MaxRetries   int      `json:"maxRetries"`
}

func (d *Deps) handlePutAgent(c echo.Context) error {
	agentID := c.Param("id")
	var req putAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.MaxRetries < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "maxRetries must not be negative")
	}
	err := d.Store.UpsertAgentConfig(c.Request().Context(), store.AgentConfig{
		AgentID:      agentID,
		ModelID:      req.ModelID,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		Instructions: req.Instructions,
		ToolNames:    req.ToolNames,
		MaxRetries:   req.MaxRetries,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save agent")
	}
	// Writes become visible immediately, not at snapshot expiry.
	d.Resolver.Invalidate()
	return c.JSON(http.StatusOK, map[string]string{"status": "saved"})
}

type putAPIKeyRequest struct {
	APIKey string `json:"apiKey"`
}

func (d *Deps) handlePutAPIKey(c echo.Context) error {
	var req putAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.APIKey) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "apiKey is required")
	}
	if err := d.Store.PutSetting(c.Request().Context(), agentcfg.SettingAPIKey, req.APIKey); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save api key")
	}
	d.Resolver.Invalidate()
	return c.JSON(http.StatusOK, map[string]string{"status": "saved"})
}

type purgeCacheRequest struct {
	Scope string `json:"scope"` // analysis, catalog, or all
}

func (d *Deps) handlePurgeCache(c echo.Context) error {
	var req purgeCacheRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	var (
		purged int64
		err    error
	)
	switch req.Scope {
	case "analysis":
		purged, err = d.Store.PurgeCacheByPrefix(ctx, cache.PrefixAnalysis)
	case "catalog":
		purged, err = d.Store.PurgeCacheByPrefix(ctx, cache.PrefixCatalog)
	case "all", "":
		purged, err = d.Store.PurgeCacheAll(ctx)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown scope")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to purge cache")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"purged": purged})
}

func (d *Deps) handleListTraces(c echo.Context) error {
	events, err := d.Store.ListTraceEventsBySession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list traces")
	}
	return c.JSON(http.StatusOK, events)
}
