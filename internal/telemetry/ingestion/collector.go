// Package ingestion collects security log records from the inference service.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/lvonguyen/medguard/internal/backend"
)

const (
	logsPath   = "/api/logs"
	maxPerPage = 100
)

// Fetcher is the subset of backend.Client used by collectors.
type Fetcher interface {
	Get(ctx context.Context, path string, query url.Values) ([]byte, error)
	HealthCheck(ctx context.Context) error
}

// CollectorConfig holds configuration for the logs collector
type CollectorConfig struct {
	PerPage   int    `yaml:"per_page"`
	EventType string `yaml:"event_type"`
}

// LogsCollector fetches the newest page of security logs.
type LogsCollector struct {
	config  CollectorConfig
	fetcher Fetcher
}

// NewLogsCollector creates a new logs collector
func NewLogsCollector(cfg CollectorConfig, fetcher Fetcher) *LogsCollector {
	if cfg.PerPage <= 0 {
		cfg.PerPage = 50
	}
	if cfg.PerPage > maxPerPage {
		cfg.PerPage = maxPerPage
	}
	return &LogsCollector{config: cfg, fetcher: fetcher}
}

func (c *LogsCollector) Name() string { return "security-logs" }

// Collect returns the decoded body. A top-level {ok:false} object is a fetch
// failure; any other shape is handed on for normalization.
func (c *LogsCollector) Collect(ctx context.Context) (any, error) {
	query := url.Values{}
	query.Set("page", "1")
	query.Set("per_page", strconv.Itoa(c.config.PerPage))
	if c.config.EventType != "" {
		query.Set("event_type", c.config.EventType)
	}

	body, err := c.fetcher.Get(ctx, logsPath, query)
	if err != nil {
		return nil, fmt.Errorf("fetching security logs: %w", err)
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding security logs: %w", err)
	}

	if obj, ok := raw.(map[string]any); ok {
		if okFlag, present := obj["ok"].(bool); present && !okFlag {
			reason, _ := obj["error"].(string)
			return nil, fmt.Errorf("fetching security logs: %w", &backend.ServiceError{Status: 200, Reason: reason})
		}
	}

	return raw, nil
}

func (c *LogsCollector) HealthCheck(ctx context.Context) error {
	return c.fetcher.HealthCheck(ctx)
}
