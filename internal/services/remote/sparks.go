package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/inkwell-go/pkg/logger"
)

// SparkRecord is one row of an external spark export.
type SparkRecord struct {
	UID        string   `json:"uid"`
	Content    string   `json:"content"`
	Categories []string `json:"categories"`
	Tags       []string `json:"tags"`
}

// SparkImportClient fetches spark exports from a tenant-configured
// endpoint. The endpoint speaks the same cursor pagination as the
// Readwise API but lives at an arbitrary per-tenant URL.
type SparkImportClient struct {
	cfg    Config
	logger logger.Logger
}

func NewSparkImportClient(cfg Config, log logger.Logger) *SparkImportClient {
	return &SparkImportClient{cfg: cfg, logger: log}
}

// FetchAll pulls every page of the export.
func (c *SparkImportClient) FetchAll(ctx context.Context, url, token string) ([]SparkRecord, error) {
	cfg := c.cfg
	cfg.BaseURL = url
	client := NewClient(cfg, token, c.logger)

	raw, err := client.FetchAllPages(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spark export: %w", err)
	}

	records := make([]SparkRecord, 0, len(raw))
	for _, item := range raw {
		var record SparkRecord
		if err := json.Unmarshal(item, &record); err != nil {
			return nil, fmt.Errorf("failed to decode spark record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}
