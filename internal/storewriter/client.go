package storewriter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quantfold/tradecore/internal/domain"
)

// queryRetries bounds how many times an idempotent read is retried. Writes
// are never retried here: a failed Execute has an unknown outcome and the
// caller decides how to reconcile.
const queryRetries = 2

// ClientConfig holds connection settings for the write proxy.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements domain.StoreWriter against a storewriterd instance.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// NewClient creates a proxy client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Execute runs one parameterized write statement and returns rows affected.
func (c *Client) Execute(ctx context.Context, sql string, params []any) (int64, error) {
	var resp executeResponse
	err := c.post(ctx, "/v1/execute", sqlRequest{SQL: sql, Params: params}, &resp)
	if err != nil {
		return 0, fmt.Errorf("storewriter: execute: %w", err)
	}
	return resp.RowsAffected, nil
}

// Query runs one parameterized read statement. Reads are retried on
// transport failure since they are idempotent.
func (c *Client) Query(ctx context.Context, sql string, params []any) ([]map[string]any, error) {
	var resp queryResponse
	var err error
	for attempt := 0; attempt <= queryRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("storewriter: query: %w", ctx.Err())
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		err = c.post(ctx, "/v1/query", sqlRequest{SQL: sql, Params: params}, &resp)
		if err == nil {
			return resp.Rows, nil
		}
	}
	return nil, fmt.Errorf("storewriter: query: %w", err)
}

// UpsertBatch writes rows to one of the allowed tables, keyed on that
// table's conflict key. Batches are idempotent so callers may replay them.
func (c *Client) UpsertBatch(ctx context.Context, table string, rows []map[string]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var resp executeResponse
	err := c.post(ctx, "/v1/upsert/"+table, upsertRequest{Rows: rows}, &resp)
	if err != nil {
		if strings.Contains(err.Error(), "unknown table") {
			return 0, fmt.Errorf("storewriter: upsert %s: %w", table, domain.ErrUnknownTable)
		}
		return 0, fmt.Errorf("storewriter: upsert %s: %w", table, err)
	}
	return resp.RowsAffected, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, errBody.Error)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ domain.StoreWriter = (*Client)(nil)
