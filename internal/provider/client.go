// Package provider implements the upstream market-data HTTP client consumed
// by the plugin catalog.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/collector/internal/plugin"
)

// Client talks to the data provider's JSON-RPC style endpoint: one POST per
// fetch naming the api, the auth token and the query params. The response
// carries columnar data (field names plus item rows) which is pivoted into
// plugin rows here.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// New creates a provider client.
func New(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: log.With().Str("component", "provider").Logger(),
	}
}

type request struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params,omitempty"`
}

type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fields []string `json:"fields"`
		Items  [][]any  `json:"items"`
	} `json:"data"`
}

// Fetch performs one upstream call and returns the result as rows.
func (c *Client) Fetch(ctx context.Context, api string, params map[string]string) ([]plugin.Row, error) {
	payload, err := json.Marshal(request{APIName: api, Token: c.token, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request for %s: %w", api, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", api, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", api, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", api, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned HTTP %d: %s", api, resp.StatusCode, truncate(body, 200))
	}

	var parsed response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", api, err)
	}
	if parsed.Code != 0 {
		return nil, fmt.Errorf("%s failed upstream (code %d): %s", api, parsed.Code, parsed.Msg)
	}

	rows := pivot(parsed.Data.Fields, parsed.Data.Items)
	c.log.Debug().Str("api", api).Int("rows", len(rows)).Msg("Fetched upstream data")
	return rows, nil
}

// pivot turns columnar (fields, items) data into one map per row. Items
// shorter than the field list are padded with nil.
func pivot(fields []string, items [][]any) []plugin.Row {
	rows := make([]plugin.Row, 0, len(items))
	for _, item := range items {
		row := make(plugin.Row, len(fields))
		for i, field := range fields {
			if i < len(item) {
				row[field] = item[i]
			} else {
				row[field] = nil
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
