package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is the graph-query collaborator boundary: it executes one
// parameterized query and returns records plus a raw summary. The collaborator
// rejects malformed or unparameterized text itself.
type Client interface {
	Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, string, error)
}

// Config controls graph client construction.
type Config struct {
	Mode string
	URL  string
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPClient(cfg.URL), nil
		}
		return NewMockClient(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("graph URL is required for http mode")
		}
		return NewHTTPClient(cfg.URL), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported graph mode %q", cfg.Mode)
	}
}

// HTTPClient forwards queries to a graph gateway endpoint.
type HTTPClient struct {
	url    string
	client *http.Client
}

func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type runRequest struct {
	Query  string         `json:"query"`
	Params map[string]any `json:"params"`
}

type runResponse struct {
	Records []map[string]any `json:"records"`
	Summary string           `json:"summary"`
}

func (c *HTTPClient) Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, string, error) {
	payload, err := json.Marshal(runRequest{Query: query, Params: params})
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, "", fmt.Errorf("graph http status %d: %s", res.StatusCode, string(body))
	}

	var parsed runResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, "", fmt.Errorf("decode response: %w", err)
	}
	return parsed.Records, parsed.Summary, nil
}

// MockClient returns deterministic local records when no graph collaborator is
// configured.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	default:
	}

	records := []map[string]any{
		{"id": "n-1", "label": "match", "query": summarize(query)},
	}
	for k, v := range params {
		records = append(records, map[string]any{"id": "p-" + k, "param": k, "value": fmt.Sprint(v)})
	}
	return records, fmt.Sprintf("%d records (mock)", len(records)), nil
}

func summarize(query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if len(q) > 60 {
		q = q[:57] + "..."
	}
	return q
}
