package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Bridge is the boundary to the pre-existing single-search HTTP endpoint. It
// runs a named stored search and is preferred over ad-hoc query text when a
// candidate names one.
type Bridge interface {
	RunSearch(ctx context.Context, searchName string, params map[string]any) ([]map[string]any, string, error)
}

// HTTPBridge calls the existing search service.
type HTTPBridge struct {
	baseURL string
	client  *http.Client
}

func NewHTTPBridge(baseURL string) *HTTPBridge {
	return &HTTPBridge{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type bridgeRequest struct {
	SearchName string         `json:"search_name"`
	Params     map[string]any `json:"params"`
}

type bridgeResponse struct {
	Result struct {
		Records []map[string]any `json:"records"`
		Summary string           `json:"summary"`
	} `json:"result"`
	APIStatus int `json:"api_status"`
}

func (b *HTTPBridge) RunSearch(ctx context.Context, searchName string, params map[string]any) ([]map[string]any, string, error) {
	payload, err := json.Marshal(bridgeRequest{SearchName: searchName, Params: params})
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/searches/run", bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, "", fmt.Errorf("bridge http status %d: %s", res.StatusCode, string(body))
	}

	var parsed bridgeResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.APIStatus < 200 || parsed.APIStatus >= 300 {
		return nil, "", fmt.Errorf("stored search %q reported status %d", searchName, parsed.APIStatus)
	}
	return parsed.Result.Records, parsed.Result.Summary, nil
}

// MockBridge serves stored searches locally when no bridge is configured.
type MockBridge struct{}

func NewMockBridge() *MockBridge { return &MockBridge{} }

func (b *MockBridge) RunSearch(ctx context.Context, searchName string, params map[string]any) ([]map[string]any, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	default:
	}

	record := map[string]any{"search": searchName}
	for k, v := range params {
		record[k] = v
	}
	return []map[string]any{record}, fmt.Sprintf("stored search %s (mock)", searchName), nil
}

// NewBridge picks the HTTP bridge when a URL is configured, otherwise the mock.
func NewBridge(baseURL string) Bridge {
	if strings.TrimSpace(baseURL) == "" {
		return NewMockBridge()
	}
	return NewHTTPBridge(baseURL)
}
