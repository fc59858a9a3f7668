package translate

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

// HTTPTranslator forwards requests to the translation collaborator's HTTP
// endpoint.
type HTTPTranslator struct {
	url    string
	client *http.Client
}

func NewHTTPTranslator(url string) *HTTPTranslator {
	return &HTTPTranslator{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type translateRequest struct {
	NaturalLanguageQuery string `json:"natural_language_query"`
	TopK                 int    `json:"top_k"`
}

type translateMatch struct {
	Score   float64 `json:"score"`
	Query   string  `json:"query"`
	QueryID string  `json:"query_id"`
	Summary string  `json:"summary,omitempty"`
}

type translateResponse struct {
	Matches []translateMatch `json:"matches"`
	Summary string           `json:"summary"`
}

func (t *HTTPTranslator) Translate(ctx context.Context, text string, topK int) ([]Candidate, error) {
	payload, err := json.Marshal(translateRequest{NaturalLanguageQuery: text, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("translator http status %d: %s", res.StatusCode, string(body))
	}

	var parsed translateResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	candidates := make([]Candidate, 0, len(parsed.Matches))
	for _, m := range parsed.Matches {
		summary := strings.TrimSpace(m.Summary)
		if summary == "" {
			summary = summarizeQuery(m.Query)
		}
		candidates = append(candidates, Candidate{
			ID:      m.QueryID,
			Score:   m.Score,
			Kind:    kindFromID(m.QueryID),
			Query:   m.Query,
			Summary: summary,
		})
	}
	return candidates, nil
}

// summarizeQuery produces a short human-readable description when the
// collaborator supplies none.
func summarizeQuery(query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if len(q) > 80 {
		q = q[:77] + "..."
	}
	return q
}
