package translate

import (
	"context"
	"strings"
)

// MockTranslator provides deterministic local candidates when no collaborator
// is configured. Its heuristics cover the common stored searches plus an
// ad-hoc fallback.
type MockTranslator struct{}

func NewMockTranslator() *MockTranslator { return &MockTranslator{} }

func (t *MockTranslator) Translate(ctx context.Context, text string, topK int) ([]Candidate, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	lowered := strings.ToLower(strings.TrimSpace(text))
	var candidates []Candidate

	if strings.Contains(lowered, "dispute") {
		candidates = append(candidates, Candidate{
			ID:      "stored:disputes_recent",
			Score:   0.92,
			Kind:    KindStored,
			Query:   "disputes_recent",
			Summary: "Recent disputes for a customer (stored search)",
		})
	}
	if strings.Contains(lowered, "high risk") || strings.Contains(lowered, "risk score") {
		candidates = append(candidates, Candidate{
			ID:      "graph:high_risk_scores",
			Score:   0.88,
			Kind:    KindGraph,
			Query:   "MATCH (c:Customer)-[r:HAS_RISK]->(s:Score) WHERE s.value > $min RETURN c, r, s ORDER BY s.value DESC",
			Summary: "Customers whose risk score exceeds a threshold",
		})
	}
	candidates = append(candidates, Candidate{
		ID:      "graph:text_fallback",
		Score:   0.5,
		Kind:    KindGraph,
		Query:   "MATCH (n) WHERE n.label CONTAINS $text RETURN n",
		Summary: "Generic label match for the request text",
	})

	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}
