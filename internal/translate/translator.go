package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CandidateKind tells the executor how to run a candidate.
type CandidateKind string

const (
	// KindGraph is ad-hoc parameterized graph query text.
	KindGraph CandidateKind = "graph"
	// KindStored names a pre-existing stored search served by the bridge.
	KindStored CandidateKind = "stored"
)

// Candidate is a ranked, unexecuted query suggestion. Ephemeral: it lives for
// one clarification exchange and is never persisted; only the chosen
// candidate's ID ends up in turn metadata.
type Candidate struct {
	ID      string        `json:"candidate_id"`
	Score   float64       `json:"score"`
	Kind    CandidateKind `json:"kind"`
	Query   string        `json:"query"`
	Summary string        `json:"summary"`
}

// Translator is the natural-language-to-query collaborator boundary. It ranks
// candidate queries and must not execute anything itself.
type Translator interface {
	Translate(ctx context.Context, text string, topK int) ([]Candidate, error)
}

// Config controls translator construction.
type Config struct {
	Mode string
	URL  string
}

func NewTranslator(cfg Config) (Translator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPTranslator(cfg.URL), nil
		}
		return NewMockTranslator(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("translator URL is required for http mode")
		}
		return NewHTTPTranslator(cfg.URL), nil
	case "mock":
		return NewMockTranslator(), nil
	default:
		return nil, fmt.Errorf("unsupported translator mode %q", cfg.Mode)
	}
}

// kindFromID maps the collaborator's candidate id prefix to a kind.
func kindFromID(id string) CandidateKind {
	if strings.HasPrefix(id, "stored:") {
		return KindStored
	}
	return KindGraph
}
