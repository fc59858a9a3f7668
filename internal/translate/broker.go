package translate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/matteoluc/spindle/internal/fault"
)

const (
	cacheTTL        = 60 * time.Second
	cacheMaxEntries = 1 << 12
)

// Broker wraps the translation collaborator. It produces a bounded, ranked
// candidate list and holds no reference to anything that could execute one:
// execution lives behind the graph executor, reachable only through the
// orchestrator after explicit selection.
type Broker struct {
	translator Translator
	maxTopK    int
	timeout    time.Duration
	cache      *ristretto.Cache
}

func NewBroker(translator Translator, maxTopK int, timeout time.Duration) (*Broker, error) {
	if maxTopK <= 0 {
		maxTopK = 5
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheMaxEntries * 10,
		MaxCost:     cacheMaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init candidate cache: %w", err)
	}
	return &Broker{
		translator: translator,
		maxTopK:    maxTopK,
		timeout:    timeout,
		cache:      cache,
	}, nil
}

// Candidates returns up to topK candidates ordered by descending score. Ties
// keep the collaborator's order. topK is clamped to the configured maximum
// regardless of what the caller asks for.
func (b *Broker) Candidates(ctx context.Context, text string, topK int) ([]Candidate, error) {
	if topK <= 0 {
		topK = 1
	}
	if topK > b.maxTopK {
		topK = b.maxTopK
	}

	key := strconv.Itoa(topK) + "|" + text
	if cached, ok := b.cache.Get(key); ok {
		if candidates, ok := cached.([]Candidate); ok {
			return candidates, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	raw, err := b.translator.Translate(ctx, text, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrTranslationUnavailable, err)
	}

	candidates := make([]Candidate, len(raw))
	copy(candidates, raw)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	b.cache.SetWithTTL(key, candidates, 1, cacheTTL)
	return candidates, nil
}
