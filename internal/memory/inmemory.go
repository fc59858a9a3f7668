package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// InMemoryBackend is a simple in-process backend for local/dev use and tests.
type InMemoryBackend struct {
	mu    sync.RWMutex
	turns map[string][]Turn
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{turns: make(map[string][]Turn)}
}

func (b *InMemoryBackend) Name() string { return "inmemory" }

func (b *InMemoryBackend) AppendExchange(_ context.Context, ex Exchange) (Turn, Turn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := ex.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	last := 0
	if existing := b.turns[ex.SessionID]; len(existing) > 0 {
		last = existing[len(existing)-1].TurnNumber
	}

	user := Turn{
		SessionID:  ex.SessionID,
		TurnNumber: last + 1,
		Speaker:    SpeakerUser,
		Text:       ex.UserText,
		Timestamp:  ts,
		Metadata:   cloneMetadata(ex.Metadata),
	}
	assistant := Turn{
		SessionID:  ex.SessionID,
		TurnNumber: last + 2,
		Speaker:    SpeakerAssistant,
		Text:       ex.AssistantText,
		Timestamp:  ts,
		Metadata:   cloneMetadata(ex.Metadata),
	}
	b.turns[ex.SessionID] = append(b.turns[ex.SessionID], user, assistant)
	return user, assistant, nil
}

func (b *InMemoryBackend) Query(_ context.Context, sessionID, filter string, limit int) ([]Turn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(filter)
	arr := b.turns[sessionID]
	out := make([]Turn, 0, limit)
	for i := len(arr) - 1; i >= 0 && len(out) < limit; i-- {
		t := arr[i]
		if needle == "" ||
			strings.Contains(strings.ToLower(t.Text), needle) ||
			strings.Contains(strings.ToLower(t.Speaker), needle) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (b *InMemoryBackend) ExportBatch(_ context.Context, cursor Cursor, limit int) ([]Turn, Cursor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	sessions := make([]string, 0, len(b.turns))
	for id := range b.turns {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)

	afterSession := cursor["session_id"]
	afterTurn := 0
	if v, ok := cursor["turn_number"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid export cursor: %w", err)
		}
		afterTurn = n
	}

	out := make([]Turn, 0, limit)
	for _, id := range sessions {
		if id < afterSession {
			continue
		}
		for _, t := range b.turns[id] {
			if id == afterSession && t.TurnNumber <= afterTurn {
				continue
			}
			out = append(out, t)
			if len(out) == limit {
				last := out[len(out)-1]
				next := Cursor{
					"session_id":  last.SessionID,
					"turn_number": strconv.Itoa(last.TurnNumber),
				}
				return out, next, nil
			}
		}
	}
	return out, nil, nil
}

func (b *InMemoryBackend) ImportBatch(_ context.Context, turns []Turn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range turns {
		arr := b.turns[t.SessionID]
		exists := false
		for _, have := range arr {
			if have.TurnNumber == t.TurnNumber {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		arr = append(arr, t)
		sort.Slice(arr, func(i, j int) bool { return arr[i].TurnNumber < arr[j].TurnNumber })
		b.turns[t.SessionID] = arr
	}
	return nil
}

func (b *InMemoryBackend) Count(_ context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n int64
	for _, arr := range b.turns {
		n += int64(len(arr))
	}
	return n, nil
}

func (b *InMemoryBackend) Ping(_ context.Context) error { return nil }

func (b *InMemoryBackend) Close() error { return nil }

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
