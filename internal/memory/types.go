package memory

import (
	"context"
	"time"
)

const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Recognized metadata keys. Callers may attach additional ad-hoc keys; these
// are the ones the orchestrator writes and readers can rely on.
const (
	MetaLastQueryID = "last_query_id"
	MetaCandidateID = "candidate_id"
	MetaTopic       = "topic"
)

// Turn is one persisted half of a user/assistant exchange. Immutable once
// written; keyed by (session_id, turn_number), strictly increasing per session.
type Turn struct {
	SessionID  string         `json:"session_id"`
	TurnNumber int            `json:"turn_number"`
	Speaker    string         `json:"speaker"`
	Text       string         `json:"text"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata"`
}

// Exchange is the unit of persistence: the user and assistant halves of one
// completed conversational turn, committed all-or-nothing.
type Exchange struct {
	SessionID     string
	UserText      string
	AssistantText string
	Metadata      map[string]any
	Timestamp     time.Time
}

// Cursor is an opaque resume point for batched export. A nil cursor starts
// from the beginning; backends define their own key set.
type Cursor map[string]string

// Backend is one persistence implementation (relational, document, in-memory).
// Append-only: turns are never mutated or deleted through normal operation.
type Backend interface {
	Name() string

	// AppendExchange writes both halves of an exchange atomically, assigning
	// the next two turn numbers for the session.
	AppendExchange(ctx context.Context, ex Exchange) (user Turn, assistant Turn, err error)

	// Query returns turns for a session whose text or speaker contains the
	// filter (case-insensitive), newest first. An empty filter matches all.
	Query(ctx context.Context, sessionID, filter string, limit int) ([]Turn, error)

	// ExportBatch returns up to limit turns starting after cursor, plus the
	// cursor to resume from. An empty slice means export is complete.
	ExportBatch(ctx context.Context, cursor Cursor, limit int) ([]Turn, Cursor, error)

	// ImportBatch writes previously exported turns verbatim, preserving
	// session ids and turn numbers. Idempotent per (session_id, turn_number).
	ImportBatch(ctx context.Context, turns []Turn) error

	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
