package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matteoluc/spindle/internal/policy"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserUtterance       MessageType = "user_utterance"
	TypeClarificationAnswer MessageType = "clarification_answer"
	TypeCandidateSelection  MessageType = "candidate_selection"
	TypeClientControl       MessageType = "client_control"

	TypeClarificationRequest MessageType = "clarification_request"
	TypeCandidateList        MessageType = "candidate_list"
	TypeAssistantResponse    MessageType = "assistant_response"
	TypeSystemEvent          MessageType = "system_event"
	TypeErrorEvent           MessageType = "error_event"
)

// Control actions accepted on client_control.
const (
	ActionGrantBlanket  = "grant_blanket_permission"
	ActionRevokeBlanket = "revoke_blanket_permission"
	ActionCancel        = "cancel"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// UserUtterance opens a new conversational turn.
type UserUtterance struct {
	Type       MessageType       `json:"type"`
	SessionID  string            `json:"session_id"`
	Text       string            `json:"text"`
	TopK       int               `json:"top_k,omitempty"`
	Disclosure policy.Disclosure `json:"disclosure"`
}

// ClarificationAnswer resolves a pending clarification question.
type ClarificationAnswer struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// CandidateSelection picks one presented candidate and supplies its
// parameters.
type CandidateSelection struct {
	Type        MessageType    `json:"type"`
	SessionID   string         `json:"session_id"`
	CandidateID string         `json:"candidate_id"`
	Params      map[string]any `json:"params,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// ClarificationRequest asks the user exactly one scoping question.
type ClarificationRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Question  string      `json:"question"`
}

// CandidateView is the presentation form of a candidate: id, rank inputs and
// a brief summary, never the raw query text.
type CandidateView struct {
	CandidateID string  `json:"candidate_id"`
	Score       float64 `json:"score"`
	Kind        string  `json:"kind"`
	Summary     string  `json:"summary"`
}

type CandidateList struct {
	Type       MessageType     `json:"type"`
	SessionID  string          `json:"session_id"`
	Candidates []CandidateView `json:"candidates"`
}

// AssistantResponse closes a turn: summary, bounded record snapshot, the
// reproducible query id and a suggested next step.
type AssistantResponse struct {
	Type           MessageType            `json:"type"`
	SessionID      string                 `json:"session_id"`
	Text           string                 `json:"text"`
	QueryID        string                 `json:"query_id"`
	Records        []map[string]any       `json:"records"`
	RedactionFlags []policy.RedactionFlag `json:"redaction_flags,omitempty"`
	NextStep       string                 `json:"next_step,omitempty"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
}

// ParseClientMessage decodes and validates one inbound payload.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserUtterance:
		var msg UserUtterance
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Text == "" {
			return nil, errors.New("invalid user_utterance")
		}
		return msg, nil
	case TypeClarificationAnswer:
		var msg ClarificationAnswer
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Text == "" {
			return nil, errors.New("invalid clarification_answer")
		}
		return msg, nil
	case TypeCandidateSelection:
		var msg CandidateSelection
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.CandidateID == "" {
			return nil, errors.New("invalid candidate_selection")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionGrantBlanket, ActionRevokeBlanket, ActionCancel:
		default:
			return nil, fmt.Errorf("unknown control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
