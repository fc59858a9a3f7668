package protocol

import (
	"errors"
	"testing"
)

func TestParseUserUtterance(t *testing.T) {
	raw := []byte(`{"type":"user_utterance","session_id":"s1","text":"find disputes for customer X","top_k":3}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ut, ok := msg.(UserUtterance)
	if !ok {
		t.Fatalf("expected UserUtterance, got %T", msg)
	}
	if ut.SessionID != "s1" || ut.TopK != 3 {
		t.Fatalf("unexpected fields: %+v", ut)
	}
}

func TestParseUserUtteranceRequiresText(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"user_utterance","session_id":"s1"}`)); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestParseCandidateSelection(t *testing.T) {
	raw := []byte(`{"type":"candidate_selection","session_id":"s1","candidate_id":"cypher:a1","params":{"cust_id":"X"}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sel := msg.(CandidateSelection)
	if sel.CandidateID != "cypher:a1" {
		t.Fatalf("candidate id = %q", sel.CandidateID)
	}
	if sel.Params["cust_id"] != "X" {
		t.Fatalf("params = %v", sel.Params)
	}
}

func TestParseClientControlActions(t *testing.T) {
	for _, action := range []string{ActionGrantBlanket, ActionRevokeBlanket, ActionCancel} {
		raw := []byte(`{"type":"client_control","session_id":"s1","action":"` + action + `"}`)
		if _, err := ParseClientMessage(raw); err != nil {
			t.Fatalf("action %q: %v", action, err)
		}
	}
	if _, err := ParseClientMessage([]byte(`{"type":"client_control","session_id":"s1","action":"reboot"}`)); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestParseUnsupportedType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"telemetry"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
