package policy

import (
	"testing"
)

func newTestRedactor(t *testing.T) *Redactor {
	t.Helper()
	r, err := NewRedactor(nil)
	if err != nil {
		t.Fatalf("NewRedactor() error = %v", err)
	}
	return r
}

func TestRedactRecordsMasksPIIFieldsByDefault(t *testing.T) {
	r := newTestRedactor(t)
	records := []map[string]any{
		{
			"customer_name": "Jane Roe",
			"email":         "jane@example.com",
			"dispute_id":    "D-1042",
			"amount":        219.5,
		},
	}

	out, flags, audit := r.RedactRecords(records, Disclosure{})

	if out[0]["customer_name"] != MaskPlaceholder || out[0]["email"] != MaskPlaceholder {
		t.Fatalf("PII fields not masked: %+v", out[0])
	}
	if out[0]["dispute_id"] != "D-1042" || out[0]["amount"] != 219.5 {
		t.Fatalf("non-PII fields altered: %+v", out[0])
	}
	if len(flags) != 2 {
		t.Fatalf("flags = %+v, want entries for customer_name and email", flags)
	}
	for _, f := range flags {
		if f.Reason != ReasonDefaultRedact {
			t.Fatalf("flag reason = %q, want %q", f.Reason, ReasonDefaultRedact)
		}
	}
	if audit != nil {
		t.Fatalf("audit metadata = %v without disclosure, want nil", audit)
	}
	// Input must not be mutated.
	if records[0]["customer_name"] != "Jane Roe" {
		t.Fatalf("input record mutated: %+v", records[0])
	}
}

func TestRedactRecordsCatchesPIIValuesInPlainFields(t *testing.T) {
	r := newTestRedactor(t)
	records := []map[string]any{
		{"note": "reach them at jane@example.com", "status": "open"},
	}

	out, flags, _ := r.RedactRecords(records, Disclosure{})
	if out[0]["note"] != MaskPlaceholder {
		t.Fatalf("email-bearing value not masked: %+v", out[0])
	}
	if len(flags) != 1 || flags[0].Field != "note" {
		t.Fatalf("flags = %+v, want single entry for note", flags)
	}
}

func TestRedactRecordsAuthorizedDisclosure(t *testing.T) {
	r := newTestRedactor(t)
	records := []map[string]any{
		{"customer_name": "Jane Roe", "dispute_id": "D-1042"},
	}

	out, flags, audit := r.RedactRecords(records, Disclosure{
		Authorized: true,
		Reason:     "fraud investigation FI-88",
	})

	if out[0]["customer_name"] != "Jane Roe" {
		t.Fatalf("authorized disclosure still masked: %+v", out[0])
	}
	if len(flags) != 0 {
		t.Fatalf("flags = %+v on authorized disclosure, want none", flags)
	}
	if audit == nil || audit["disclosure_reason"] != "fraud investigation FI-88" {
		t.Fatalf("audit metadata = %v, want recorded reason", audit)
	}
	fields, ok := audit["disclosed_fields"].([]string)
	if !ok || len(fields) != 1 || fields[0] != "customer_name" {
		t.Fatalf("disclosed_fields = %v, want [customer_name]", audit["disclosed_fields"])
	}
}

func TestRedactRecordsAuthorizedWithoutReasonStaysMasked(t *testing.T) {
	r := newTestRedactor(t)
	records := []map[string]any{{"customer_name": "Jane Roe"}}

	out, _, audit := r.RedactRecords(records, Disclosure{Authorized: true, Reason: "  "})
	if out[0]["customer_name"] != MaskPlaceholder {
		t.Fatalf("empty-reason disclosure unmasked a value: %+v", out[0])
	}
	if audit != nil {
		t.Fatalf("audit metadata = %v for denied disclosure, want nil", audit)
	}
}

func TestRedactRecordsExtraConfiguredPatterns(t *testing.T) {
	r, err := NewRedactor([]string{`^nickname$`})
	if err != nil {
		t.Fatalf("NewRedactor() error = %v", err)
	}
	out, _, _ := r.RedactRecords([]map[string]any{{"nickname": "Fox"}}, Disclosure{})
	if out[0]["nickname"] != MaskPlaceholder {
		t.Fatalf("configured extra pattern ignored: %+v", out[0])
	}
}
