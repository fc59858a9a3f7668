package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matteoluc/spindle/internal/fault"
	"github.com/matteoluc/spindle/internal/graph"
	"github.com/matteoluc/spindle/internal/memory"
	"github.com/matteoluc/spindle/internal/observability"
	"github.com/matteoluc/spindle/internal/policy"
	"github.com/matteoluc/spindle/internal/protocol"
	"github.com/matteoluc/spindle/internal/session"
	"github.com/matteoluc/spindle/internal/translate"
)

type scriptedTranslator struct {
	candidates []translate.Candidate
	err        error
}

func (t *scriptedTranslator) Translate(ctx context.Context, text string, topK int) ([]translate.Candidate, error) {
	if t.err != nil {
		return nil, t.err
	}
	out := t.candidates
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

type stubGraph struct {
	records []map[string]any
	summary string
	err     error
}

func (g *stubGraph) Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, string, error) {
	if g.err != nil {
		return nil, "", g.err
	}
	return g.records, g.summary, nil
}

func threeCandidates() []translate.Candidate {
	return []translate.Candidate{
		{ID: "stored:disputes_recent", Score: 0.92, Kind: translate.KindStored, Query: "disputes_recent", Summary: "Recent disputes for a customer"},
		{ID: "graph:disputes_by_customer", Score: 0.85, Kind: translate.KindGraph, Query: "MATCH (c:Customer {id: $cust_id})-[:RAISED]->(d:Dispute) RETURN d", Summary: "Disputes raised by one customer"},
		{ID: "graph:text_fallback", Score: 0.5, Kind: translate.KindGraph, Query: "MATCH (n) WHERE n.label CONTAINS $text RETURN n", Summary: "Generic label match"},
	}
}

func disputeRecords(n int) []map[string]any {
	records := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, map[string]any{
			"dispute_id":    fmt.Sprintf("d-%02d", i),
			"customer_name": "Jane Roe",
			"email":         "jane@example.com",
			"amount":        100 + i,
		})
	}
	return records
}

type fixture struct {
	orch  *Orchestrator
	sess  *session.Session
	store *memory.Adapter
}

func newFixture(t *testing.T, tr translate.Translator, g graph.Client) *fixture {
	t.Helper()
	return newFixtureWithMetrics(t, tr, g, nil)
}

func newFixtureWithMetrics(t *testing.T, tr translate.Translator, g graph.Client, metrics *observability.Metrics) *fixture {
	t.Helper()

	broker, err := translate.NewBroker(tr, 5, time.Second)
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	redactor, err := policy.NewRedactor(nil)
	if err != nil {
		t.Fatalf("redactor: %v", err)
	}
	scrubber, err := policy.NewBrandScrubber([]string{"neo4j", "cypher"})
	if err != nil {
		t.Fatalf("scrubber: %v", err)
	}

	store := memory.NewAdapter(memory.NewInMemoryBackend(), 100, nil)
	mgr := session.NewManager(time.Minute)
	orch := NewOrchestrator(Options{
		Sessions:      mgr,
		Broker:        broker,
		Executor:      graph.NewExecutor(g, graph.NewMockBridge(), time.Second),
		Store:         store,
		Redactor:      redactor,
		Scrubber:      scrubber,
		Metrics:       metrics,
		Stages:        observability.NewStageWindow(16),
		PresentedTopK: 3,
	})
	return &fixture{orch: orch, sess: mgr.Create("analyst-1"), store: store}
}

func TestConfirmedDisputeFlow(t *testing.T) {
	fx := newFixture(t, &scriptedTranslator{candidates: threeCandidates()}, &stubGraph{records: disputeRecords(14), summary: "Disputes from the Neo4j graph"})
	ctx := context.Background()

	out, err := fx.orch.HandleUtterance(ctx, protocol.UserUtterance{
		Type:      protocol.TypeUserUtterance,
		SessionID: fx.sess.ID,
		Text:      "find disputes for customer CUST-42",
	})
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	list, ok := out.(protocol.CandidateList)
	if !ok {
		t.Fatalf("expected CandidateList, got %T", out)
	}
	if len(list.Candidates) != 3 {
		t.Fatalf("len(candidates) = %d, want 3", len(list.Candidates))
	}
	if fx.orch.StateOf(fx.sess.ID) != StateAwaitingSelection {
		t.Fatalf("state = %q, want awaiting_selection", fx.orch.StateOf(fx.sess.ID))
	}

	out, err = fx.orch.HandleSelection(ctx, protocol.CandidateSelection{
		Type:        protocol.TypeCandidateSelection,
		SessionID:   fx.sess.ID,
		CandidateID: list.Candidates[1].CandidateID,
		Params:      map[string]any{"cust_id": "CUST-42"},
	})
	if err != nil {
		t.Fatalf("selection: %v", err)
	}
	resp, ok := out.(protocol.AssistantResponse)
	if !ok {
		t.Fatalf("expected AssistantResponse, got %T", out)
	}
	if len(resp.Records) != 10 {
		t.Fatalf("len(records) = %d, want 10", len(resp.Records))
	}
	if !strings.HasPrefix(resp.QueryID, "q_") {
		t.Fatalf("query id %q lacks q_ prefix", resp.QueryID)
	}
	for _, rec := range resp.Records {
		if rec["email"] != policy.MaskPlaceholder {
			t.Fatalf("email not masked: %v", rec["email"])
		}
		if rec["customer_name"] != policy.MaskPlaceholder {
			t.Fatalf("customer_name not masked: %v", rec["customer_name"])
		}
	}
	if len(resp.RedactionFlags) == 0 {
		t.Fatal("expected redaction flags")
	}
	if strings.Contains(strings.ToLower(resp.Text), "neo4j") {
		t.Fatalf("response leaks protected term: %q", resp.Text)
	}

	turns, err := fx.store.Query(ctx, fx.sess.ID, "", 10)
	if err != nil {
		t.Fatalf("memory query: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("committed turns = %d, want 2", len(turns))
	}
	for _, turn := range turns {
		if turn.Metadata[memory.MetaLastQueryID] != resp.QueryID {
			t.Fatalf("turn %d metadata last_query_id = %v, want %q", turn.TurnNumber, turn.Metadata[memory.MetaLastQueryID], resp.QueryID)
		}
		if turn.Metadata[memory.MetaCandidateID] != "graph:disputes_by_customer" {
			t.Fatalf("turn %d metadata candidate_id = %v", turn.TurnNumber, turn.Metadata[memory.MetaCandidateID])
		}
	}
	if fx.orch.StateOf(fx.sess.ID) != StateCommitted {
		t.Fatalf("state = %q, want committed", fx.orch.StateOf(fx.sess.ID))
	}
}

func TestAmbiguousUtteranceGetsOneQuestion(t *testing.T) {
	fx := newFixture(t, &scriptedTranslator{candidates: threeCandidates()}, &stubGraph{records: disputeRecords(2)})
	ctx := context.Background()

	out, err := fx.orch.HandleUtterance(ctx, protocol.UserUtterance{
		Type:      protocol.TypeUserUtterance,
		SessionID: fx.sess.ID,
		Text:      "show me recent activity",
	})
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	req, ok := out.(protocol.ClarificationRequest)
	if !ok {
		t.Fatalf("expected ClarificationRequest, got %T", out)
	}
	if req.Question == "" {
		t.Fatal("empty clarification question")
	}

	turns, err := fx.store.Query(ctx, fx.sess.ID, "", 10)
	if err != nil {
		t.Fatalf("memory query: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("no turn should commit before execution, got %d", len(turns))
	}

	// The answer completes scoping; no second question even if still vague.
	out, err = fx.orch.HandleClarification(ctx, protocol.ClarificationAnswer{
		Type:      protocol.TypeClarificationAnswer,
		SessionID: fx.sess.ID,
		Text:      "dispute activity",
	})
	if err != nil {
		t.Fatalf("clarification: %v", err)
	}
	if _, ok := out.(protocol.CandidateList); !ok {
		t.Fatalf("expected CandidateList after answer, got %T", out)
	}
}

func TestSelectionRequiresPendingList(t *testing.T) {
	fx := newFixture(t, &scriptedTranslator{candidates: threeCandidates()}, &stubGraph{})
	ctx := context.Background()

	_, err := fx.orch.HandleSelection(ctx, protocol.CandidateSelection{
		Type:        protocol.TypeCandidateSelection,
		SessionID:   fx.sess.ID,
		CandidateID: "stored:disputes_recent",
	})
	if !errors.Is(err, ErrNoPendingSelection) {
		t.Fatalf("expected ErrNoPendingSelection, got %v", err)
	}

	if _, err := fx.orch.HandleUtterance(ctx, protocol.UserUtterance{
		Type:      protocol.TypeUserUtterance,
		SessionID: fx.sess.ID,
		Text:      "find disputes for customer CUST-42",
	}); err != nil {
		t.Fatalf("utterance: %v", err)
	}
	_, err = fx.orch.HandleSelection(ctx, protocol.CandidateSelection{
		Type:        protocol.TypeCandidateSelection,
		SessionID:   fx.sess.ID,
		CandidateID: "graph:not_presented",
	})
	if !errors.Is(err, ErrUnknownCandidate) {
		t.Fatalf("expected ErrUnknownCandidate, got %v", err)
	}
}

func TestBlanketPermissionAutoSelects(t *testing.T) {
	fx := newFixture(t, &scriptedTranslator{candidates: threeCandidates()}, &stubGraph{records: disputeRecords(1)})
	ctx := context.Background()

	if _, err := fx.orch.HandleControl(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: fx.sess.ID,
		Action:    protocol.ActionGrantBlanket,
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	out, err := fx.orch.HandleUtterance(ctx, protocol.UserUtterance{
		Type:      protocol.TypeUserUtterance,
		SessionID: fx.sess.ID,
		Text:      "find disputes for customer CUST-9",
	})
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	resp, ok := out.(protocol.AssistantResponse)
	if !ok {
		t.Fatalf("expected AssistantResponse under blanket permission, got %T", out)
	}
	if resp.QueryID == "" {
		t.Fatal("missing query id")
	}
}

func TestProtectedTermScrubbedFromRecordValues(t *testing.T) {
	records := []map[string]any{{
		"dispute_id":    "d-01",
		"source_system": "the Neo4j graph backend",
		"amount":        250,
	}}
	fx := newFixture(t, &scriptedTranslator{candidates: threeCandidates()}, &stubGraph{records: records, summary: "one dispute"})
	ctx := context.Background()

	out, err := fx.orch.HandleUtterance(ctx, protocol.UserUtterance{
		Type:      protocol.TypeUserUtterance,
		SessionID: fx.sess.ID,
		Text:      "find disputes for customer CUST-11",
	})
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	list := out.(protocol.CandidateList)

	out, err = fx.orch.HandleSelection(ctx, protocol.CandidateSelection{
		Type:        protocol.TypeCandidateSelection,
		SessionID:   fx.sess.ID,
		CandidateID: list.Candidates[1].CandidateID,
		Params:      map[string]any{"cust_id": "CUST-11"},
	})
	if err != nil {
		t.Fatalf("selection: %v", err)
	}
	resp := out.(protocol.AssistantResponse)
	got, _ := resp.Records[0]["source_system"].(string)
	if strings.Contains(strings.ToLower(got), "neo4j") {
		t.Fatalf("protected term leaked in record field: %q", got)
	}
	if !strings.Contains(got, "the data service") {
		t.Fatalf("record field not rewritten: %q", got)
	}
	if resp.Records[0]["amount"] != 250 {
		t.Fatalf("non-string field altered: %v", resp.Records[0]["amount"])
	}
}

func TestBlanketPermissionPresentsListWhenParametersRequired(t *testing.T) {
	// Top candidate is a graph query declaring a placeholder, so auto-select
	// would always end in a parameter mismatch.
	candidates := []translate.Candidate{
		{ID: "graph:disputes_by_customer", Score: 0.95, Kind: translate.KindGraph, Query: "MATCH (c:Customer {id: $cust_id})-[:RAISED]->(d:Dispute) RETURN d", Summary: "Disputes raised by one customer"},
		{ID: "stored:disputes_recent", Score: 0.80, Kind: translate.KindStored, Query: "disputes_recent", Summary: "Recent disputes"},
	}
	fx := newFixture(t, &scriptedTranslator{candidates: candidates}, &stubGraph{records: disputeRecords(1)})
	ctx := context.Background()

	if _, err := fx.orch.HandleControl(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: fx.sess.ID,
		Action:    protocol.ActionGrantBlanket,
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	out, err := fx.orch.HandleUtterance(ctx, protocol.UserUtterance{
		Type:      protocol.TypeUserUtterance,
		SessionID: fx.sess.ID,
		Text:      "find disputes for customer CUST-12",
	})
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	list, ok := out.(protocol.CandidateList)
	if !ok {
		t.Fatalf("expected CandidateList when the top candidate needs parameters, got %T", out)
	}
	if len(list.Candidates) != 2 {
		t.Fatalf("len(candidates) = %d, want 2", len(list.Candidates))
	}

	// Selection with the required parameter still completes the turn.
	out, err = fx.orch.HandleSelection(ctx, protocol.CandidateSelection{
		Type:        protocol.TypeCandidateSelection,
		SessionID:   fx.sess.ID,
		CandidateID: "graph:disputes_by_customer",
		Params:      map[string]any{"cust_id": "CUST-12"},
	})
	if err != nil {
		t.Fatalf("selection: %v", err)
	}
	if _, ok := out.(protocol.AssistantResponse); !ok {
		t.Fatalf("expected AssistantResponse, got %T", out)
	}
}

func TestExecutionFailureCommitsNothing(t *testing.T) {
	fx := newFixture(t, &scriptedTranslator{candidates: threeCandidates()}, &stubGraph{err: errors.New("cluster offline")})
	ctx := context.Background()

	out, err := fx.orch.HandleUtterance(ctx, protocol.UserUtterance{
		Type:      protocol.TypeUserUtterance,
		SessionID: fx.sess.ID,
		Text:      "find disputes for customer CUST-1",
	})
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	list := out.(protocol.CandidateList)

	out, err = fx.orch.HandleSelection(ctx, protocol.CandidateSelection{
		Type:        protocol.TypeCandidateSelection,
		SessionID:   fx.sess.ID,
		CandidateID: list.Candidates[1].CandidateID,
		Params:      map[string]any{"cust_id": "CUST-1"},
	})
	if err != nil {
		t.Fatalf("selection: %v", err)
	}
	ev, ok := out.(protocol.ErrorEvent)
	if !ok {
		t.Fatalf("expected ErrorEvent, got %T", out)
	}
	if ev.Code != string(fault.KindExecutionError) {
		t.Fatalf("code = %q, want execution_error", ev.Code)
	}
	if strings.Contains(ev.Message, "cluster offline") {
		t.Fatalf("raw error leaked to user: %q", ev.Message)
	}

	turns, err := fx.store.Query(ctx, fx.sess.ID, "", 10)
	if err != nil {
		t.Fatalf("memory query: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("failed turn must not commit, got %d turns", len(turns))
	}
	if fx.orch.StateOf(fx.sess.ID) != StateFailed {
		t.Fatalf("state = %q, want failed", fx.orch.StateOf(fx.sess.ID))
	}
}

func TestAuthorizedDisclosureCarriesThrough(t *testing.T) {
	fx := newFixture(t, &scriptedTranslator{candidates: threeCandidates()}, &stubGraph{records: disputeRecords(1)})
	ctx := context.Background()

	out, err := fx.orch.HandleUtterance(ctx, protocol.UserUtterance{
		Type:      protocol.TypeUserUtterance,
		SessionID: fx.sess.ID,
		Text:      "find disputes for customer CUST-3",
		Disclosure: policy.Disclosure{
			Authorized: true,
			Reason:     "fraud investigation FI-1138",
		},
	})
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	list := out.(protocol.CandidateList)

	out, err = fx.orch.HandleSelection(ctx, protocol.CandidateSelection{
		Type:        protocol.TypeCandidateSelection,
		SessionID:   fx.sess.ID,
		CandidateID: list.Candidates[1].CandidateID,
		Params:      map[string]any{"cust_id": "CUST-3"},
	})
	if err != nil {
		t.Fatalf("selection: %v", err)
	}
	resp := out.(protocol.AssistantResponse)
	if resp.Records[0]["email"] != "jane@example.com" {
		t.Fatalf("authorized disclosure should keep values, got %v", resp.Records[0]["email"])
	}
	if resp.Metadata["disclosure_reason"] != "fraud investigation FI-1138" {
		t.Fatalf("metadata = %v", resp.Metadata)
	}
}

func TestExecutionLatencyObserved(t *testing.T) {
	ns := "test_conversation_" + time.Now().Format("150405000000000")
	metrics := observability.NewMetrics(ns)
	fx := newFixtureWithMetrics(t, &scriptedTranslator{candidates: threeCandidates()}, &stubGraph{records: disputeRecords(1)}, metrics)
	ctx := context.Background()

	out, err := fx.orch.HandleUtterance(ctx, protocol.UserUtterance{
		Type:      protocol.TypeUserUtterance,
		SessionID: fx.sess.ID,
		Text:      "find disputes for customer CUST-20",
	})
	if err != nil {
		t.Fatalf("utterance: %v", err)
	}
	list := out.(protocol.CandidateList)

	if _, err := fx.orch.HandleSelection(ctx, protocol.CandidateSelection{
		Type:        protocol.TypeCandidateSelection,
		SessionID:   fx.sess.ID,
		CandidateID: list.Candidates[1].CandidateID,
		Params:      map[string]any{"cust_id": "CUST-20"},
	}); err != nil {
		t.Fatalf("selection: %v", err)
	}

	fams, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var samples uint64
	for _, mf := range fams {
		if mf.GetName() != ns+"_query_execution_latency_ms" {
			continue
		}
		for _, m := range mf.GetMetric() {
			samples += m.GetHistogram().GetSampleCount()
		}
	}
	if samples == 0 {
		t.Fatal("execution latency histogram recorded no samples")
	}
}

func TestDispatchRejectsMalformedPayload(t *testing.T) {
	fx := newFixture(t, &scriptedTranslator{candidates: threeCandidates()}, &stubGraph{})
	if _, err := fx.orch.Dispatch(context.Background(), []byte(`{"type":"user_utterance"}`)); err == nil {
		t.Fatal("expected error for incomplete utterance")
	}
}

func TestCancelResetsTurn(t *testing.T) {
	fx := newFixture(t, &scriptedTranslator{candidates: threeCandidates()}, &stubGraph{})
	ctx := context.Background()

	if _, err := fx.orch.HandleUtterance(ctx, protocol.UserUtterance{
		Type:      protocol.TypeUserUtterance,
		SessionID: fx.sess.ID,
		Text:      "find disputes for customer CUST-5",
	}); err != nil {
		t.Fatalf("utterance: %v", err)
	}
	if _, err := fx.orch.HandleControl(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: fx.sess.ID,
		Action:    protocol.ActionCancel,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if fx.orch.StateOf(fx.sess.ID) != StateIdle {
		t.Fatalf("state = %q, want idle after cancel", fx.orch.StateOf(fx.sess.ID))
	}
}
