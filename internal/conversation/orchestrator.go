package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matteoluc/spindle/internal/fault"
	"github.com/matteoluc/spindle/internal/graph"
	"github.com/matteoluc/spindle/internal/memory"
	"github.com/matteoluc/spindle/internal/observability"
	"github.com/matteoluc/spindle/internal/policy"
	"github.com/matteoluc/spindle/internal/protocol"
	"github.com/matteoluc/spindle/internal/session"
	"github.com/matteoluc/spindle/internal/translate"
)

// State tracks where a session's current turn sits in the confirmation flow.
type State string

const (
	StateIdle                  State = "idle"
	StateAwaitingClarification State = "awaiting_clarification"
	StateAwaitingSelection     State = "awaiting_selection"
	StateCommitted             State = "committed"
	StateFailed                State = "failed"
)

var (
	ErrNoPendingSelection = errors.New("no candidate list awaiting selection")
	ErrUnknownCandidate   = errors.New("candidate not in the presented list")
	ErrNoPendingQuestion  = errors.New("no clarification question pending")
)

// turnState is the ephemeral per-session flow state. Candidates live only
// until a selection or cancel; nothing here is persisted.
type turnState struct {
	state      State
	utterance  string
	topK       int
	disclosure policy.Disclosure
	clarified  bool
	candidates map[string]translate.Candidate
}

// Orchestrator drives the confirmable query flow: clarify once if the ask is
// underspecified, present ranked candidates, execute only an explicit (or
// blanket-permitted) selection, redact, respond and commit the exchange.
type Orchestrator struct {
	sessions *session.Manager
	broker   *translate.Broker
	executor *graph.Executor
	store    *memory.Adapter
	redactor *policy.Redactor
	scrubber *policy.BrandScrubber
	audit    *observability.Audit
	metrics  *observability.Metrics
	stages   *observability.StageWindow
	logger   *zap.Logger

	presentedTopK int

	mu    sync.Mutex
	turns map[string]*turnState
}

type Options struct {
	Sessions      *session.Manager
	Broker        *translate.Broker
	Executor      *graph.Executor
	Store         *memory.Adapter
	Redactor      *policy.Redactor
	Scrubber      *policy.BrandScrubber
	Audit         *observability.Audit
	Metrics       *observability.Metrics
	Stages        *observability.StageWindow
	Logger        *zap.Logger
	PresentedTopK int
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.PresentedTopK <= 0 {
		opts.PresentedTopK = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = observability.NewAudit(nil)
	}
	return &Orchestrator{
		sessions:      opts.Sessions,
		broker:        opts.Broker,
		executor:      opts.Executor,
		store:         opts.Store,
		redactor:      opts.Redactor,
		scrubber:      opts.Scrubber,
		audit:         opts.Audit,
		metrics:       opts.Metrics,
		stages:        opts.Stages,
		logger:        opts.Logger,
		presentedTopK: opts.PresentedTopK,
		turns:         make(map[string]*turnState),
	}
}

// HandleUtterance starts a new turn. An underspecified ask gets exactly one
// clarifying question; otherwise candidates are presented, or the top one is
// executed directly when the session holds blanket permission.
func (o *Orchestrator) HandleUtterance(ctx context.Context, msg protocol.UserUtterance) (any, error) {
	sess, err := o.sessions.Get(msg.SessionID)
	if err != nil {
		return nil, err
	}
	_ = o.sessions.Touch(msg.SessionID)

	ts := o.resetTurn(msg.SessionID)
	ts.utterance = msg.Text
	ts.topK = msg.TopK
	ts.disclosure = msg.Disclosure

	if question, ok := clarificationQuestion(msg.Text); ok {
		ts.state = StateAwaitingClarification
		if o.metrics != nil {
			o.metrics.Clarifications.Inc()
		}
		o.stages.ObserveIndicator("clarification_asked")
		return protocol.ClarificationRequest{
			Type:      protocol.TypeClarificationRequest,
			SessionID: msg.SessionID,
			Question:  question,
		}, nil
	}
	return o.presentCandidates(ctx, sess, ts)
}

// HandleClarification folds the answer into the pending utterance and moves
// on to candidates. One question per turn: the combined text is not
// re-checked for scope.
func (o *Orchestrator) HandleClarification(ctx context.Context, msg protocol.ClarificationAnswer) (any, error) {
	sess, err := o.sessions.Get(msg.SessionID)
	if err != nil {
		return nil, err
	}
	_ = o.sessions.Touch(msg.SessionID)

	ts := o.turnFor(msg.SessionID)
	if ts.state != StateAwaitingClarification {
		return nil, ErrNoPendingQuestion
	}
	ts.utterance = strings.TrimSpace(ts.utterance + " " + msg.Text)
	ts.clarified = true
	return o.presentCandidates(ctx, sess, ts)
}

// HandleSelection executes the chosen candidate and, on success, commits the
// full exchange to memory. Failures produce an advisory error event and
// commit nothing.
func (o *Orchestrator) HandleSelection(ctx context.Context, msg protocol.CandidateSelection) (any, error) {
	if _, err := o.sessions.Get(msg.SessionID); err != nil {
		return nil, err
	}
	_ = o.sessions.Touch(msg.SessionID)

	ts := o.turnFor(msg.SessionID)
	if ts.state != StateAwaitingSelection {
		return nil, ErrNoPendingSelection
	}
	cand, ok := ts.candidates[msg.CandidateID]
	if !ok {
		return nil, ErrUnknownCandidate
	}
	return o.execute(ctx, msg.SessionID, ts, cand, msg.Params), nil
}

// HandleControl applies grant/revoke of blanket permission or cancels the
// in-flight turn.
func (o *Orchestrator) HandleControl(msg protocol.ClientControl) (any, error) {
	switch msg.Action {
	case protocol.ActionGrantBlanket:
		if err := o.sessions.SetBlanketPermission(msg.SessionID, true); err != nil {
			return nil, err
		}
	case protocol.ActionRevokeBlanket:
		if err := o.sessions.SetBlanketPermission(msg.SessionID, false); err != nil {
			return nil, err
		}
	case protocol.ActionCancel:
		o.resetTurn(msg.SessionID)
	default:
		return nil, fmt.Errorf("unknown control action %q", msg.Action)
	}
	return protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: msg.SessionID,
		Code:      msg.Action,
	}, nil
}

// EndSession drops flow state and execution counters for an ended or expired
// session.
func (o *Orchestrator) EndSession(sessionID string) {
	o.mu.Lock()
	delete(o.turns, sessionID)
	o.mu.Unlock()
	o.executor.ForgetSession(sessionID)
}

func (o *Orchestrator) presentCandidates(ctx context.Context, sess *session.Session, ts *turnState) (any, error) {
	topK := ts.topK
	if topK <= 0 || topK > o.presentedTopK {
		topK = o.presentedTopK
	}

	start := time.Now()
	candidates, err := o.broker.Candidates(ctx, ts.utterance, topK)
	o.stages.Observe(observability.StageTranslate, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return o.adviseFailure(sess.ID, ts, "", err), nil
	}
	if len(candidates) == 0 {
		ts.state = StateIdle
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      string(fault.KindTranslationUnavailable),
			Message:   "No matching queries were found for that request. Try rephrasing it.",
		}, nil
	}

	ts.candidates = make(map[string]translate.Candidate, len(candidates))
	for _, cand := range candidates {
		ts.candidates[cand.ID] = cand
	}

	// Blanket permission skips the selection step, but only when the top
	// candidate can actually run without user-supplied parameters; otherwise
	// auto-selecting would guarantee a parameter mismatch, so fall back to
	// presenting the list.
	top := candidates[0]
	if sess.BlanketPermission && !(top.Kind == translate.KindGraph && graph.RequiresParameters(top.Query)) {
		ts.state = StateAwaitingSelection
		o.stages.ObserveIndicator("blanket_autoselect")
		return o.execute(ctx, sess.ID, ts, top, nil), nil
	}

	ts.state = StateAwaitingSelection
	views := make([]protocol.CandidateView, 0, len(candidates))
	for _, cand := range candidates {
		views = append(views, protocol.CandidateView{
			CandidateID: cand.ID,
			Score:       cand.Score,
			Kind:        string(cand.Kind),
			Summary:     o.scrubber.Scrub(cand.Summary),
		})
	}
	return protocol.CandidateList{
		Type:       protocol.TypeCandidateList,
		SessionID:  sess.ID,
		Candidates: views,
	}, nil
}

func (o *Orchestrator) execute(ctx context.Context, sessionID string, ts *turnState, cand translate.Candidate, params map[string]any) any {
	start := time.Now()
	result, err := o.executor.Execute(ctx, sessionID, cand, params)
	o.stages.Observe(observability.StageExecute, float64(time.Since(start).Milliseconds()))
	if o.metrics != nil {
		o.metrics.ObserveExecutionLatency(time.Since(start))
	}
	if err != nil {
		if o.metrics != nil {
			o.metrics.QueriesExecuted.WithLabelValues("error").Inc()
		}
		return o.adviseFailure(sessionID, ts, result.QueryID, err)
	}

	redactStart := time.Now()
	masked, flags, auditMeta := o.redactor.RedactRecords(result.Records, ts.disclosure)
	o.stages.Observe(observability.StageRedact, float64(time.Since(redactStart).Milliseconds()))
	if o.metrics != nil {
		o.metrics.QueriesExecuted.WithLabelValues("ok").Inc()
		o.metrics.RedactedFields.Add(float64(len(flags)))
	}

	responseText := o.scrubber.Scrub(responseText(result.Summary, len(masked), result.QueryID))
	masked = o.scrubRecords(masked)

	commitStart := time.Now()
	exchange := memory.Exchange{
		SessionID:     sessionID,
		UserText:      ts.utterance,
		AssistantText: responseText,
		Timestamp:     time.Now().UTC(),
		Metadata: map[string]any{
			memory.MetaLastQueryID: result.QueryID,
			memory.MetaCandidateID: cand.ID,
			memory.MetaTopic:       o.scrubber.Scrub(cand.Summary),
		},
	}
	if _, _, err := o.store.SaveExchange(ctx, exchange); err != nil {
		return o.adviseFailure(sessionID, ts, result.QueryID, err)
	}
	o.stages.Observe(observability.StageCommit, float64(time.Since(commitStart).Milliseconds()))
	if o.metrics != nil {
		o.metrics.TurnsCommitted.Inc()
	}

	o.audit.QueryExecuted(sessionID, result.QueryID, len(masked), len(flags))
	if reason, ok := auditMeta["disclosure_reason"].(string); ok && reason != "" {
		disclosed, _ := auditMeta["disclosed_fields"].([]string)
		o.audit.Disclosure(sessionID, result.QueryID, reason, disclosed)
	}

	ts.state = StateCommitted
	ts.candidates = nil
	return protocol.AssistantResponse{
		Type:           protocol.TypeAssistantResponse,
		SessionID:      sessionID,
		Text:           responseText,
		QueryID:        result.QueryID,
		Records:        masked,
		RedactionFlags: flags,
		NextStep:       "Ask a follow-up, or refine the parameters and run it again.",
		Metadata:       auditMeta,
	}
}

// scrubRecords sweeps protected terms out of record string values. Record
// payloads are user-visible, so the formatting invariant applies to them the
// same as to summary text.
func (o *Orchestrator) scrubRecords(records []map[string]any) []map[string]any {
	for _, record := range records {
		for field, value := range record {
			s, ok := value.(string)
			if !ok {
				continue
			}
			if o.scrubber.Contains(s) {
				record[field] = o.scrubber.Scrub(s)
			}
		}
	}
	return records
}

// adviseFailure maps an internal error to the user-safe advisory wording,
// records the audit entry and leaves the turn uncommitted.
func (o *Orchestrator) adviseFailure(sessionID string, ts *turnState, queryID string, err error) any {
	kind := fault.Classify(err)
	o.audit.QueryFailed(sessionID, queryID, string(kind))
	o.logger.Warn("turn failed",
		zap.String("session_id", sessionID),
		zap.String("fault_kind", string(kind)),
		zap.Error(err),
	)
	ts.state = StateFailed
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      string(kind),
		Message:   fault.AdvisoryMessage(kind),
	}
}

func (o *Orchestrator) turnFor(sessionID string) *turnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts, ok := o.turns[sessionID]
	if !ok {
		ts = &turnState{state: StateIdle}
		o.turns[sessionID] = ts
	}
	return ts
}

func (o *Orchestrator) resetTurn(sessionID string) *turnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts := &turnState{state: StateIdle}
	o.turns[sessionID] = ts
	return ts
}

// StateOf reports the current flow state for a session.
func (o *Orchestrator) StateOf(sessionID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ts, ok := o.turns[sessionID]; ok {
		return ts.state
	}
	return StateIdle
}

func responseText(summary string, records int, queryID string) string {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		summary = "Here is what the query returned."
	}
	return fmt.Sprintf("%s Showing %d record(s). Reference id %s.", summary, records, queryID)
}
