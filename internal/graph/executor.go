package graph

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matteoluc/spindle/internal/fault"
	"github.com/matteoluc/spindle/internal/policy"
	"github.com/matteoluc/spindle/internal/translate"
)

// MaxRecords bounds every result snapshot to the first records in the
// collaborator's natural ordering; no sorting is imposed here.
const MaxRecords = 10

// placeholderPattern matches $name placeholders declared in query text.
var placeholderPattern = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// QueryResult is the bounded snapshot of one executed query.
type QueryResult struct {
	QueryID        string                 `json:"query_id"`
	Summary        string                 `json:"summary"`
	Records        []map[string]any       `json:"records"`
	RedactionFlags []policy.RedactionFlag `json:"redaction_flags"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
}

// Executor runs one selected candidate against the right collaborator. It
// owns the per-session execution counters that make query ids reproducible.
type Executor struct {
	graph   Client
	bridge  Bridge
	timeout time.Duration

	mu       sync.Mutex
	counters map[string]*sessionCounter
}

type sessionCounter struct {
	value      uint64
	lastInputs string
}

func NewExecutor(graph Client, bridge Bridge, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Executor{
		graph:    graph,
		bridge:   bridge,
		timeout:  timeout,
		counters: make(map[string]*sessionCounter),
	}
}

// Execute runs the candidate with the supplied parameters. Graph candidates
// get strict placeholder checking; stored searches delegate parameter
// validation to the bridge service that owns them.
func (e *Executor) Execute(ctx context.Context, sessionID string, cand translate.Candidate, params map[string]any) (QueryResult, error) {
	if cand.Kind == translate.KindGraph {
		if err := checkParameters(cand.Query, params); err != nil {
			return QueryResult{}, err
		}
	}

	queryID := e.nextQueryID(sessionID, cand.Query, params)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		records []map[string]any
		summary string
		err     error
	)
	switch cand.Kind {
	case translate.KindStored:
		records, summary, err = e.bridge.RunSearch(ctx, cand.Query, params)
	default:
		records, summary, err = e.graph.Run(ctx, cand.Query, params)
	}
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: %v", fault.ErrExecutionError, err)
	}

	if len(records) > MaxRecords {
		records = records[:MaxRecords]
	}
	return QueryResult{
		QueryID: queryID,
		Summary: summary,
		Records: records,
	}, nil
}

// nextQueryID advances the session counter for new inputs; re-running the
// exact previous query and parameters reuses the counter so the id is
// reproducible.
func (e *Executor) nextQueryID(sessionID, query string, params map[string]any) string {
	inputs := normalizeQuery(query) + "\x00" + canonicalParams(params)

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.counters[sessionID]
	if !ok {
		c = &sessionCounter{}
		e.counters[sessionID] = c
	}
	if c.lastInputs != inputs {
		c.value++
		c.lastInputs = inputs
	}
	return QueryID(query, params, c.value)
}

// ForgetSession drops the counter state for an ended session.
func (e *Executor) ForgetSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.counters, sessionID)
}

// QueryID derives the reproducible identifier for an execution: a hash over
// the normalized query text, the canonical parameter encoding and the
// execution counter. An analyst holding the same three inputs re-derives the
// same id.
func QueryID(query string, params map[string]any, counter uint64) string {
	h := sha256.New()
	h.Write([]byte(normalizeQuery(query)))
	h.Write([]byte{0})
	h.Write([]byte(canonicalParams(params)))
	h.Write([]byte{0})
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	h.Write(buf[:])
	return "q_" + hex.EncodeToString(h.Sum(nil)[:12])
}

func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

// canonicalParams encodes parameters with sorted keys so map iteration order
// never changes the id.
func canonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(params[k])
		sb.Write(kb)
		sb.WriteByte(':')
		sb.Write(vb)
	}
	sb.WriteByte('}')
	return sb.String()
}

// RequiresParameters reports whether the query text declares $placeholders,
// so callers can tell up front that executing it without parameters would be
// a contract violation.
func RequiresParameters(query string) bool {
	return placeholderPattern.MatchString(query)
}

// checkParameters requires the supplied keys to exactly match the
// placeholders declared in the query. Extra or missing keys are a contract
// violation, not something to silently ignore.
func checkParameters(query string, params map[string]any) error {
	declared := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(query, -1) {
		declared[m[1]] = true
	}

	var missing, extra []string
	for name := range declared {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range params {
		if !declared[name] {
			extra = append(extra, name)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(extra)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing %v", missing))
	}
	if len(extra) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected %v", extra))
	}
	return fmt.Errorf("%w: %s", fault.ErrParameterMismatch, strings.Join(parts, ", "))
}
