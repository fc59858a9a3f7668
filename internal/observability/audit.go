package observability

import (
	"time"

	"go.uber.org/zap"
)

// Audit writes the structured audit trail for executed queries and
// disclosure decisions. Record payloads never reach the audit log, only
// identifiers and field names.
type Audit struct {
	logger *zap.Logger
}

func NewAudit(logger *zap.Logger) *Audit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Audit{logger: logger.Named("audit")}
}

func (a *Audit) QueryExecuted(sessionID, queryID string, records int, flags int) {
	a.logger.Info("query executed",
		zap.String("session_id", sessionID),
		zap.String("query_id", queryID),
		zap.Time("executed_at", time.Now().UTC()),
		zap.Int("record_count", records),
		zap.Int("redaction_flags", flags),
	)
}

func (a *Audit) QueryFailed(sessionID, queryID, kind string) {
	a.logger.Warn("query failed",
		zap.String("session_id", sessionID),
		zap.String("query_id", queryID),
		zap.String("fault_kind", kind),
	)
}

func (a *Audit) Disclosure(sessionID, queryID, reason string, fields []string) {
	a.logger.Info("sensitive fields disclosed",
		zap.String("session_id", sessionID),
		zap.String("query_id", queryID),
		zap.String("disclosure_reason", reason),
		zap.Strings("disclosed_fields", fields),
	)
}
