package fault

import "errors"

// Kind classifies a failure for audit logging and user messaging.
type Kind string

const (
	KindScopeInsufficient       Kind = "scope_insufficient"
	KindTranslationUnavailable  Kind = "translation_unavailable"
	KindExecutionError          Kind = "execution_error"
	KindParameterMismatch       Kind = "parameter_mismatch"
	KindBackendUnreachable      Kind = "backend_unreachable"
	KindMigrationPartialFailure Kind = "migration_partial_failure"
	KindUnknown                 Kind = "unknown"
)

// Sentinel errors raised at collaborator and adapter boundaries.
var (
	ErrScopeInsufficient       = errors.New("utterance scope insufficient")
	ErrTranslationUnavailable  = errors.New("translation collaborator unavailable")
	ErrExecutionError          = errors.New("query execution failed")
	ErrParameterMismatch       = errors.New("query parameter mismatch")
	ErrBackendUnreachable      = errors.New("memory backend unreachable")
	ErrMigrationPartialFailure = errors.New("memory migration incomplete")
)

// Classify maps an error chain to its fault kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrScopeInsufficient):
		return KindScopeInsufficient
	case errors.Is(err, ErrTranslationUnavailable):
		return KindTranslationUnavailable
	case errors.Is(err, ErrParameterMismatch):
		return KindParameterMismatch
	case errors.Is(err, ErrExecutionError):
		return KindExecutionError
	case errors.Is(err, ErrMigrationPartialFailure):
		return KindMigrationPartialFailure
	case errors.Is(err, ErrBackendUnreachable):
		return KindBackendUnreachable
	default:
		return KindUnknown
	}
}

// AdvisoryMessage returns the non-technical text shown to the user for a
// fault kind. Raw collaborator errors never reach the user.
func AdvisoryMessage(kind Kind) string {
	switch kind {
	case KindTranslationUnavailable:
		return "Search assistance is temporarily unavailable. Please try again in a moment."
	case KindExecutionError:
		return "The query could not be completed. No results are available for this request."
	case KindParameterMismatch:
		return "The selected query could not accept the provided details. Please rephrase your request."
	case KindBackendUnreachable:
		return "Conversation history is temporarily unavailable."
	case KindMigrationPartialFailure:
		return "The storage change could not be completed. The previous storage remains active."
	default:
		return "Something went wrong handling this request. Please try again."
	}
}
