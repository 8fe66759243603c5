package errors

// ErrorCode identifies a category of engine failure. Codes are grouped
// by concern so handlers can branch on ranges as well as exact values.
type ErrorCode int

const (
	// General (0-99)
	CodeUnknown  ErrorCode = 0
	CodeInternal ErrorCode = 1

	// Validation (100-199): rejected before any state mutation.
	CodeValidation            ErrorCode = 100
	CodeInvalidSessionType    ErrorCode = 101
	CodeMissingStrategyConfig ErrorCode = 102
	CodeInvalidSymbol         ErrorCode = 103

	// Resources (200-299). ResourceUnavailable is backpressure, not a
	// fault: callers retry on the next evaluation cycle.
	CodeResourceUnavailable      ErrorCode = 200
	CodeSessionConflict          ErrorCode = 201
	CodeNotFound                 ErrorCode = 202
	CodeSessionNotFound          ErrorCode = 203
	CodeStrategyActivationFailed ErrorCode = 204

	// State machines (300-399)
	CodeInvalidTransition ErrorCode = 300

	// External dependencies (400-499)
	CodeServiceUnavailable ErrorCode = 400
	CodeTimeout            ErrorCode = 401

	// Reconciliation (500-599): drift against exchange ground truth,
	// corrected and logged rather than fatal.
	CodeExternalInconsistency ErrorCode = 500
)

// String returns the symbolic name used in API payloads and logs.
func (c ErrorCode) String() string {
	switch c {
	case CodeInternal:
		return "internal"
	case CodeValidation:
		return "validation_error"
	case CodeInvalidSessionType:
		return "invalid_session_type"
	case CodeMissingStrategyConfig:
		return "missing_strategy_config"
	case CodeInvalidSymbol:
		return "invalid_symbol"
	case CodeResourceUnavailable:
		return "resource_unavailable"
	case CodeSessionConflict:
		return "session_conflict"
	case CodeNotFound:
		return "not_found"
	case CodeSessionNotFound:
		return "session_not_found"
	case CodeStrategyActivationFailed:
		return "strategy_activation_failed"
	case CodeInvalidTransition:
		return "invalid_transition"
	case CodeServiceUnavailable:
		return "service_unavailable"
	case CodeTimeout:
		return "timeout"
	case CodeExternalInconsistency:
		return "external_inconsistency"
	default:
		return "unknown"
	}
}

// Retryable reports whether the category represents a transient
// condition that a bounded retry may clear.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeResourceUnavailable, CodeServiceUnavailable, CodeTimeout:
		return true
	default:
		return false
	}
}
