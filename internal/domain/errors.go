package domain

import (
	"errors"
	"fmt"
)

// Machine-readable codes for invariant violations. These are part of the
// public contract: callers branch on codes, not on message text.
const (
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodePeriodClosed          = "PERIOD_CLOSED"
	CodeNotBalanced           = "NOT_BALANCED"
	CodeAlreadyReversed       = "ALREADY_REVERSED"
	CodeInvalidReversalDate   = "INVALID_REVERSAL_DATE"
	CodeNotApproved           = "NOT_APPROVED"
	CodeAlreadyVoided         = "ALREADY_VOIDED"
	CodeInvalidAdjustment     = "INVALID_ADJUSTMENT"
	CodeValidation            = "VALIDATION"
	CodeDuplicateCode         = "DUPLICATE_CODE"
	CodeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	CodeAccountInactive       = "ACCOUNT_INACTIVE"
	CodeParentNotFound        = "PARENT_NOT_FOUND"
	CodeTypeMismatch          = "TYPE_MISMATCH"
	CodeMaxDepthExceeded      = "MAX_DEPTH_EXCEEDED"
	CodeCycleDetected         = "CYCLE_DETECTED"
	CodeHeaderAccount         = "HEADER_ACCOUNT"
	CodePostingNotAllowed     = "POSTING_NOT_ALLOWED"
	CodeHasActiveChildren     = "HAS_ACTIVE_CHILDREN"
	CodeCompanionInconsistent = "COMPANION_INCONSISTENT"
	CodeEntryNotFound         = "ENTRY_NOT_FOUND"
	CodeRateUnavailable       = "RATE_UNAVAILABLE"
)

// Error is an expected domain outcome carrying a machine-readable code.
// It is a value, not control flow: aggregate methods return it synchronously
// and no state change happens when one is returned.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a domain error with a code and formatted message.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the machine-readable code from err, or "" if err is not
// a domain error.
func ErrorCode(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Infrastructure sentinels. These classify failures the way callers need to
// react to them: reload-and-retry, treat-as-success, or abort.
var (
	// ErrConcurrencyConflict means the stream head moved past expectedVersion.
	// Retriable: reload the aggregate and reapply the command.
	ErrConcurrencyConflict = errors.New("concurrency conflict: stream version mismatch")

	// ErrTenantMismatch means an event's tenant disagrees with the request
	// tenant. Fatal for the request; never retried.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrCircuitOpen is returned when a circuit breaker rejects a call without
	// attempting the protected operation.
	ErrCircuitOpen = errors.New("circuit breaker open")
)
