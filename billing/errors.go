/*
errors.go - Error taxonomy for the billing engine

PURPOSE:
  Every rejected operation returns a stable code plus a human-readable reason.
  Codes are grouped into kinds so transports can map them without knowing
  every code.

ERROR KINDS:
  validation  - bad or missing input; caller must change the request
  not_found   - referenced subject, demand, bill, notice or source is absent
  conflict    - duplicate demand, invalid escalation, already resolved, ...
  concurrency - lock wait timed out; safe to retry
  invariant   - internal balance/total mismatch; aborts the transaction

USAGE:
  Sentinels are compared with errors.Is, which matches on Code, so a wrapped
  copy carrying a specific message still matches its sentinel:

    if errors.Is(err, billing.ErrDuplicateDemand) { ... }

SEE ALSO:
  - api/errors.go: HTTP status mapping
*/
package billing

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how a caller should react.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindConcurrency Kind = "concurrency"
	KindInvariant   Kind = "invariant"
	KindInternal    Kind = "internal"
)

// Error is a coded engine error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func sentinel(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// newError copies base with a more specific message.
func newError(base *Error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: base.Message + ": " + fmt.Sprintf(format, args...)}
}

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidRequest     = sentinel(KindValidation, "INVALID_REQUEST", "invalid request")
	ErrInvalidAmount      = sentinel(KindValidation, "INVALID_AMOUNT", "invalid amount")
	ErrInvalidServiceType = sentinel(KindValidation, "INVALID_SERVICE_TYPE", "invalid service type")
	ErrInvalidPeriod      = sentinel(KindValidation, "INVALID_PERIOD", "invalid period")
	ErrInvalidPaymentMode = sentinel(KindValidation, "INVALID_PAYMENT_MODE", "invalid payment mode")
	ErrInvalidNoticeType  = sentinel(KindValidation, "INVALID_NOTICE_TYPE", "invalid notice type")
	ErrInvalidDelivery    = sentinel(KindValidation, "INVALID_DELIVERY_MODE", "invalid delivery mode")
	ErrInvalidSource      = sentinel(KindValidation, "INVALID_SOURCE", "base amount source does not fit service type")

	ErrSubjectNotFound    = sentinel(KindNotFound, "SUBJECT_NOT_FOUND", "billing subject not found")
	ErrDemandNotFound     = sentinel(KindNotFound, "DEMAND_NOT_FOUND", "demand not found")
	ErrWaterBillNotFound  = sentinel(KindNotFound, "WATER_BILL_NOT_FOUND", "water bill not found")
	ErrNoticeNotFound     = sentinel(KindNotFound, "NOTICE_NOT_FOUND", "notice not found")
	ErrSourceNotFound     = sentinel(KindNotFound, "SOURCE_NOT_FOUND", "base amount source not found")
	ErrConnectionNotFound = sentinel(KindNotFound, "CONNECTION_NOT_FOUND", "water connection not found")

	ErrDuplicateDemand    = sentinel(KindConflict, "DUPLICATE_DEMAND", "an open demand already exists for this period")
	ErrDuplicateWaterBill = sentinel(KindConflict, "DUPLICATE_WATER_BILL", "an open water bill already exists for this period")
	ErrDuplicateNumber    = sentinel(KindConflict, "DUPLICATE_NUMBER", "generated number already in use")
	ErrSourceNotApproved  = sentinel(KindConflict, "SOURCE_NOT_APPROVED", "base amount source is not approved")
	ErrNotUnpaid          = sentinel(KindConflict, "NOT_UNPAID", "bill does not accept payments in its current status")
	ErrCannotCancel       = sentinel(KindConflict, "CANNOT_CANCEL", "bill cannot be cancelled")
	ErrInvalidFirstNotice = sentinel(KindConflict, "INVALID_FIRST_NOTICE", "first notice must be a reminder or demand notice")
	ErrNoDowngrade        = sentinel(KindConflict, "NO_DOWNGRADE", "notice severity must increase")
	ErrDuplicateNotice    = sentinel(KindConflict, "DUPLICATE_NOTICE", "notice of this type already issued")
	ErrSkippedLevel       = sentinel(KindConflict, "SKIPPED_LEVEL", "notice escalation cannot skip a severity level")
	ErrTooEarly           = sentinel(KindConflict, "TOO_EARLY", "escalation beyond reminder before due date")
	ErrAlreadyResolved    = sentinel(KindConflict, "ALREADY_RESOLVED", "demand has no outstanding balance")
	ErrInvalidTransition  = sentinel(KindConflict, "INVALID_TRANSITION", "notice status transition not allowed")

	ErrConcurrentModification = sentinel(KindConcurrency, "CONCURRENT_MODIFICATION", "row is locked by another operation, retry")

	ErrInvariantViolation = sentinel(KindInvariant, "INVARIANT_VIOLATION", "balance invariant violated")
)

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the taxonomy kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err, "INTERNAL" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConcurrency
}

// IsClientError returns true if the error is due to invalid client input or state.
func IsClientError(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindNotFound || k == KindConflict
}
