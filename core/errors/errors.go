package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies a marketplace failure. Each code maps to exactly one HTTP status.
type Code string

const (
	CodeInvalidArgument           Code = "invalid_argument"
	CodeAuthInvalid               Code = "auth_invalid"
	CodeForbidden                 Code = "forbidden"
	CodeChallengeNotFound         Code = "challenge_not_found"
	CodeChallengeExpired          Code = "challenge_expired"
	CodeOwnershipProofInvalid     Code = "ownership_proof_invalid"
	CodePaymentRequired           Code = "payment_required"
	CodePaymentVerifyFailed       Code = "payment_verify_failed"
	CodePaymentSettleFailed       Code = "payment_settle_failed"
	CodePaymentAmountInsufficient Code = "payment_amount_insufficient"
	CodePaymentProofInvalid       Code = "payment_proof_invalid"
	CodeRateLimitExceeded         Code = "rate_limit_exceeded"
	CodeResourceNotFound          Code = "resource_not_found"
	CodeConflict                  Code = "conflict"
	CodeSellerTimeout             Code = "seller_timeout"
	CodeSellerUnreachable         Code = "seller_unreachable"
	CodeUpstreamUnavailable       Code = "upstream_unavailable"
	CodeInternal                  Code = "internal"
)

var statusByCode = map[Code]int{
	CodeInvalidArgument:           http.StatusBadRequest,
	CodeAuthInvalid:               http.StatusUnauthorized,
	CodeForbidden:                 http.StatusForbidden,
	CodeChallengeNotFound:         http.StatusBadRequest,
	CodeChallengeExpired:          http.StatusBadRequest,
	CodeOwnershipProofInvalid:     http.StatusUnauthorized,
	CodePaymentRequired:           http.StatusPaymentRequired,
	CodePaymentVerifyFailed:       http.StatusPaymentRequired,
	CodePaymentSettleFailed:       http.StatusPaymentRequired,
	CodePaymentAmountInsufficient: http.StatusPaymentRequired,
	CodePaymentProofInvalid:       http.StatusPaymentRequired,
	CodeRateLimitExceeded:         http.StatusTooManyRequests,
	CodeResourceNotFound:          http.StatusNotFound,
	CodeConflict:                  http.StatusConflict,
	CodeSellerTimeout:             http.StatusGatewayTimeout,
	CodeSellerUnreachable:         http.StatusBadGateway,
	CodeUpstreamUnavailable:       http.StatusBadGateway,
	CodeInternal:                  http.StatusInternalServerError,
}

// HTTPStatus returns the response status for the code. Unknown codes are internal errors.
func HTTPStatus(code Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is the typed failure surfaced to API callers. Reason carries the
// actionable sub-reason (for example "calldata mismatch") and Details any
// machine-readable context the caller needs to self-correct.
type Error struct {
	Code    Code
	Message string
	Reason  string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetail attaches a detail entry and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithReason builds an error carrying a specific sub-reason.
func WithReason(code Code, message, reason string) *Error {
	return &Error{Code: code, Message: message, Reason: reason}
}

func InvalidArgument(msg string) *Error { return New(CodeInvalidArgument, msg) }

func AuthInvalid(msg string) *Error { return New(CodeAuthInvalid, msg) }

func NotFound(msg string) *Error { return New(CodeResourceNotFound, msg) }

func Internal(cause error) *Error { return Wrap(CodeInternal, "internal error", cause) }

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal when err is not typed.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}
