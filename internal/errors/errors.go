package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrDuplicateEvent   = errors.New("duplicate event")
	ErrUserNotFound     = errors.New("user not found")
	ErrPriceResolution  = errors.New("price resolution failed")
	ErrStoreWrite       = errors.New("store write failed")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrInvalidCode      = errors.New("invalid referral code")
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnavailable      = errors.New("unavailable")
)

// Kind represents the category of error
type Kind string

const (
	KindSignatureInvalid Kind = "signature_invalid"
	KindDuplicateEvent   Kind = "duplicate_event"
	KindUserNotFound     Kind = "user_not_found"
	KindPriceResolution  Kind = "price_resolution"
	KindStoreWrite       Kind = "store_write"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindInvalidCode      Kind = "invalid_code"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindValidation       Kind = "validation"
	KindUnavailable      Kind = "unavailable"
	KindInternal         Kind = "internal"
)

var kindSentinels = map[Kind]error{
	KindSignatureInvalid: ErrSignatureInvalid,
	KindDuplicateEvent:   ErrDuplicateEvent,
	KindUserNotFound:     ErrUserNotFound,
	KindPriceResolution:  ErrPriceResolution,
	KindStoreWrite:       ErrStoreWrite,
	KindQuotaExceeded:    ErrQuotaExceeded,
	KindInvalidCode:      ErrInvalidCode,
	KindConflict:         ErrConflict,
	KindNotFound:         ErrNotFound,
	KindValidation:       ErrInvalidInput,
	KindUnavailable:      ErrUnavailable,
}

// LedgerError is a structured error for entitlement and credit operations
type LedgerError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "apply_checkout", "consume")
	UserID    string
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *LedgerError) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.UserID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *LedgerError) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a LedgerError
func New(kind Kind, op, userID string, err error) *LedgerError {
	if err == nil {
		if sentinel, ok := kindSentinels[kind]; ok {
			err = sentinel
		} else {
			err = errors.New(string(kind))
		}
	}
	return &LedgerError{
		Kind:      kind,
		Op:        op,
		UserID:    userID,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

func isRetryable(kind Kind) bool {
	switch kind {
	case KindStoreWrite, KindConflict, KindUnavailable, KindInternal:
		return true
	default:
		return false
	}
}

// KindOf returns the Kind carried by err, or KindInternal when none matches.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ledgerErr *LedgerError
	if errors.As(err, &ledgerErr) {
		return ledgerErr.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// IsRetryableError checks if an error should be retried by the caller
func IsRetryableError(err error) bool {
	var ledgerErr *LedgerError
	if errors.As(err, &ledgerErr) {
		return ledgerErr.Retryable
	}
	return errors.Is(err, ErrStoreWrite) || errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}

// HTTPStatus maps an error to the status code returned to API callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindSignatureInvalid, KindPriceResolution, KindInvalidCode, KindValidation:
		return http.StatusBadRequest
	case KindUserNotFound, KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindDuplicateEvent:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a message that is safe to show end users.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case "":
		return ""
	case KindSignatureInvalid:
		return "invalid signature"
	case KindPriceResolution:
		return "unknown or inactive price"
	case KindInvalidCode:
		return "invalid referral code"
	case KindValidation:
		return "invalid request"
	case KindUserNotFound, KindNotFound:
		return "not found"
	case KindConflict:
		return "request conflicted with a concurrent update; retry"
	case KindQuotaExceeded:
		return "quota exceeded; upgrade or wait until reset"
	case KindUnavailable:
		return "service temporarily unavailable; retry later"
	default:
		return "internal error"
	}
}
