package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies errors reported by the SDK.
type Kind int

const (
	KindUnknown Kind = iota + 100
	KindUnauthorized
	KindAccessForbidden
	KindInvalidResponse
	KindTooManyRecords
	KindOverQuota
	KindResourceNotFound
	KindResourceAlreadyExists
	KindConnectionTimedOut
	KindConnectionFailed
	KindInvalidItem
	KindInvalidParameters
	KindCancelledByUser
	KindLostTransfer
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown_error",
	KindUnauthorized:          "unauthorized",
	KindAccessForbidden:       "access_forbidden",
	KindInvalidResponse:       "invalid_response",
	KindTooManyRecords:        "too_many_records",
	KindOverQuota:             "over_quota",
	KindResourceNotFound:      "resource_not_found",
	KindResourceAlreadyExists: "resource_already_exists",
	KindConnectionTimedOut:    "connection_timed_out",
	KindConnectionFailed:      "connection_failed",
	KindInvalidItem:           "invalid_item",
	KindInvalidParameters:     "invalid_parameters",
	KindCancelledByUser:       "cancelled_by_user",
	KindLostTransfer:          "lost_transfer",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return kindNames[KindUnknown]
}

// ParseKind is the inverse of Kind.String. Unknown names map to KindUnknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}

	return KindUnknown
}

// Sentinels usable with errors.Is. Matching is done on Kind only.
var (
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrResourceNotFound      = &Error{Kind: KindResourceNotFound}
	ErrResourceAlreadyExists = &Error{Kind: KindResourceAlreadyExists}
	ErrConnectionTimedOut    = &Error{Kind: KindConnectionTimedOut}
	ErrConnectionFailed      = &Error{Kind: KindConnectionFailed}
	ErrInvalidItem           = &Error{Kind: KindInvalidItem}
	ErrInvalidResponse       = &Error{Kind: KindInvalidResponse}
	ErrCancelledByUser       = &Error{Kind: KindCancelledByUser}
	ErrLostTransfer          = &Error{Kind: KindLostTransfer}
)

// Error is the single error type of the SDK. Transport failures, server
// responses and scheduling validation all end up as an *Error.
type Error struct {
	Kind       Kind   // Classification of the failure
	Operation  string // The operation that failed (e.g. "download_url", "upload_chunk")
	StatusCode int    // HTTP status code, 0 for non-HTTP errors
	Message    string // Human-readable explanation
	Err        error  // Underlying error, if any
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(e.Kind.String())

	if e.Operation != "" {
		b.WriteString(" during " + e.Operation)
	}

	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}

	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

// NewError builds an *Error for the given kind and operation.
func NewError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Operation: op, Message: message}
}

// FromStatus maps an unexpected HTTP status code returned by the service to an *Error.
func FromStatus(op string, statusCode int, err error) *Error {
	kind := KindUnknown

	switch statusCode {
	case http.StatusBadRequest:
		kind = KindInvalidParameters
	case http.StatusUnauthorized:
		kind = KindUnauthorized
	case http.StatusForbidden:
		kind = KindAccessForbidden
	case http.StatusNotFound:
		kind = KindResourceNotFound
	case http.StatusNotAcceptable:
		kind = KindTooManyRecords
	case http.StatusConflict:
		kind = KindResourceAlreadyExists
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = KindConnectionTimedOut
	case http.StatusInsufficientStorage:
		kind = KindOverQuota
	}

	return &Error{
		Kind:       kind,
		Operation:  op,
		StatusCode: statusCode,
		Message:    http.StatusText(statusCode),
		Err:        err,
	}
}

// FromTransport maps a transport level failure to an *Error.
func FromTransport(op string, err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelledByUser, Operation: op, Message: "cancelled", Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindConnectionTimedOut, Operation: op, Message: err.Error(), Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindConnectionTimedOut, Operation: op, Message: err.Error(), Err: err}
	}

	return &Error{Kind: KindConnectionFailed, Operation: op, Message: err.Error(), Err: err}
}
