package billing

import (
	"errors"
	"fmt"
)

// Kind classifies a billing error so boundaries can react without string matching
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindValidation        Kind = "validation"
	KindProvider          Kind = "provider"
	KindPermission        Kind = "permission"
	KindSignature         Kind = "signature"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal"
)

// Error is the error type returned across every billing boundary
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind and code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code != "" && t.Code == e.Code
}

var (
	// ErrAlreadyCancelled is returned when cancelling a cancelled subscription
	ErrAlreadyCancelled = &Error{Kind: KindInvalidTransition, Code: "already_cancelled", Message: "subscription is already cancelled"}
	// ErrConflict signals an optimistic version mismatch on Save
	ErrConflict = &Error{Kind: KindConflict, Code: "version_conflict", Message: "subscription was modified concurrently"}
	// ErrEventApplied is returned by Store.Save when a history entry carries
	// an event id that is already recorded
	ErrEventApplied = &Error{Kind: KindConflict, Code: "event_applied", Message: "provider event was already applied"}
	// ErrInvoiceNotIssued is returned when the provider has not issued the
	// invoice for a provider-billed cycle yet
	ErrInvoiceNotIssued = &Error{Kind: KindConflict, Code: "invoice_not_issued", Message: "provider has not issued the invoice for this cycle"}
	// ErrSweepRunning is returned when a due-payment sweep is already in progress
	ErrSweepRunning = &Error{Kind: KindConflict, Code: "sweep_running", Message: "due-payment sweep already running"}
)

func newError(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a KindNotFound error
func NotFoundf(op, format string, args ...interface{}) error {
	return newError(KindNotFound, op, format, args...)
}

// Validationf builds a KindValidation error
func Validationf(op, format string, args ...interface{}) error {
	return newError(KindValidation, op, format, args...)
}

// InvalidTransitionf builds a KindInvalidTransition error
func InvalidTransitionf(op, format string, args ...interface{}) error {
	return newError(KindInvalidTransition, op, format, args...)
}

// Permissionf builds a KindPermission error
func Permissionf(op, format string, args ...interface{}) error {
	return newError(KindPermission, op, format, args...)
}

// Configurationf builds a KindConfiguration error
func Configurationf(op, format string, args ...interface{}) error {
	return newError(KindConfiguration, op, format, args...)
}

// SignatureError wraps a webhook verification failure
func SignatureError(op string, err error) error {
	return &Error{Kind: KindSignature, Op: op, Message: "webhook signature verification failed", Err: err}
}

// ProviderError wraps a payment provider failure, preserving the provider's code
func ProviderError(op, code, message string, err error) error {
	return &Error{Kind: KindProvider, Op: op, Code: code, Message: message, Err: err}
}

// Internal wraps an unexpected failure (storage, encoding) with an operation name
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the kind of the first billing error in err's chain, or
// KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the code of the first billing error in err's chain
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// MessageOf returns a client-safe message for err
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) && be.Kind != KindInternal && be.Message != "" {
		return be.Message
	}
	return "internal error"
}
