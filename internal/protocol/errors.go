package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every error the realtime core reports.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindProtocol       Kind = "protocol"
	KindValidation     Kind = "validation"
	KindDelivery       Kind = "delivery_failure"
	KindConnection     Kind = "connection_failure"
	KindInternal       Kind = "internal"
)

const (
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusPayloadTooLarge     = 413
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

// Error is the typed error carried through the gateway and rendered into
// error frames. Temporary marks errors a client may retry with the same token.
type Error struct {
	Kind      Kind        `json:"kind"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (code: %d): %v", e.Kind, e.Message, e.Code, e.cause)
	}
	return fmt.Sprintf("%s: %s (code: %d)", e.Kind, e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithDetails attaches structured context sent to the client.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

func Authentication(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message, Code: StatusUnauthorized}
}

func Protocol(message string) *Error {
	return &Error{Kind: KindProtocol, Message: message, Code: StatusBadRequest}
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Code: StatusBadRequest}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Code: StatusForbidden}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Code: StatusNotFound}
}

func TooLarge(message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Code: StatusPayloadTooLarge}
}

func Delivery(message string) *Error {
	return &Error{Kind: KindDelivery, Message: message, Code: StatusServiceUnavailable, Temporary: true}
}

func ConnectionFailure(message string) *Error {
	return &Error{Kind: KindConnection, Message: message, Code: StatusGatewayTimeout, Temporary: true}
}

func Internal(message string) *Error {
	return &Error{Kind: KindInternal, Message: message, Code: StatusInternalServerError}
}

// Wrap prefixes message onto err, keeping the kind of a wrapped *Error.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Kind:      e.Kind,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			Details:   e.Details,
			cause:     e.cause,
		}
	}
	return &Error{
		Kind:    KindInternal,
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTemporary reports whether err may be retried with the same token.
func IsTemporary(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Temporary
	}
	return false
}

type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

// Combine drops nil errors and returns nil, the single error, or a *MultiError.
func Combine(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}

// ErrorPayload renders err for an error frame. token is the idempotency
// token of the frame that failed, if any.
func ErrorPayload(err error, token string) *ErrorFrame {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &ErrorFrame{
			Kind:      e.Kind,
			Code:      e.Code,
			Message:   e.Message,
			Temporary: e.Temporary,
			Details:   e.Details,
			Token:     token,
		}
	}
	return &ErrorFrame{
		Kind:    KindInternal,
		Code:    StatusInternalServerError,
		Message: "internal error",
		Token:   token,
	}
}

// AsError turns a received error frame back into an *Error.
func (f *ErrorFrame) AsError() *Error {
	return &Error{
		Kind:      f.Kind,
		Message:   f.Message,
		Code:      f.Code,
		Temporary: f.Temporary,
		Details:   f.Details,
	}
}
