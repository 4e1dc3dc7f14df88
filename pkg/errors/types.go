package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the machine-readable kind carried by every chauffeur error.
// Callers branch on the code, humans read the message.
type ErrorCode string

const (
	// Browser-control taxonomy. These are the kinds automation callers
	// are expected to branch on.
	ErrCodeTransportClosed  ErrorCode = "TRANSPORT_CLOSED"
	ErrCodeProtocol         ErrorCode = "PROTOCOL_ERROR"
	ErrCodeStaleIndex       ErrorCode = "STALE_INDEX"
	ErrCodeNotInteractable  ErrorCode = "NOT_INTERACTABLE"
	ErrCodeInvalidOperation ErrorCode = "INVALID_OPERATION"
	ErrCodeEvaluation       ErrorCode = "EVALUATION_ERROR"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"

	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Flight-recorder errors
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Event-bridge errors
	ErrCodeBusPublish ErrorCode = "BUS_PUBLISH"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error is a structured chauffeur error: a code for machines, a message for
// humans, optional context key-values, and the wrapped cause.
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Retryable  bool
}

// New creates a new structured error.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Newf creates a new structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code and message to an existing error. Returns nil for a
// nil cause so call sites can wrap unconditionally.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds a context key-value pair to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks whether the operation that produced this error may be
// retried without changing the call.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error is retryable.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsCode reports whether err, or any error it wraps, carries the given code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var ce *Error
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Underlying
	}
	return false
}

// GetCode extracts the outermost error code, or ErrCodeInternal for foreign
// error types.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is a retryable chauffeur error.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
