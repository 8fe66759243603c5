// Package errors provides structured errors with typed codes.
//
// Codes are grouped by concern: general (0-99), validation (100-199),
// resources (200-299), state machines (300-399), external dependencies
// (400-499), reconciliation (500-599). Handlers branch on codes via
// GetCode/HasCode instead of string matching.
package errors

import (
	"errors"
	"fmt"
)

// Error carries a code, an operator-facing message and an optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// New creates an Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with the given code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps cause with a code and message.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Wrapf wraps cause with a code and formatted message.
func Wrapf(cause error, code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain matching target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// GetCode extracts the ErrorCode from err. Returns CodeUnknown when
// err carries no *Error in its chain.
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// InsufficientDataError reports a window shorter than a calculation
// requires. Indicator lookups return an empty Option for this case;
// the typed error exists for diagnostics on explicit fetch paths.
type InsufficientDataError struct {
	Required int
	Actual   int
	Symbol   string
}

// NewInsufficientDataError creates an InsufficientDataError.
func NewInsufficientDataError(required, actual int, symbol string) *InsufficientDataError {
	return &InsufficientDataError{Required: required, Actual: actual, Symbol: symbol}
}

// Error implements the error interface.
func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: need %d samples, have %d", e.Symbol, e.Required, e.Actual)
}

// IsInsufficientData reports whether err's chain contains an
// InsufficientDataError.
func IsInsufficientData(err error) bool {
	var target *InsufficientDataError
	return errors.As(err, &target)
}
