// Package memerr defines the typed error taxonomy used across the memory
// service. Every user-visible failure carries a stable code so callers and
// tests can match on identity instead of message text.
package memerr

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Code is a stable error identifier. Codes never change meaning once shipped.
type Code string

const (
	CodeValidation       Code = "E1000"
	CodeInvalidAction    Code = "E1002"
	CodeNotFound         Code = "E1100"
	CodeUniqueConstraint Code = "E1200"
	CodePermissionDenied Code = "E1300"
	CodeRateLimited      Code = "E2000"
	CodeSizeLimit        Code = "E2100"
	CodeTimeout          Code = "E2200"
	CodeUnavailable      Code = "E3000"
	CodeInternal         Code = "E5000"
)

// Error is the service-wide typed error. Context carries structured fields
// that survive onto the wire form.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithContext attaches a structured field and returns the same error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 2)
	}
	e.Context[key] = value
	return e
}

// WithCause records the wrapped error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// New builds a typed error with an arbitrary code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a typed error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ====== CONSTRUCTORS ======

// Validation reports input that violates a schema or size rule.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf is Validation with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// InvalidAction reports an unknown action for a tool, carrying the set of
// valid actions so clients can self-correct.
func InvalidAction(tool, action string, validActions []string) *Error {
	e := Newf(CodeInvalidAction, "unknown action %q for tool %q", action, tool)
	e.Context = map[string]any{
		"tool":         tool,
		"action":       action,
		"validActions": validActions,
	}
	return e
}

// NotFound reports an id or name that does not resolve in the effective scope.
func NotFound(kind, ref string) *Error {
	e := Newf(CodeNotFound, "%s %q not found", kind, ref)
	return e.WithContext("kind", kind)
}

// UniqueConstraint reports a scoped slug collision. Idempotent operations
// swallow this and return the existing row instead.
func UniqueConstraint(message string) *Error {
	return New(CodeUniqueConstraint, message)
}

// PermissionDenied reports a rejected write or read.
func PermissionDenied(message string) *Error {
	return New(CodePermissionDenied, message)
}

// RateLimited reports quota exhaustion with the retry hint clients expect.
func RateLimited(retryAfterMS int64) *Error {
	e := New(CodeRateLimited, "rate limit exceeded")
	return e.WithContext("retryAfterMs", retryAfterMS)
}

// SizeLimit reports a field exceeding its configured cap.
func SizeLimit(field string, limit, actual int, unit string) *Error {
	e := Newf(CodeSizeLimit, "%s exceeds limit: %d > %d %s", field, actual, limit, unit)
	e.Context = map[string]any{
		"field":  field,
		"limit":  limit,
		"actual": actual,
		"unit":   unit,
	}
	return e
}

// Timeout reports external I/O exceeding its deadline.
func Timeout(operation string) *Error {
	e := Newf(CodeTimeout, "operation %q timed out", operation)
	return e.WithContext("operation", operation)
}

// Unavailable reports an offline dependency (embedding, extraction, redis).
func Unavailable(dependency string) *Error {
	e := Newf(CodeUnavailable, "dependency %q unavailable", dependency)
	return e.WithContext("dependency", dependency)
}

// Internal is the last-resort wrapper. The message is sanitized before it can
// reach the wire; the original cause stays attached for logs.
func Internal(message string, cause error) *Error {
	e := New(CodeInternal, Sanitize(message))
	e.cause = cause
	return e
}

// ====== INSPECTION ======

// AsError extracts the typed error from a chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the stable code of err, or empty when err carries none.
func CodeOf(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }

// IsValidation reports whether err is a validation error. Size-limit errors
// count: they are a specialized validation failure.
func IsValidation(err error) bool {
	c := CodeOf(err)
	return c == CodeValidation || c == CodeSizeLimit
}

// IsUniqueConstraint reports whether err is a unique-constraint collision.
func IsUniqueConstraint(err error) bool { return HasCode(err, CodeUniqueConstraint) }

// IsUnavailable reports whether err is a dependency-unavailable error.
func IsUnavailable(err error) bool { return HasCode(err, CodeUnavailable) }

// Wrap adds context to err while preserving its typed identity. Untyped
// errors become Internal.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return &Error{
			Code:    e.Code,
			Message: message + ": " + e.Message,
			Context: e.Context,
			cause:   e,
		}
	}
	return Internal(message, err)
}

// ====== WIRE FORM ======

// Wire is the JSON error shape every handler emits.
type Wire struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Context map[string]any `json:"context,omitempty"`
}

// ToWire converts any error into its wire form, sanitizing untyped messages.
func ToWire(err error) Wire {
	if e, ok := AsError(err); ok {
		return Wire{Error: e.Message, Code: string(e.Code), Context: e.Context}
	}
	return Wire{Error: Sanitize(err.Error()), Code: string(CodeInternal)}
}

var secretPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password|bearer)\s*[=:]\s*\S+`)

// Sanitize scrubs home-directory paths and key=value secrets from a message
// so internal details never leak onto the wire.
func Sanitize(message string) string {
	out := secretPattern.ReplaceAllStringFunc(message, func(m string) string {
		idx := strings.IndexAny(m, "=:")
		if idx < 0 {
			return "[redacted]"
		}
		return m[:idx+1] + "[redacted]"
	})
	if home, err := os.UserHomeDir(); err == nil && home != "" && home != "/" {
		out = strings.ReplaceAll(out, home, "~")
	}
	return out
}
