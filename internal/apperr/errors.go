package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error so callers can tell "fix your data" apart from
// "this was already decided".
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindIntegrity  Kind = "integrity"
	KindForbidden  Kind = "forbidden"
	KindInternal   Kind = "internal"
)

// FieldError points at a single offending field, optionally inside a row of an
// uploaded batch. Row is 1-based; 0 means the error is not row-specific.
type FieldError struct {
	Row     int    `json:"row,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	var b strings.Builder
	if f.Row > 0 {
		fmt.Fprintf(&b, "row %d: ", f.Row)
	}
	if f.Field != "" {
		b.WriteString(f.Field)
		b.WriteString(": ")
	}
	b.WriteString(f.Message)
	return b.String()
}

// Error is the structured error surfaced to command callers
type Error struct {
	Kind     Kind                   `json:"kind"`
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	Details  []FieldError           `json:"details,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Err      error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		parts := make([]string, 0, len(e.Details))
		for _, d := range e.Details {
			parts = append(parts, d.String())
		}
		msg += " [" + strings.Join(parts, "; ") + "]"
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (internal: %v)", e.Err)
	}
	return msg
}

// Unwrap returns the internal error for error chain support
func (e *Error) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *Error) WithMetadata(key string, value interface{}) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails appends field errors
func (e *Error) WithDetails(details ...FieldError) *Error {
	e.Details = append(e.Details, details...)
	return e
}

func Validation(code, message string, details ...FieldError) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Details: details}
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func Integrity(code, message string, details ...FieldError) *Error {
	return &Error{Kind: KindIntegrity, Code: code, Message: message, Details: details}
}

func Forbidden(code, message string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: message}
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: message, Err: err}
}

// KindOf reports the kind of err. Errors that are not *Error are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind checks whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As extracts the structured error from err, wrapping unknown errors as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("unexpected error", err)
}
