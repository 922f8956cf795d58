package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	KindCrash              Kind = "crash"
	KindTimeout            Kind = "timeout"
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindPreconditionFailed Kind = "precondition_failed"
	KindInvalidDecision    Kind = "invalid_decision"
	KindRetryExhausted     Kind = "retry_exhausted"

	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = "unknown"
)

// ParseKind maps a config or CLI string onto a Kind.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCrash, KindTimeout, KindValidation, KindNotFound,
		KindPreconditionFailed, KindInvalidDecision, KindRetryExhausted:
		return k, true
	}
	return KindUnknown, false
}

// Error is a classified error with optional detail for the user.
type Error struct {
	Kind    Kind
	Message string

	// Field and Valid describe a rejected input.
	Field string
	Valid []string

	// Attempts is the number of attempts made before giving up.
	Attempts int

	Suggestions []string
	Cause       error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(e.Message)
	if e.Field != "" && len(e.Valid) > 0 {
		b.WriteString(fmt.Sprintf(" (%s must be one of: %s)", e.Field, strings.Join(e.Valid, ", ")))
	}
	if e.Attempts > 0 {
		b.WriteString(fmt.Sprintf(" after %d attempt(s)", e.Attempts))
	}
	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new classified error
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap classifies an existing error
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NotFound(what, id string) *Error {
	return New(KindNotFound, "%s %q not found", what, id)
}

func Precondition(format string, args ...any) *Error {
	return New(KindPreconditionFailed, format, args...)
}

// InvalidDecision reports a decision that is not among the valid option ids.
func InvalidDecision(decision string, valid []string) *Error {
	e := New(KindInvalidDecision, "invalid decision %q", decision)
	e.Field = "decision"
	e.Valid = append([]string(nil), valid...)
	return e
}

// Exhausted wraps the last failure of an operation that ran out of attempts.
func Exhausted(attempts int, last error) *Error {
	return &Error{
		Kind:     KindRetryExhausted,
		Message:  fmt.Sprintf("retries exhausted (last error kind: %s)", KindOf(last)),
		Attempts: attempts,
		Cause:    last,
	}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Is and As forward to the standard library so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
