// Package apperr defines the error taxonomy shared by the transcription pipeline.
//
// Configuration, connection and recognition errors end the current session.
// Enrichment errors stay local to one segment field. Cancellation is the
// expected outcome of a superseded or torn-down call and must not be surfaced
// to the user as a failure.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind string

const (
	// KindConfiguration indicates missing or invalid credentials/settings.
	KindConfiguration Kind = "CONFIGURATION"
	// KindConnection indicates the backend was unreachable or rejected the session.
	KindConnection Kind = "CONNECTION"
	// KindRecognition indicates the backend cancelled recognition mid-session.
	KindRecognition Kind = "RECOGNITION"
	// KindEnrichment indicates a correction or translation call failed.
	KindEnrichment Kind = "ENRICHMENT"
	// KindCancellation indicates a call was superseded or its scope torn down.
	KindCancellation Kind = "CANCELLATION"
)

// Error is the pipeline error type.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

func newError(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Configuration creates a CONFIGURATION error.
func Configuration(op, message string) *Error {
	return newError(KindConfiguration, op, message, nil)
}

// Connection creates a CONNECTION error wrapping cause.
func Connection(op string, cause error) *Error {
	return newError(KindConnection, op, "backend unreachable or rejected the session", cause)
}

// Recognition creates a RECOGNITION error wrapping cause.
func Recognition(op string, cause error) *Error {
	return newError(KindRecognition, op, "recognition cancelled by backend", cause)
}

// Enrichment creates an ENRICHMENT error wrapping cause.
func Enrichment(op string, cause error) *Error {
	return newError(KindEnrichment, op, "enrichment call failed", cause)
}

// Cancellation creates a CANCELLATION error.
func Cancellation(op, message string) *Error {
	return newError(KindCancellation, op, message, nil)
}

// Sentinels usable with errors.Is to match on kind only.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrConnection    = &Error{Kind: KindConnection}
	ErrRecognition   = &Error{Kind: KindRecognition}
	ErrEnrichment    = &Error{Kind: KindEnrichment}
	ErrCancellation  = &Error{Kind: KindCancellation}
)

// KindOf returns the Kind of err, or "" when err is not a pipeline error.
// A bare context.Canceled is reported as a cancellation.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancellation
	}
	return ""
}

// IsFatal reports whether err ends the current session.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindConfiguration, KindConnection, KindRecognition:
		return true
	}
	return false
}

// IsCancellation reports whether err is the expected result of a cancelled call.
func IsCancellation(err error) bool {
	return KindOf(err) == KindCancellation
}
