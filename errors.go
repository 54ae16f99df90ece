package quill

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure. The string value doubles as the wire
// error code sent to the editor.
type ErrorKind string

const (
	// KindTransport is a connection or HTTP-level failure.
	KindTransport ErrorKind = "transport_error"
	// KindProtocol is a stream frame that could not be parsed.
	KindProtocol ErrorKind = "protocol_error"
	// KindServer is a structured error reported by the server, or a stream
	// that ended without producing any data.
	KindServer ErrorKind = "server_error"
	// KindBudget is a local precondition failure: the content is too large
	// for the model's input budget.
	KindBudget ErrorKind = "budget_exceeded"
	// KindNotConfigured means no generation API key is set.
	KindNotConfigured ErrorKind = "not_configured"
	// KindCancelled means the request was superseded or stopped by the user.
	// It is never shown to the user.
	KindCancelled ErrorKind = "cancelled"
)

// Failure is an error tagged with its ErrorKind.
type Failure struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Fail builds a Failure of the given kind with a formatted message.
func Fail(kind ErrorKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapFailure builds a Failure of the given kind around err.
func WrapFailure(kind ErrorKind, err error, message string) *Failure {
	return &Failure{Kind: kind, Message: message, Err: err}
}

func (f *Failure) Error() string {
	switch {
	case f.Err != nil && f.Message != "":
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// Wire converts the failure into the error object sent to the editor.
func (f *Failure) Wire() *Error {
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	} else if f.Err != nil {
		msg = msg + ": " + f.Err.Error()
	}
	return &Error{Code: string(f.Kind), Message: msg}
}

// KindOf reports the kind of err. Context cancellation maps to
// KindCancelled; untyped errors are treated as transport failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransport
}

// IsCancelled reports whether err represents a superseded or stopped request.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// WireError converts any error into a wire error object. It returns nil for
// nil and cancelled errors, which are never reported to the editor.
func WireError(err error) *Error {
	if err == nil || IsCancelled(err) {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Wire()
	}
	return &Error{Code: string(KindTransport), Message: err.Error()}
}
