// Package errors provides the closed processing-failure taxonomy for the
// ingest pipeline. Inner stages return tagged errors; the processing
// entry point is the single boundary that classifies them into an
// upload event status.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/replaynet/replaynet-ingest-go/internal/model"
)

// Kind is the failure class of a processing error. The set is closed:
// every failure maps to exactly one kind, and unclassified errors fall
// back to KindServer.
type Kind string

const (
	// KindParsing - the log parser could not interpret the byte stream.
	KindParsing Kind = "PARSING"
	// KindUnsupported - the log parsed but lacks information the
	// pipeline requires (missing player name, missing hero).
	KindUnsupported Kind = "UNSUPPORTED"
	// KindValidation - structurally parseable but semantically invalid
	// (wrong game count, ambiguous dedup match, non-hero card as hero).
	KindValidation Kind = "VALIDATION"
	// KindServer - catch-all for any other failure.
	KindServer Kind = "SERVER"
)

// Status maps a failure kind to the terminal upload event status.
func (k Kind) Status() model.UploadEventStatus {
	switch k {
	case KindParsing:
		return model.StatusParsingError
	case KindUnsupported:
		return model.StatusUnsupported
	case KindValidation:
		return model.StatusValidationError
	case KindServer:
		return model.StatusServerError
	default:
		return model.StatusServerError
	}
}

// Error is a tagged processing failure.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Parsing returns a KindParsing error wrapping cause.
func Parsing(cause error) *Error {
	return &Error{Kind: KindParsing, Message: "could not parse log", cause: cause}
}

// Unsupportedf returns a KindUnsupported error.
func Unsupportedf(format string, args ...any) *Error {
	return &Error{Kind: KindUnsupported, Message: fmt.Sprintf(format, args...)}
}

// Validationf returns a KindValidation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Serverf returns a KindServer error.
func Serverf(format string, args ...any) *Error {
	return &Error{Kind: KindServer, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Untagged errors are KindServer.
func KindOf(err error) Kind {
	var pe *Error
	if stderrors.As(err, &pe) {
		return pe.Kind
	}
	return KindServer
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
