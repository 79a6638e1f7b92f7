// Package imperr defines the typed errors the import service raises. Each
// kind carries an HTTP status for the request edge and an acknowledgement
// class for the bus edge; application code wraps causes into kinds and the
// edges do the mapping.
package imperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

type Kind string

const (
	BadJson              Kind = "bad_json"
	Authorization        Kind = "authorization"
	NotFound             Kind = "not_found"
	InvalidPath          Kind = "invalid_path"
	InvalidFiletype      Kind = "invalid_filetype"
	FileTooBig           Kind = "file_too_big_to_download"
	FileTranslation      Kind = "file_translation"
	System               Kind = "system"
	Conflict             Kind = "conflict"
	TerminalStatusChange Kind = "terminal_status_change"
	IllegalStatusChange  Kind = "illegal_status_change"
	BadPubSubToken       Kind = "bad_pubsub_token"
)

// AckClass tells the bus edge what to do with the message that produced the
// error.
type AckClass int

const (
	// AckWithError acknowledges the message; the failure is the payload's
	// fault and redelivery would fail identically.
	AckWithError AckClass = iota
	// Nack asks the bus to redeliver.
	Nack
)

// Error is a typed import-service error.
type Error struct {
	Kind    Kind
	Message string
	// ErrorID correlates a user-visible failure with server logs.
	ErrorID string

	cause error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		ErrorID: uuid.NewString(),
	}
}

// Wrap attaches a cause to a new typed error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the kind to the request-edge status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case Authorization:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case FileTranslation, System:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Ack maps the kind to the bus-edge acknowledgement class. System failures
// (staging bucket writes, transient upstream errors) are the only application
// errors worth redelivering; state-machine violations are nacked so the
// upstream publisher notices.
func (e *Error) Ack() AckClass {
	switch e.Kind {
	case System, TerminalStatusChange, IllegalStatusChange:
		return Nack
	default:
		return AckWithError
	}
}

// IsKind reports whether err is a typed error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// As extracts the typed error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
