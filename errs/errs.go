// Package errs implements the closed error taxonomy the engine's
// boundaries (RequestBridge, REST surface) classify every failure into.
// Internal packages are free to return plain wrapped errors; only code
// that needs to report a status code or a stable machine-readable error
// type needs to reach for *Error.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error classifications from the error
// taxonomy. Each maps to exactly one HTTP status at the REST boundary.
type Kind string

const (
	MalformedRequest     Kind = "MalformedRequest"     // 400
	ResourceNotFound      Kind = "ResourceNotFound"      // 404
	UnsupportedScriptType Kind = "UnsupportedScriptType" // 400
	ConflictingArgs       Kind = "ConflictingArgs"       // 400
	StateConflict         Kind = "StateConflict"         // 409
	StartupFailure        Kind = "StartupFailure"        // 500
	ScriptFailure         Kind = "ScriptFailure"         // 500
	Timeout               Kind = "Timeout"               // 504
	EnvPreparationFailure Kind = "EnvPreparationFailure" // 500
	Fatal                 Kind = "Fatal"                 // 500
)

// httpStatus maps each Kind to its REST status code (spec §7).
var httpStatus = map[Kind]int{
	MalformedRequest:      400,
	ResourceNotFound:      404,
	UnsupportedScriptType: 400,
	ConflictingArgs:       400,
	StateConflict:         409,
	StartupFailure:        500,
	ScriptFailure:         500,
	Timeout:               504,
	EnvPreparationFailure: 500,
	Fatal:                 500,
}

// Error is a classified engine error: a Kind, a human-readable message,
// and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New builds a classified error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a classified error wrapping an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As over the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the REST status code for e's Kind, defaulting to 500
// for an unrecognized Kind (should not happen for values constructed via
// New/Wrap in this package).
func (e *Error) HTTPStatus() int {
	if code, ok := httpStatus[e.Kind]; ok {
		return code
	}
	return 500
}

// As extracts a *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies err, defaulting to Fatal when err carries no *Error in
// its chain. Used at REST/RequestBridge boundaries that must always
// return a status code even for unexpected errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Fatal
}
