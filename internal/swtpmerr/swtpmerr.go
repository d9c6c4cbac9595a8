// Package swtpmerr defines the typed error kinds shared across the state
// persistence engine. A Kind is a machine-checkable classification; the
// numeric TPM result code is only attached at the control-channel and
// request-pipeline boundaries (see internal/ctrlproto and internal/pipeline).
package swtpmerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way spec.md §7 enumerates error kinds.
type Kind int

const (
	// Fail covers any fatal I/O, allocation, or invariant violation not
	// covered by a more specific kind below.
	Fail Kind = iota
	// Retry indicates an expected-absent blob; callers treat this as
	// first boot, not an error.
	Retry
	// BadParameter indicates a malformed header, length mismatch, or
	// unknown option key.
	BadParameter
	// BadVersion indicates a blob requires a newer reader.
	BadVersion
	// BadMode indicates an unknown cipher mode.
	BadMode
	// BadKeyProperty indicates a key of the wrong length for its mode.
	BadKeyProperty
	// KeyNotFound indicates a blob is flagged encrypted but no matching
	// key is installed.
	KeyNotFound
	// DecryptError indicates HMAC verification failed — treated as
	// wrong key, not corruption.
	DecryptError
	// BadLocality indicates a request-pipeline locality protocol fault.
	BadLocality
	// BadParamSize indicates a request buffer shorter than its header.
	BadParamSize
)

func (k Kind) String() string {
	switch k {
	case Fail:
		return "FAIL"
	case Retry:
		return "RETRY"
	case BadParameter:
		return "BAD_PARAMETER"
	case BadVersion:
		return "BAD_VERSION"
	case BadMode:
		return "BAD_MODE"
	case BadKeyProperty:
		return "BAD_KEY_PROPERTY"
	case KeyNotFound:
		return "KEYNOTFOUND"
	case DecryptError:
		return "DECRYPT_ERROR"
	case BadLocality:
		return "BAD_LOCALITY"
	case BadParamSize:
		return "BAD_PARAM_SIZE"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned throughout this module. Op
// names the failing operation (e.g. "blobformat.Unwrap"); Err, if present,
// is the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error wrapping cause.
func Wrap(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// KindOf extracts the Kind from err, or Fail if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fail
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetry reports whether err signals a legitimate first-boot absence.
func IsRetry(err error) bool { return Is(err, Retry) }

// IsDecryptError reports whether err signals HMAC/authentication failure.
func IsDecryptError(err error) bool { return Is(err, DecryptError) }

// IsKeyNotFound reports whether err signals a missing required key.
func IsKeyNotFound(err error) bool { return Is(err, KeyNotFound) }
