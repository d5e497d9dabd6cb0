// Package errs classifies pipeline errors into a small set of kinds that
// drive the retry policy: retryable kinds are recovered inside the consumer
// runtime, fatal kinds propagate to the top of the consumer and halt it.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class of an error.
type Kind int

const (
	// KindUnknown is an unclassified error. Treated as fatal.
	KindUnknown Kind = iota

	// KindChainUnavailable is a transient upstream node or transport issue.
	KindChainUnavailable

	// KindChainMalformed means an event or extrinsic cannot be parsed or
	// violates the expected shape. Fatal for the affected height.
	KindChainMalformed

	// KindStorageTransient is a destination store timeout or connection reset.
	KindStorageTransient

	// KindStorageFatal is a non-retryable destination store error.
	KindStorageFatal

	// KindSchema means DDL failed on startup.
	KindSchema

	// KindInvariant means an internal consistency check failed. Indicates a bug.
	KindInvariant

	// KindConfig means required configuration is missing or invalid.
	KindConfig
)

// String returns the kind name as used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindChainUnavailable:
		return "chain_unavailable"
	case KindChainMalformed:
		return "chain_malformed"
	case KindStorageTransient:
		return "storage_transient"
	case KindStorageFatal:
		return "storage_fatal"
	case KindSchema:
		return "schema_error"
	case KindInvariant:
		return "invariant_violation"
	case KindConfig:
		return "config_error"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying the operation that raised it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and the operation that raised it.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef wraps a formatted error with a kind and operation.
func Ef(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or KindUnknown if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the consumer runtime should retry the batch
// that produced err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindChainUnavailable, KindStorageTransient:
		return true
	default:
		return false
	}
}
