// Package dfserr defines the error taxonomy shared by every component: a
// small set of sentinel kinds that call sites wrap with context via
// fmt.Errorf's %w verb and that boundaries (HTTP handlers, RPC clients)
// unwrap with errors.Is to decide status codes and retry behaviour.
package dfserr

import "errors"

var (
	// ErrNotFound means the addressed entity (path, id) is absent.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists means a unique-key collision occurred.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvariantViolation means the request would break a namespace or
	// replication invariant (directory not empty, parent missing, leader
	// uniqueness, etc).
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrCapacityExceeded means no node had enough available space.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrNoEligibleNodes means placement found no eligible storage nodes.
	ErrNoEligibleNodes = errors.New("no eligible nodes")

	// ErrTransient means an RPC timed out or a peer was unreachable;
	// callers should retry with capped exponential backoff.
	ErrTransient = errors.New("transient failure")

	// ErrIntegrity means a checksum mismatch was detected on read.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrFatal means a local disk I/O failure on the metadata leader's
	// store; the node should demote itself.
	ErrFatal = errors.New("fatal local failure")

	// ErrConflict signals a namespace race lost by the caller.
	ErrConflict = errors.New("conflict")
)

// Kind classifies an error into one of the taxonomy buckets above, for
// callers (e.g. the HTTP layer) that need to pick a status code without a
// long chain of errors.Is checks.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvariantViolation
	KindCapacityExceeded
	KindNoEligibleNodes
	KindTransient
	KindIntegrity
	KindFatal
	KindConflict
)

// Classify returns the Kind of err based on the sentinel it wraps, or
// KindUnknown if err wraps none of them.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariantViolation
	case errors.Is(err, ErrCapacityExceeded):
		return KindCapacityExceeded
	case errors.Is(err, ErrNoEligibleNodes):
		return KindNoEligibleNodes
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindUnknown
	}
}
