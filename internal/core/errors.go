package core

import "fmt"

// FailureKind classifies a failed extraction attempt. The orchestrator uses
// the kind to pick the failure-cache TTL, and the API layer maps it to a
// response status.
type FailureKind int

const (
	// FailureUnknown covers everything that is not otherwise classified
	FailureUnknown FailureKind = iota
	// FailureNotFound means the upstream has no playable stream for the key
	FailureNotFound
	// FailureRateLimited means the upstream rejected us for calling too often
	FailureRateLimited
	// FailureTimeout means the extraction attempt exceeded its deadline
	FailureTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureNotFound:
		return "not_found"
	case FailureRateLimited:
		return "rate_limited"
	case FailureTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ExtractionError is a classified, per-key, recoverable extraction failure.
// It is what gets stored (by kind) in the failure cache.
type ExtractionError struct {
	Key    string
	Kind   FailureKind
	Cached bool
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Cached {
		return fmt.Sprintf("extraction failed for %q: %s (cached)", e.Key, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("extraction failed for %q: %s: %v", e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("extraction failed for %q: %s", e.Key, e.Kind)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
