package pipeline

import "fmt"

// ManifestMalformedError means directory discovery could not assemble a
// complete fragment set (spec §4.1, §7).
type ManifestMalformedError struct {
	Dir    string
	Reason string
}

func (e *ManifestMalformedError) Error() string {
	return fmt.Sprintf("manifest malformed in %q: %s", e.Dir, e.Reason)
}

// ShapeInconsistentError means declared tensor shapes violate the
// configuration invariants of §4.2.
type ShapeInconsistentError struct {
	Reason string
}

func (e *ShapeInconsistentError) Error() string {
	return fmt.Sprintf("shape inconsistent: %s", e.Reason)
}

// LoadFailedError means an individual fragment could not be instantiated.
type LoadFailedError struct {
	FragmentID string
	Cause      error
}

func (e *LoadFailedError) Error() string {
	return fmt.Sprintf("load failed for fragment %q: %v", e.FragmentID, e.Cause)
}

func (e *LoadFailedError) Unwrap() error { return e.Cause }

// InferenceFailedError means a fragment's Predict call returned an error
// during an active decode session. It terminates the stream and moves
// the Pipeline to StateFailed.
type InferenceFailedError struct {
	FragmentID string
	Cause      error
}

func (e *InferenceFailedError) Error() string {
	return fmt.Sprintf("inference failed in fragment %q: %v", e.FragmentID, e.Cause)
}

func (e *InferenceFailedError) Unwrap() error { return e.Cause }

// ContextOverflowError means the cache cursor would exceed ContextLength.
// It is a terminal stream event; already-emitted tokens remain valid.
type ContextOverflowError struct {
	ContextLength int64
	Cursor        int64
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context overflow: cursor %d would exceed context length %d", e.Cursor, e.ContextLength)
}

// CancelledError means the stream consumer cancelled before the stream
// completed normally.
type CancelledError struct{}

func (e *CancelledError) Error() string { return "prediction stream cancelled" }

// TokenizerUnavailableError is surfaced by the generator package, not by
// Pipeline itself — the tokenizer is an external collaborator per §1.
type TokenizerUnavailableError struct {
	Cause error
}

func (e *TokenizerUnavailableError) Error() string {
	return fmt.Sprintf("tokenizer unavailable: %v", e.Cause)
}

func (e *TokenizerUnavailableError) Unwrap() error { return e.Cause }
