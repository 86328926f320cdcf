package domain

import "fmt"

// ErrorKind classifies a collection-time failure so callers can decide
// how to degrade.
type ErrorKind string

const (
	// SourceUnavailable means an entire upstream (engine, proc tree,
	// platform) could not be reached at all.
	SourceUnavailable ErrorKind = "source_unavailable"
	// PerItemFailure means one item within an otherwise healthy source
	// failed (e.g. a single container inspect).
	PerItemFailure ErrorKind = "per_item_failure"
	// PartialAttribution means a pid could not be mapped to an owner.
	PartialAttribution ErrorKind = "partial_attribution"
	// Timeout means a bounded phase (the platform RPC) ran out its clock.
	Timeout ErrorKind = "timeout"
	// ConfigurationError means supplied configuration (e.g. TLS material)
	// was unusable; the affected feature is downgraded or disabled.
	ConfigurationError ErrorKind = "configuration_error"
	// Fatal means no source produced a single record; Collect() itself
	// returns a non-nil error alongside a partial report.
	Fatal ErrorKind = "fatal"
)

// CollectError wraps a failure with its recovery classification.
type CollectError struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *CollectError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Source, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CollectError) Unwrap() error { return e.Err }

// NewCollectError constructs a CollectError.
func NewCollectError(kind ErrorKind, source string, err error) *CollectError {
	return &CollectError{Kind: kind, Source: source, Err: err}
}
