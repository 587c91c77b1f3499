package common

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when no record exists for a key.
var ErrNotFound = errors.New("record not found")

// MalformedInputError rejects a single raw signal whose shape does not
// match its declared modality. The rest of the run continues.
type MalformedInputError struct {
	Modality string
	Kind     string
	Reason   string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed input: modality=%q kind=%q: %s", e.Modality, e.Kind, e.Reason)
}

// InsufficientSignalError drops a candidate cluster whose combined
// confidence is below the usability floor. No entity is created from it.
type InsufficientSignalError struct {
	Kind       string
	Confidence float64
	Floor      float64
}

func (e *InsufficientSignalError) Error() string {
	return fmt.Sprintf("insufficient signal: cluster kind=%q confidence=%.3f below floor %.3f", e.Kind, e.Confidence, e.Floor)
}

// AmbiguousResolutionWarning flags a cluster that matched multiple memory
// records within the tie-break epsilon. It is non-fatal: the cluster is
// attached to the best match and the ambiguity lands in entity metadata.
type AmbiguousResolutionWarning struct {
	FingerprintKey string
	Candidates     []string
	Spread         float64
}

func (e *AmbiguousResolutionWarning) Error() string {
	return fmt.Sprintf("ambiguous resolution: fingerprint=%q matched %d records within epsilon (spread=%.4f)", e.FingerprintKey, len(e.Candidates), e.Spread)
}

// PersistenceConflictError signals a concurrent write to the same
// fingerprint. Callers retry once with a fresh read before surfacing it
// as a run failure.
type PersistenceConflictError struct {
	FingerprintKey string
}

func (e *PersistenceConflictError) Error() string {
	return fmt.Sprintf("persistence conflict on fingerprint %q", e.FingerprintKey)
}

// UnrecognizedCategoryError is recorded when the scenario modeler meets a
// category it has no template for. It is never fatal: a generic scenario
// is emitted instead.
type UnrecognizedCategoryError struct {
	Category ExposureCategory
}

func (e *UnrecognizedCategoryError) Error() string {
	return fmt.Sprintf("unrecognized exposure category %q", e.Category)
}
