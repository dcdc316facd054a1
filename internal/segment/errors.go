package segment

import (
	"fmt"

	segerrors "github.com/chroma-core/vectorsegment/internal/errors"
)

// Error codes specific to the vector segment (§7). These extend the
// shared errors package's numeric ranges with a 6XX "segment" category.
const (
	ErrCodeDimensionMismatch = "ERR_601_DIMENSION_MISMATCH"
	ErrCodeBatchFull         = "ERR_602_BATCH_FULL"
	ErrCodeUnknownId         = "ERR_603_UNKNOWN_ID"
	ErrCodeDuplicateId       = "ERR_604_DUPLICATE_ID"
	ErrCodeCapacityExhausted = "ERR_605_CAPACITY_EXHAUSTED"
	ErrCodePersistFailure    = "ERR_606_PERSISTENCE_FAILURE"
	ErrCodeStoppedComponent  = "ERR_607_STOPPED_COMPONENT"
	ErrCodeResetForbidden    = "ERR_608_RESET_FORBIDDEN"
)

// DimensionMismatchError is returned when a vector's length disagrees
// with the segment's established dim (§3, §7). Non-fatal at the record
// level: Segment.applyRecords drops such a record and logs a warning; no
// count of dropped records is kept.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// AsSegmentError wraps the dimension mismatch as a structured SegmentError.
func (e *DimensionMismatchError) AsSegmentError() *segerrors.SegmentError {
	return segerrors.New(ErrCodeDimensionMismatch, e.Error(), e)
}

// ErrBatchFull is returned by BruteForceIndex.Upsert when the buffer is
// at capacity and the id is new (§4.2). It is not surfaced to the log
// caller as an error — it triggers an immediate apply instead (§7).
type ErrBatchFull struct{}

func (ErrBatchFull) Error() string { return "brute-force buffer is full" }

// ErrUnknownId is a normal outcome of an UPDATE/DELETE to a missing id.
type ErrUnknownId struct{ Id string }

func (e ErrUnknownId) Error() string { return fmt.Sprintf("unknown id: %s", e.Id) }

// ErrDuplicateId is a normal outcome of an ADD to an existing id.
type ErrDuplicateId struct{ Id string }

func (e ErrDuplicateId) Error() string { return fmt.Sprintf("duplicate id: %s", e.Id) }

// ErrCapacityExhausted is fatal for the apply that triggers it (§7):
// the HNSW resize failed to accommodate incoming labels.
type ErrCapacityExhausted struct {
	Requested int
	Current   int
}

func (e ErrCapacityExhausted) Error() string {
	return fmt.Sprintf("hnsw capacity exhausted: requested %d, current capacity %d", e.Requested, e.Current)
}

// ErrPersistenceFailure wraps an I/O error encountered while flushing the
// graph or writing the metadata snapshot.
type ErrPersistenceFailure struct{ Cause error }

func (e ErrPersistenceFailure) Error() string { return fmt.Sprintf("persistence failure: %v", e.Cause) }
func (e ErrPersistenceFailure) Unwrap() error  { return e.Cause }

// ErrStoppedComponent is returned when a write is received while the
// segment is Closed.
type ErrStoppedComponent struct{}

func (ErrStoppedComponent) Error() string { return "segment is closed" }

// ErrResetForbidden is returned by ResetState when AllowReset is false.
type ErrResetForbidden struct{}

func (ErrResetForbidden) Error() string { return "reset_state called without allow_reset" }
