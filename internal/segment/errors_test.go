package segment

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDimensionMismatchError_AsSegmentError_CarriesCodeAndCause(t *testing.T) {
	dimErr := &DimensionMismatchError{Expected: 3, Got: 4}

	segErr := dimErr.AsSegmentError()

	assert.Equal(t, ErrCodeDimensionMismatch, segErr.Code)
	assert.ErrorIs(t, segErr.Cause, dimErr)
}

func TestErrPersistenceFailure_Unwrap_ExposesCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	wrapped := ErrPersistenceFailure{Cause: cause}

	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "disk full")
}

func TestSentinelErrors_ErrorMessagesIncludeContext(t *testing.T) {
	assert.Contains(t, ErrUnknownId{Id: "x"}.Error(), "x")
	assert.Contains(t, ErrDuplicateId{Id: "y"}.Error(), "y")
	assert.Contains(t, ErrCapacityExhausted{Requested: 10, Current: 5}.Error(), "10")
	assert.Equal(t, "brute-force buffer is full", ErrBatchFull{}.Error())
	assert.Equal(t, "segment is closed", ErrStoppedComponent{}.Error())
	assert.Equal(t, "reset_state called without allow_reset", ErrResetForbidden{}.Error())
}

func TestDimensionMismatchError_Is_MatchedViaErrorsAs(t *testing.T) {
	var err error = &DimensionMismatchError{Expected: 1, Got: 2}

	var dimErr *DimensionMismatchError
	ok := errors.As(err, &dimErr)

	assert.True(t, ok)
	assert.Equal(t, 1, dimErr.Expected)
}
