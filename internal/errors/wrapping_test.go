package errors_test

import (
	"os"
	"path/filepath"
	"testing"

	segerrors "github.com/chroma-core/vectorsegment/internal/errors"
)

// TestErrorWrapping_Persistence verifies a wrapped os error keeps its cause
// reachable via errors.Unwrap and carries the segment error code.
func TestErrorWrapping_Persistence(t *testing.T) {
	_, statErr := os.Open(filepath.Join(t.TempDir(), "missing", "metadata.snap"))
	if statErr == nil {
		t.Fatal("expected an error opening a nonexistent path")
	}

	wrapped := segerrors.Wrap("ERR_606_PERSISTENCE_FAILURE", statErr)

	if wrapped.Unwrap() != statErr {
		t.Errorf("Unwrap() should return the original cause")
	}
	if segerrors.GetCode(wrapped) != "ERR_606_PERSISTENCE_FAILURE" {
		t.Errorf("GetCode() = %q, want ERR_606_PERSISTENCE_FAILURE", segerrors.GetCode(wrapped))
	}
	if segerrors.GetCategory(wrapped) != segerrors.CategorySegment {
		t.Errorf("GetCategory() = %q, want SEGMENT", segerrors.GetCategory(wrapped))
	}
}

// TestErrorWrapping_Nil verifies Wrap(nil) is a no-op, matching errors.Wrap's
// contract used throughout the segment package's persistence paths.
func TestErrorWrapping_Nil(t *testing.T) {
	if segerrors.Wrap("ERR_606_PERSISTENCE_FAILURE", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}
