package segment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// SegmentLock enforces the single-writer-per-segment-directory
// invariant (§5) across processes using gofrs/flock, the same library
// the teacher uses to serialize embedding-model downloads.
type SegmentLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewSegmentLock creates a lock for the given segment directory. The
// lock file lives at <dir>/.segment.lock.
func NewSegmentLock(dir string) *SegmentLock {
	lockPath := filepath.Join(dir, ".segment.lock")
	return &SegmentLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Lock acquires the exclusive lock, blocking until available.
func (l *SegmentLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("acquire segment lock: %w", err)
	}
	l.locked = true
	return nil
}

// TryLock attempts to acquire the lock without blocking. A second
// Segment.Open on the same directory must fail this way rather than
// hang (§6: "opening an already-open segment directory is an error").
func (l *SegmentLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire segment lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Unlock releases the lock. Safe to call multiple times.
func (l *SegmentLock) Unlock() error {
	if !l.locked {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release segment lock: %w", err)
	}
	l.locked = false
	return nil
}

// IsLocked reports whether this handle currently holds the lock.
func (l *SegmentLock) IsLocked() bool { return l.locked }

// Path returns the lock file's path.
func (l *SegmentLock) Path() string { return l.path }
