package txfile

import "errors"

var (
	// ErrBadValue is returned when an argument fails validation.
	ErrBadValue = errors.New("bad value")

	// ErrPrerequisiteFailed is returned when a transaction prerequisite
	// does not hold; none of the spec's effects are applied.
	ErrPrerequisiteFailed = errors.New("prerequisite failed")

	// ErrTimedOut is returned when a wait operation outlives its timeout.
	ErrTimedOut = errors.New("timed out")

	// ErrFileNotFound is returned when transacting against a file that was
	// never created.
	ErrFileNotFound = errors.New("file not found")

	// ErrBackendError wraps storage-backend failures.
	ErrBackendError = errors.New("backend error")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("file is closed")
)
