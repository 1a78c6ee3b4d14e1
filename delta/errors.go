package delta

import (
	"errors"
	"fmt"
)

// ErrBadValue is returned when an argument fails validation at a package
// boundary.
var ErrBadValue = errors.New("bad value")

// ErrBadData is returned when an encoded delta crosses a boundary in a shape
// this package does not recognize.
var ErrBadData = errors.New("bad data")

// ErrKindMismatch is returned when two deltas of different payload kinds are
// combined.
var ErrKindMismatch = errors.New("delta kind mismatch")

func badValuef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrBadValue}, args...)...)
}

func badDataf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrBadData}, args...)...)
}
