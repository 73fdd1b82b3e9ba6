package daemon

import (
	"errors"
	"fmt"
)

var (
	// ErrConsistencyViolation marks a record whose sequence value does not
	// follow the previous one.
	ErrConsistencyViolation = errors.New("consistency violation")

	// ErrSourceUnavailable marks a task whose source directory is missing
	// or is not a directory.
	ErrSourceUnavailable = errors.New("source unavailable")
)

// ConsistencyError describes a record that broke the ascending sequence
// order of a file.
type ConsistencyError struct {
	File string
	// Last is the sequence value the record had to exceed.
	Last int64
	Got  int64
	// NoSequence is set when the record carried no sequence value.
	NoSequence bool
}

func (e *ConsistencyError) Error() string {
	if e.NoSequence {
		return fmt.Sprintf("%s: record without sequence value after %d", e.File, e.Last)
	}
	return fmt.Sprintf("%s: sequence %d does not follow %d", e.File, e.Got, e.Last)
}

func (e *ConsistencyError) Unwrap() error {
	return ErrConsistencyViolation
}
