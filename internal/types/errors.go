package types

import (
	"errors"
	"fmt"
)

// Kind classifies why a job failed.
type Kind string

const (
	KindSourceUnavailable Kind = "SourceUnavailable"
	KindMapper            Kind = "MapperError"
	KindReducer           Kind = "ReducerError"
	KindSpillIO           Kind = "SpillIOError"
	KindCapacityExceeded  Kind = "CapacityExceeded"
	KindCancelled         Kind = "Cancelled"
	KindOutput            Kind = "OutputError"
)

// Sentinels for errors.Is matching against a *JobError of the same kind.
var (
	ErrSourceUnavailable = &JobError{Kind: KindSourceUnavailable, Split: -1, Partition: -1}
	ErrMapper            = &JobError{Kind: KindMapper, Split: -1, Partition: -1}
	ErrReducer           = &JobError{Kind: KindReducer, Split: -1, Partition: -1}
	ErrSpillIO           = &JobError{Kind: KindSpillIO, Split: -1, Partition: -1}
	ErrCapacityExceeded  = &JobError{Kind: KindCapacityExceeded, Split: -1, Partition: -1}
	ErrCancelled         = &JobError{Kind: KindCancelled, Split: -1, Partition: -1}
	ErrOutput            = &JobError{Kind: KindOutput, Split: -1, Partition: -1}
)

// JobError is the structured failure attached to a FAILED job.
// Split and Partition are -1 when they do not apply; Key is empty
// unless a reducer failed on a specific key.
type JobError struct {
	Kind      Kind
	Split     int
	Partition int
	Key       string
	Cause     error
}

func (e *JobError) Error() string {
	msg := string(e.Kind)
	if e.Split >= 0 {
		msg += fmt.Sprintf(" split=%d", e.Split)
	}
	if e.Partition >= 0 {
		msg += fmt.Sprintf(" partition=%d", e.Partition)
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" key=%q", e.Key)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *JobError) Unwrap() error {
	return e.Cause
}

// Is matches any *JobError with the same Kind.
func (e *JobError) Is(target error) bool {
	t, ok := target.(*JobError)
	return ok && t.Kind == e.Kind
}

// SourceUnavailable wraps an input failure.
func SourceUnavailable(cause error) *JobError {
	return &JobError{Kind: KindSourceUnavailable, Split: -1, Partition: -1, Cause: cause}
}

// SpillIO wraps an intermediate storage failure for a partition (-1 if unknown).
func SpillIO(partition int, cause error) *JobError {
	return &JobError{Kind: KindSpillIO, Split: -1, Partition: partition, Cause: cause}
}

// AsJobError extracts the *JobError from err, if any.
func AsJobError(err error) (*JobError, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je, true
	}
	return nil, false
}
