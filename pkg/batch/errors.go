package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchTimeout means the job did not finish within its time budget.
	// The stored identifier is discarded; a new submission follows next cycle.
	ErrBatchTimeout = errors.New("batch timed out")

	// ErrBatchErroredOperations means the remote reported failed operations.
	ErrBatchErroredOperations = errors.New("batch has errored operations")

	// ErrIDNotDiscarded means the results of a finished job were downloaded
	// but its stored identifier could not be removed. The results must not be
	// applied until it is, or a later tick would resume the consumed job.
	ErrIDNotDiscarded = errors.New("batch id not discarded")
)

// SubmissionError is returned when the remote answers a submission with an
// error status or without a job identifier.
type SubmissionError struct {
	Status string
	Err    error
}

// Error implements the error interface.
func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("batch submission failed: %v", e.Err)
	}
	return fmt.Sprintf("batch submission failed with status %q", e.Status)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SubmissionError) Unwrap() error {
	return e.Err
}
