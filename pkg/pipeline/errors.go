package pipeline

import (
	"errors"
	"fmt"
)

// ErrSyncHalted is matched by the error of the tick that moved a resource to
// error. Later ticks are no-ops until the state is reset.
var ErrSyncHalted = errors.New("sync halted")

// errDeferred marks a tick that made no progress and must not change state.
var errDeferred = errors.New("deferred")

func halt(resource string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrSyncHalted, resource, cause)
}

func errMissingReport(campaignID string) error {
	return fmt.Errorf("no report for queued campaign %s", campaignID)
}
