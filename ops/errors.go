// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package ops

import (
	"github.com/juju/errors"
)

// ErrStopOperation aborts the current execution attempt without
// recording a failure. The operation stays queued exactly as it was
// and runs again on the next drain of the user's queue; handlers
// return it after queueing a nested operation that must run first.
var ErrStopOperation = errors.New("stop operation")

// IsStopOperation reports whether err is a deliberate stop.
func IsStopOperation(err error) bool {
	return errors.Cause(err) == ErrStopOperation
}

// ErrTooManyRetries reports an operation that exhausted its failure
// budget and was quarantined for manual inspection.
var ErrTooManyRetries = errors.New("too many retries")

// IsTooManyRetries reports whether err indicates quarantine.
func IsTooManyRetries(err error) bool {
	return errors.Cause(err) == ErrTooManyRetries
}

// ErrPending reports that a submitted operation was persisted but its
// execution did not complete while the submitter waited: the queue is
// backed off, locked by another server, or the operation itself
// failed. The operation remains queued and will be retried.
var ErrPending = errors.New("operation pending")

// IsPending reports whether err indicates a queued but uncompleted
// operation.
func IsPending(err error) bool {
	return errors.Cause(err) == ErrPending
}
