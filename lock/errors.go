// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package lock

import (
	"github.com/juju/errors"
)

// ErrLockFailed reports that a lock is held by a different live owner,
// or that a lock we thought we held turned out to be lost.
var ErrLockFailed = errors.New("lock failed")

// IsLockFailed reports whether err indicates a failed or lost lock.
func IsLockFailed(err error) bool {
	return errors.Cause(err) == ErrLockFailed
}
