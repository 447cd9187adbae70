// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package kv

import (
	"github.com/juju/errors"
)

// ErrConditionFailed indicates that a conditional Put or Delete found
// the item in a state the Expected conditions reject. Callers race a
// concurrent writer when they see this; the usual response is to
// re-read and decide again.
var ErrConditionFailed = errors.New("condition failed")

// IsConditionFailed returns whether the specified error represents
// ErrConditionFailed (even if it's wrapped).
func IsConditionFailed(err error) bool {
	return errors.Cause(err) == ErrConditionFailed
}

// transientError marks a substrate failure a retry may clear.
type transientError struct {
	error
}

// MarkTransient flags err as transient: throttling, timeouts and
// other substrate failures that are worth retrying. Drivers apply it;
// callers test with IsTransient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err}
}

// Unwrap exposes the marked error to the stdlib errors package.
func (e *transientError) Unwrap() error {
	return e.error
}

// IsTransient returns whether the specified error was marked with
// MarkTransient (even if it's wrapped).
func IsTransient(err error) bool {
	_, ok := errors.Cause(err).(*transientError)
	return ok
}
