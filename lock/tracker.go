// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package lock

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// Tracker accumulates the locks an executing operation holds and
// releases them together when the operation ends. Acquisition order is
// ascending by lock id, which rules out deadlock between operations
// that need overlapping lock sets; Acquire enforces the order. A
// Tracker is not safe for concurrent use.
type Tracker struct {
	manager *Manager
	owner   string
	held    []*Lock
	ids     set.Strings
}

// NewTracker returns a Tracker whose locks all carry the given owner
// token. Derive the token from the operation id, so that a replay of
// the same operation adopts, rather than collides with, locks a
// crashed attempt left behind.
func (m *Manager) NewTracker(owner string) *Tracker {
	return &Tracker{
		manager: m,
		owner:   owner,
		ids:     set.NewStrings(),
	}
}

// Acquire takes the lock for one resource, reporting ErrLockFailed if
// a different operation holds it. Re-acquiring a held resource is a
// no-op; acquiring below the highest held id is a programming error.
func (t *Tracker) Acquire(ctx context.Context, resource ResourceType, resourceID string) error {
	id := ID(resource, resourceID)
	if t.ids.Contains(id) {
		return nil
	}
	if n := len(t.held); n > 0 && t.held[n-1].ID() >= id {
		return errors.NotValidf("acquiring %q after %q", id, t.held[n-1].ID())
	}
	lk, err := t.manager.Acquire(ctx, resource, resourceID, AcquireParams{OwnerID: t.owner})
	if err != nil {
		return errors.Trace(err)
	}
	t.held = append(t.held, lk)
	t.ids.Add(id)
	return nil
}

// Holds reports whether the tracker holds the resource's lock.
func (t *Tracker) Holds(resource ResourceType, resourceID string) bool {
	return t.ids.Contains(ID(resource, resourceID))
}

// ReleaseAll releases every held lock in reverse acquisition order.
// Every lock is attempted; failures are logged and the first is
// returned.
func (t *Tracker) ReleaseAll(ctx context.Context) error {
	var firstErr error
	for i := len(t.held) - 1; i >= 0; i-- {
		lk := t.held[i]
		if err := lk.Release(ctx); err != nil {
			logger.Warningf("releasing lock %q: %v", lk.ID(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	t.held = nil
	t.ids = set.NewStrings()
	return errors.Trace(firstErr)
}
