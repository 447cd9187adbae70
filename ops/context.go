// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package ops

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/core/ids"
	"github.com/viewfinder/viewfinder/lock"
	"github.com/viewfinder/viewfinder/state"
)

// OpContext is what a handler executes under: typed access to the
// operation row, its argument document, progress checkpoints, the
// lock tracker, nested operations and failpoints. An OpContext lives
// for one execution attempt and is not safe for concurrent use.
type OpContext struct {
	env   *Env
	op    *state.Operation
	locks *lock.Tracker
}

// Operation returns the executing operation row.
func (c *OpContext) Operation() *state.Operation {
	return c.op
}

// State returns the persistence layer.
func (c *OpContext) State() *state.State {
	return c.env.State
}

// UserID returns the user whose queue the operation belongs to.
func (c *OpContext) UserID() int64 {
	return c.op.UserID()
}

// Locks returns the tracker holding the operation's viewpoint locks.
// Everything acquired through it is released when the attempt ends.
func (c *OpContext) Locks() *lock.Tracker {
	return c.locks
}

// Args unmarshals the operation's argument document into v.
func (c *OpContext) Args(v any) error {
	if err := json.Unmarshal([]byte(c.op.Args()), v); err != nil {
		return errors.Annotatef(err, "arguments of operation %s", c.op.ID())
	}
	return nil
}

// Checkpoint loads the saved progress marker into v, reporting whether
// one was set. Handlers consult it at the top of every execution: a
// replay after a crash must skip the mutations the marker covers.
func (c *OpContext) Checkpoint(v any) (bool, error) {
	raw, ok := c.op.Checkpoint()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, errors.Annotatef(err, "checkpoint of operation %s", c.op.ID())
	}
	return true, nil
}

// SetCheckpoint persists v as the operation's progress marker,
// replacing any previous one. Write it after the last idempotency-
// breaking mutation and before the effects that depend on it.
func (c *OpContext) SetCheckpoint(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Annotatef(err, "checkpoint of operation %s", c.op.ID())
	}
	return errors.Trace(c.op.SetCheckpoint(ctx, string(raw)))
}

// Nested queues a child operation directly ahead of the parent and
// parks the parent by returning ErrStopOperation: the child's id sorts
// before every sibling of the parent, so the next drain runs it first,
// and the parent runs again once the child completes.
//
// The child is created idempotently, but it is deleted once it has
// run; the parent must consult its checkpoint or the domain state
// before calling Nested again, or a replay will re-queue a child that
// already did its work. A child that was quarantined fails the parent
// with ErrTooManyRetries.
func (c *OpContext) Nested(ctx context.Context, method string, args any) error {
	if _, err := c.env.Registry.Lookup(method); err != nil {
		return errors.Trace(err)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return errors.Annotatef(err, "arguments of nested %s", method)
	}
	childID := ids.Nested(c.op.ID())
	child, created, err := c.env.State.CreateOperation(ctx, c.UserID(), childID, state.NewOperation{
		DeviceID: c.op.DeviceID(),
		Method:   method,
		Args:     string(raw),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !created && child.Quarantined() {
		return errors.Annotatef(ErrTooManyRetries, "nested operation %s", childID)
	}
	logger.Debugf("operation %s queued nested %s %s", c.op.ID(), method, childID)
	return ErrStopOperation
}

// TriggerFailpoint fails the operation at a named point, exactly once.
// The first execution past an armed failpoint persists its marker and
// returns an error; the retried execution sees the marker and sails
// through, which is how crash-and-replay paths get exercised end to
// end. Failpoints are inert unless the environment enables them.
func (c *OpContext) TriggerFailpoint(ctx context.Context, marker string) error {
	if !c.env.EnableFailpoints {
		return nil
	}
	if c.op.HasTriggeredFailpoint(marker) {
		return nil
	}
	if err := c.op.AddTriggeredFailpoint(ctx, marker); err != nil {
		return errors.Trace(err)
	}
	return errors.Errorf("operation %s hit failpoint %q", c.op.ID(), marker)
}

// CheckContext is what a Method.Check vets a submission under: the
// migrated argument document and read access to state, before any
// operation row exists. Mutating state from a check is a bug; the
// submission may still be rejected or lost.
type CheckContext struct {
	st       *state.State
	userID   int64
	deviceID int64
	doc      map[string]any
}

// State returns the persistence layer, for read-only lookups.
func (c *CheckContext) State() *state.State {
	return c.st
}

// UserID returns the submitting user.
func (c *CheckContext) UserID() int64 {
	return c.userID
}

// DeviceID returns the submitting device.
func (c *CheckContext) DeviceID() int64 {
	return c.deviceID
}

// Args unmarshals the submission's argument document into v. The
// document has already been migrated to the current schema.
func (c *CheckContext) Args(v any) error {
	raw, err := json.Marshal(c.doc)
	if err != nil {
		return errors.Trace(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Annotatef(err, "submitted arguments")
	}
	return nil
}
