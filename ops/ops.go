// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package ops turns client requests into persisted, replayable
// operations and runs them. A submission is validated, migrated to the
// current message schema and written to the user's operation log
// before anything executes; execution is then driven entirely from the
// log, so a crash at any point leaves an operation that another server
// can finish. Handlers are written to be idempotent under that replay.
package ops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/viewfinder/viewfinder/core/ids"
	"github.com/viewfinder/viewfinder/core/message"
	"github.com/viewfinder/viewfinder/lock"
	"github.com/viewfinder/viewfinder/state"
)

var logger = loggo.GetLogger("viewfinder.ops")

// Executor schedules execution of a user's queued operations. The
// operation manager implements it; submissions poke it after
// persisting a row.
type Executor interface {
	// MaybeExecuteOp wakes the executor for the user's queue. done,
	// when non-nil, is invoked exactly once for the named operation:
	// with nil when its execution completed and the row was deleted,
	// or with an ErrPending-flavoured error when the attempt ended
	// with the operation still queued.
	MaybeExecuteOp(userID int64, opID string, done func(error))
}

// Env bundles what submission and execution need. It is shared and
// immutable after construction.
type Env struct {
	// State is the persistence layer.
	State *state.State

	// Locks hands out operation and viewpoint locks.
	Locks *lock.Manager

	// Registry resolves wire method names.
	Registry *Registry

	// Executor runs queues after submissions; typically the operation
	// manager.
	Executor Executor

	// EnableFailpoints arms OpContext.TriggerFailpoint. Keep it off
	// in production.
	EnableFailpoints bool
}

// Validate returns an error if the environment cannot be used.
func (env Env) Validate() error {
	if env.State == nil {
		return errors.NotValidf("nil State")
	}
	if env.Locks == nil {
		return errors.NotValidf("nil Locks")
	}
	if env.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if env.Executor == nil {
		return errors.NotValidf("nil Executor")
	}
	return nil
}

// NewEnv validates and returns the environment.
func NewEnv(env Env) (*Env, error) {
	if err := env.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &env, nil
}

// Result describes the outcome of a submission.
type Result struct {
	// OpID is the id the operation was persisted under.
	OpID string

	// Created is false when the submission matched an operation that
	// already existed: a client retry of an earlier request.
	Created bool

	// Completed reports, for synchronous submissions, that the
	// operation's execution finished and the row was deleted before
	// the submission returned.
	Completed bool
}

// CreateAndExecute validates a client request document, persists it as
// an operation in the user's log and wakes the executor. The document
// carries a "headers" envelope (schema version, optional client op id
// and timestamp, synchronous flag); the remaining keys are the
// operation's arguments, which are migrated to the current schema
// before they are stored.
//
// A synchronous submission waits for the operation's first execution:
// Completed is set when it finished, and an ErrPending-flavoured error
// is returned when it did not. The operation itself keeps running
// regardless of the submitter's patience; cancelling ctx abandons only
// the wait.
func (env *Env) CreateAndExecute(ctx context.Context, userID, deviceID int64, method string, doc map[string]any) (Result, error) {
	if userID <= 0 {
		return Result{}, errors.NotValidf("user id %d", userID)
	}
	headers, err := message.ExtractHeaders(doc)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	m, err := env.Registry.Lookup(method)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	if _, err := message.Migrate(doc, headers.Version, m.Migrations); err != nil {
		return Result{}, errors.Trace(err)
	}
	if m.Check != nil {
		chk := &CheckContext{st: env.State, userID: userID, deviceID: deviceID, doc: doc}
		if err := m.Check(ctx, chk); err != nil {
			return Result{}, errors.Trace(err)
		}
	}

	opID := headers.OpID
	if opID != "" {
		did, _, err := ids.ParseOperationID(opID)
		if err != nil {
			return Result{}, errors.Annotatef(err, "client operation id")
		}
		if ids.IsNested(opID) {
			return Result{}, errors.NotValidf("client-supplied nested operation id %q", opID)
		}
		if int64(did) != deviceID {
			return Result{}, errors.Forbiddenf("operation id %q does not belong to device %d", opID, deviceID)
		}
	} else {
		// No client-allocated id: allocate one from the system
		// device's sequence.
		opNum, err := env.State.AllocateOpNum(ctx, ids.SystemDeviceID)
		if err != nil {
			return Result{}, errors.Trace(err)
		}
		opID = ids.NewOperationID(ids.SystemDeviceID, uint64(opNum))
	}

	args, err := json.Marshal(doc)
	if err != nil {
		return Result{}, errors.Annotatef(err, "arguments of %s", method)
	}
	op, created, err := env.State.CreateOperation(ctx, userID, opID, state.NewOperation{
		DeviceID:  deviceID,
		Method:    method,
		Args:      string(args),
		Timestamp: headers.OpTimestamp,
	})
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	if !created && op.Method() != method {
		return Result{}, errors.NotValidf("operation %s resubmitted as %q, originally %q",
			opID, method, op.Method())
	}
	result := Result{OpID: opID, Created: created}

	if !headers.Synchronous {
		env.Executor.MaybeExecuteOp(userID, opID, nil)
		return result, nil
	}
	done := make(chan error, 1)
	env.Executor.MaybeExecuteOp(userID, opID, func(err error) {
		done <- err
	})
	select {
	case err := <-done:
		if err != nil {
			return result, errors.Trace(err)
		}
	case <-ctx.Done():
		return result, errors.Trace(ctx.Err())
	}
	result.Completed = true
	return result, nil
}

// Execute runs one queued operation's handler. The caller must hold
// the user's operation lock. A nil return means the handler finished
// and the row can be deleted; ErrStopOperation means the handler
// parked itself behind a nested operation; anything else is a failed
// attempt. Whatever happens, every viewpoint lock the handler acquired
// is released before Execute returns.
func (env *Env) Execute(ctx context.Context, op *state.Operation) error {
	m, err := env.Registry.Lookup(op.Method())
	if err != nil {
		return errors.Trace(err)
	}
	opCtx := &OpContext{
		env:   env,
		op:    op,
		locks: env.Locks.NewTracker(lockOwner(op)),
	}
	defer func() {
		if err := opCtx.locks.ReleaseAll(ctx); err != nil {
			logger.Warningf("releasing locks of operation %s: %v", op.ID(), err)
		}
	}()
	return errors.Trace(m.Handler(ctx, opCtx))
}

// lockOwner derives the viewpoint-lock owner token from the operation
// identity, so replays of the operation reclaim their own locks.
func lockOwner(op *state.Operation) string {
	return fmt.Sprintf("op%d/%s", op.UserID(), op.ID())
}
