// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package opmanager

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/lock"
	"github.com/viewfinder/viewfinder/ops"
	"github.com/viewfinder/viewfinder/state"
)

// userOps is the shared state between a user's drain goroutine and the
// submissions that arrive while it runs.
type userOps struct {
	userID int64

	// trigger is the operation id that started the drain; it rides on
	// the lock as resource data so an abandoned-lock takeover knows
	// what was in flight.
	trigger string

	mu sync.Mutex

	// detached is set exactly once, under both the manager's and this
	// mutex, when the drain goroutine lets go of the user. After that
	// no new waiter lands here.
	detached bool

	// pending marks work that arrived since the last queue scan.
	pending set.Strings

	// waiters hear the fate of specific operations.
	waiters map[string][]func(error)
}

func newUserOps(userID int64, trigger string) *userOps {
	return &userOps{
		userID:  userID,
		trigger: trigger,
		pending: set.NewStrings(),
		waiters: make(map[string][]func(error)),
	}
}

// enqueue registers newly arrived work, reporting false if the drain
// has already detached and a new one must be started.
func (u *userOps) enqueue(opID string, done func(error)) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.detached {
		return false
	}
	u.pending.Add(opID)
	if done != nil {
		u.waiters[opID] = append(u.waiters[opID], done)
	}
	return true
}

func (u *userOps) clearPending() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending = set.NewStrings()
}

func (u *userOps) hasPending() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.pending.IsEmpty()
}

// resolve fires the waiters of one operation. The callbacks run
// outside the mutex.
func (u *userOps) resolve(opID string, err error) {
	u.mu.Lock()
	fns := u.waiters[opID]
	delete(u.waiters, opID)
	u.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// takeWaiters empties the waiter table, handing the entries to the
// caller to fire.
func (u *userOps) takeWaiters() map[string][]func(error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	taken := u.waiters
	u.waiters = make(map[string][]func(error))
	return taken
}

// opOutcome classifies one execution attempt for the drain loop.
type opOutcome int

const (
	// opCompleted: the handler finished and the row was deleted.
	opCompleted opOutcome = iota

	// opParked: the handler queued a nested operation that must run
	// first; rescan from the front of the queue.
	opParked

	// opBackedOff: the attempt failed; the operation now blocks the
	// queue until its backoff passes.
	opBackedOff

	// opQuarantined: the attempt failed once too often; the operation
	// is out of the running and no longer blocks the queue.
	opQuarantined
)

// drainUser runs a user's queue until there is nothing eligible left,
// then detaches. Work that arrives while detaching is picked up by
// rescanning, lock and all, so no submission falls between the
// cracks.
func (m *Manager) drainUser(u *userOps) {
	defer m.wg.Done()
	ctx := m.catacomb.Context(context.Background())
	for {
		if err := m.drainOnce(ctx, u); err != nil {
			m.forceDetach(u, err)
			return
		}
		if m.finishOrRescan(u) {
			return
		}
	}
}

// drainOnce takes the user's operation lock, executes everything
// eligible and releases the lock again.
func (m *Manager) drainOnce(ctx context.Context, u *userOps) error {
	lk, status, err := m.config.Locks.TryAcquire(ctx, lock.ResourceOperation,
		strconv.FormatInt(u.userID, 10), lock.AcquireParams{
			ResourceData:      u.trigger,
			DetectAbandonment: true,
		})
	if err != nil {
		m.metrics.aborted.Inc()
		return errors.Annotatef(err, "locking operations of user %d", u.userID)
	}
	if status == lock.StatusFailed {
		m.metrics.aborted.Inc()
		logger.Debugf("operations of user %d are locked by another server", u.userID)
		return errors.Annotatef(lock.ErrLockFailed, "operations of user %d held by another server", u.userID)
	}
	if status == lock.StatusAcquiredAbandoned {
		logger.Infof("taking over the abandoned operation queue of user %d", u.userID)
	}
	defer func() {
		if err := lk.Release(ctx); err != nil {
			logger.Warningf("releasing operation lock of user %d: %v", u.userID, err)
		}
	}()

	for {
		u.clearPending()
		stopped, err := m.executeEligible(ctx, u)
		if err != nil {
			return errors.Trace(err)
		}
		if stopped {
			// The head of the queue is backing off; the failed-op
			// sweep resumes it after the backoff passes.
			break
		}
		if !u.hasPending() {
			break
		}
	}
	m.resolveLeftovers(ctx, u)
	return nil
}

// executeEligible walks the queue in operation-id order, executing
// until nothing is eligible. stopped reports that a backed-off
// operation blocks the rest of the queue.
func (m *Manager) executeEligible(ctx context.Context, u *userOps) (stopped bool, err error) {
	// skip resumes the walk past quarantined rows. Execution restarts
	// the walk instead of resuming: completed rows are deleted, and a
	// parked operation's nested child sorts ahead of everything else.
	skip := ""
	for {
		if err := ctx.Err(); err != nil {
			return false, errors.Trace(err)
		}
		batch, err := m.config.State.OperationsForUser(ctx, u.userID, skip, m.config.ScanLimit)
		if err != nil {
			return false, errors.Trace(err)
		}
		if len(batch) == 0 {
			return false, nil
		}
		executed := false
		for _, op := range batch {
			if op.Quarantined() {
				u.resolve(op.ID(), errors.Annotatef(ops.ErrTooManyRetries,
					"operation %s quarantined", op.ID()))
				skip = op.ID()
				continue
			}
			if op.Backoff() > m.now() {
				return true, nil
			}
			outcome, err := m.runOp(ctx, u, op)
			if err != nil {
				return false, errors.Trace(err)
			}
			switch outcome {
			case opBackedOff:
				return true, nil
			case opParked:
				skip = ""
			}
			executed = true
			break
		}
		if !executed {
			// The whole batch was quarantined; keep walking.
			continue
		}
	}
}

// runOp executes one operation attempt and settles its fate: delete on
// success, backoff or quarantine on failure. Errors are reserved for
// shutdown and substrate trouble; they abort the drain with the row
// left as it stands.
func (m *Manager) runOp(ctx context.Context, u *userOps, op *state.Operation) (opOutcome, error) {
	logger.Debugf("executing operation %s (%s) of user %d, attempt %d",
		op.ID(), op.Method(), op.UserID(), op.Attempts()+1)
	execErr := m.retry.Call(ctx, m.config.Clock, func(ctx context.Context) error {
		return m.env.Execute(ctx, op)
	})
	if err := ctx.Err(); err != nil {
		return 0, errors.Trace(err)
	}
	if execErr == nil {
		if err := op.Delete(ctx); err != nil {
			return 0, errors.Trace(err)
		}
		m.metrics.executed.Inc()
		u.resolve(op.ID(), nil)
		return opCompleted, nil
	}
	if ops.IsStopOperation(execErr) {
		logger.Debugf("operation %s parked behind a nested operation", op.ID())
		return opParked, nil
	}

	m.metrics.failed.Inc()
	attempts := op.Attempts() + 1
	backoff := m.now() + int64(m.backoffFor(attempts)/time.Second)
	if err := op.RecordFailure(ctx, backoff); err != nil {
		return 0, errors.Trace(err)
	}
	if attempts >= int64(m.config.QuarantineAttempts) {
		logger.Errorf("quarantining operation %s (%s) of user %d after %d failed attempts: %v; args: %s",
			op.ID(), op.Method(), op.UserID(), attempts, execErr,
			m.config.Registry.ScrubArgs(op.Method(), op.Args()))
		if err := op.SetQuarantine(ctx); err != nil {
			return 0, errors.Trace(err)
		}
		m.metrics.quarantined.Inc()
		u.resolve(op.ID(), errors.Annotatef(ops.ErrTooManyRetries, "operation %s", op.ID()))
		return opQuarantined, nil
	}
	logger.Warningf("operation %s (%s) of user %d failed, attempt %d, next in %v: %v",
		op.ID(), op.Method(), op.UserID(), attempts, m.backoffFor(attempts), execErr)
	u.resolve(op.ID(), errors.Trace(execErr))
	return opBackedOff, nil
}

// resolveLeftovers settles waiters for operations this drain never
// executed, by reading the row back: gone means done, anything else
// is still queued.
func (m *Manager) resolveLeftovers(ctx context.Context, u *userOps) {
	for opID, fns := range u.takeWaiters() {
		err := m.classifyLeftover(ctx, u.userID, opID)
		for _, fn := range fns {
			fn(err)
		}
	}
}

func (m *Manager) classifyLeftover(ctx context.Context, userID int64, opID string) error {
	op, err := m.config.State.GetOperation(ctx, userID, opID)
	if errors.IsNotFound(err) {
		// Completed, here or on another server.
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}
	if op.Quarantined() {
		return errors.Annotatef(ops.ErrTooManyRetries, "operation %s", opID)
	}
	return errors.Annotatef(ops.ErrPending, "operation %s queued behind earlier work", opID)
}

// finishOrRescan detaches the drain unless new work arrived since the
// last scan. The check and the detach are atomic with respect to
// MaybeExecuteOp, which closes the submit-versus-exit race.
func (m *Manager) finishOrRescan(u *userOps) (finished bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.pending.IsEmpty() {
		u.pending = set.NewStrings()
		return false
	}
	u.detached = true
	delete(m.active, u.userID)
	m.metrics.activeUsers.Set(float64(len(m.active)))
	return true
}

// forceDetach ends the drain regardless of pending work, handing err
// to every waiter still attached. Used when the drain cannot proceed:
// the lock is held elsewhere, or the manager is shutting down.
func (m *Manager) forceDetach(u *userOps, err error) {
	m.mu.Lock()
	u.mu.Lock()
	u.detached = true
	delete(m.active, u.userID)
	m.metrics.activeUsers.Set(float64(len(m.active)))
	taken := u.waiters
	u.waiters = make(map[string][]func(error))
	u.mu.Unlock()
	m.mu.Unlock()
	for _, fns := range taken {
		for _, fn := range fns {
			fn(err)
		}
	}
}
