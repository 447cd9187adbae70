// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package lock implements the distributed advisory locks the operation
// pipeline serialises on. A lock is one row in the lock table;
// acquisition, takeover and release are all conditional writes against
// that row, so any number of servers can contend with no coordination
// beyond the store itself.
//
// Locks come in two flavours. Operation locks carry an abandonment
// deadline their holder renews in the background: if the holder dies,
// the deadline lapses and the abandoned-lock sweep hands the work to a
// live server. Viewpoint locks are plain mutual exclusion held for the
// duration of an executing operation; their owner tokens derive from
// the operation id, so a replayed operation reclaims locks a crashed
// attempt left behind.
package lock

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"github.com/viewfinder/viewfinder/kv"
)

var logger = loggo.GetLogger("viewfinder.lock")

// Lock is a held distributed lock. Release and Abandon may be called
// from any goroutine, but only once each takes effect; later calls are
// no-ops.
type Lock struct {
	manager      *Manager
	id           string
	owner        string
	resourceData string

	// renew drives the background renewal loop; nil when the lock has
	// no abandonment deadline.
	renew *tomb.Tomb

	mu sync.Mutex
	// acquireFailures is the failure count last seen on the row; the
	// release protocol conditions its delete on it.
	acquireFailures int64
	done            bool
}

func (m *Manager) newLock(id, owner, resourceData string, failures int64, detectAbandonment bool) *Lock {
	l := &Lock{
		manager:         m,
		id:              id,
		owner:           owner,
		resourceData:    resourceData,
		acquireFailures: failures,
	}
	if detectAbandonment {
		l.renew = new(tomb.Tomb)
		l.renew.Go(l.renewLoop)
	}
	return l
}

// ID returns the lock's row id, "<type>:<resource>".
func (l *Lock) ID() string {
	return l.id
}

// Owner returns the owner token the lock was acquired with.
func (l *Lock) Owner() string {
	return l.owner
}

// ResourceData returns the hint stored with the lock, if any.
func (l *Lock) ResourceData() string {
	return l.resourceData
}

// Release drops the lock. The delete is conditional on ownership, so a
// lock that lapsed and was taken over reports ErrLockFailed instead of
// deleting the new holder's row. Contention recorded on the row while
// we held it is folded into the manager's metrics here.
func (l *Lock) Release(ctx context.Context) error {
	l.stopRenewal()
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return nil
	}
	l.done = true
	known := l.acquireFailures
	l.mu.Unlock()

	initial := known
	key := kv.Key{Hash: l.id}
	for a := l.manager.protocolRetry(ctx); a.Next(); {
		err := l.manager.deleteItem(ctx, key, kv.Expected{
			fieldOwnerID:         kv.Equals(l.owner),
			fieldAcquireFailures: kv.Equals(known),
		})
		if err == nil {
			if contention := known - initial; contention > 0 {
				logger.Debugf("lock %q saw %d failed acquisitions while held", l.id, contention)
				l.manager.metrics.contention.Add(float64(contention))
			}
			return nil
		}
		if !kv.IsConditionFailed(err) {
			return errors.Trace(err)
		}
		current, err := l.manager.getLockDoc(ctx, l.id)
		if errors.IsNotFound(err) {
			return errors.Annotatef(ErrLockFailed, "lock %q vanished", l.id)
		}
		if err != nil {
			return errors.Trace(err)
		}
		if current.ownerID != l.owner {
			return errors.Annotatef(ErrLockFailed, "lock %q taken over by %q", l.id, current.ownerID)
		}
		known = current.acquireFailures
	}
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	return errors.Errorf("lock %q: release kept losing races after %d attempts", l.id, maxProtocolRetries)
}

// Abandon stops renewing and zeroes the lock's deadline, so the next
// abandoned-lock sweep picks it up immediately. Callers use it to hand
// unfinished work to another server instead of finishing it here.
func (l *Lock) Abandon(ctx context.Context) error {
	l.stopRenewal()
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return nil
	}
	l.done = true
	l.mu.Unlock()

	err := l.manager.putAttrs(ctx, kv.Key{Hash: l.id},
		kv.Attrs{fieldExpiration: int64(0)},
		kv.Expected{fieldOwnerID: kv.Equals(l.owner)})
	if kv.IsConditionFailed(err) {
		return errors.Annotatef(ErrLockFailed, "lock %q no longer ours", l.id)
	}
	return errors.Trace(err)
}

func (l *Lock) stopRenewal() {
	if l.renew == nil {
		return
	}
	l.renew.Kill(nil)
	_ = l.renew.Wait()
}

// renewLoop pushes the abandonment deadline out every renewal
// interval. Any failure is terminal: the lock is treated as lost from
// then on, and recovery is the abandoned-lock sweep's job.
func (l *Lock) renewLoop() error {
	interval := l.manager.config.RenewalInterval
	for {
		select {
		case <-l.renew.Dying():
			return tomb.ErrDying
		case <-l.manager.config.Clock.After(interval):
			if err := l.renewOnce(); err != nil {
				logger.Warningf("renewing lock %q: %v", l.id, err)
				l.manager.metrics.renewalFailures.Inc()
				return nil
			}
		}
	}
}

func (l *Lock) renewOnce() error {
	ctx, cancel := context.WithTimeout(
		l.renew.Context(context.Background()),
		l.manager.config.RenewalInterval,
	)
	defer cancel()
	err := l.manager.putAttrs(ctx, kv.Key{Hash: l.id},
		kv.Attrs{fieldExpiration: l.manager.expiration()},
		kv.Expected{fieldOwnerID: kv.Equals(l.owner)})
	if kv.IsConditionFailed(err) {
		return errors.Annotatef(ErrLockFailed, "owner changed")
	}
	return errors.Trace(err)
}
