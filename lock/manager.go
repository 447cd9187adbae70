// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package lock

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"gopkg.in/retry.v1"

	coreretry "github.com/viewfinder/viewfinder/core/retry"
	"github.com/viewfinder/viewfinder/kv"
)

const (
	// DefaultAbandonmentInterval is how long a renewable lock stays
	// valid after its last renewal before any server may take it over.
	DefaultAbandonmentInterval = 60 * time.Second

	// DefaultRenewalInterval is how often a holder pushes its lock's
	// abandonment deadline out. It must comfortably undercut the
	// abandonment interval so a single slow write cannot lose the
	// lock.
	DefaultRenewalInterval = 30 * time.Second
)

// The acquisition and release protocols are read-then-conditional-write
// loops; a condition failure means another server moved first and we
// start over from a fresh read. The loop is bounded to rule out
// pathological livelock.
const (
	maxProtocolRetries   = 10
	protocolRetryInitial = 10 * time.Millisecond
	protocolRetryFactor  = 1.6
)

// ManagerConfig holds a lock Manager's dependencies and tuning.
type ManagerConfig struct {
	// Store is the substrate the lock table lives in.
	Store kv.Store

	// Clock supplies deadlines, renewal pacing and retry sleeps.
	Clock clock.Clock

	// AbandonmentInterval is the takeover deadline written into
	// renewable locks; 0 means DefaultAbandonmentInterval.
	AbandonmentInterval time.Duration

	// RenewalInterval is how often held renewable locks are renewed;
	// 0 means DefaultRenewalInterval.
	RenewalInterval time.Duration

	// Retry bounds each substrate access; nil retries transient
	// failures a few times, the same policy the state layer defaults
	// to.
	Retry *coreretry.Policy
}

// Validate returns an error if the config cannot be used.
func (config ManagerConfig) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.AbandonmentInterval <= 0 {
		return errors.NotValidf("non-positive AbandonmentInterval")
	}
	if config.RenewalInterval <= 0 {
		return errors.NotValidf("non-positive RenewalInterval")
	}
	if config.RenewalInterval >= config.AbandonmentInterval {
		return errors.NotValidf("RenewalInterval %v >= AbandonmentInterval %v",
			config.RenewalInterval, config.AbandonmentInterval)
	}
	return nil
}

// Manager acquires, releases and sweeps the distributed locks of one
// lock table. It is safe for concurrent use.
type Manager struct {
	config  ManagerConfig
	retry   coreretry.Policy
	metrics *metricsCollector
}

// NewManager returns a Manager over the supplied config. Zero
// intervals take the package defaults.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.AbandonmentInterval == 0 {
		config.AbandonmentInterval = DefaultAbandonmentInterval
	}
	if config.RenewalInterval == 0 {
		config.RenewalInterval = DefaultRenewalInterval
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	policy := coreretry.Policy{
		MaxTries:   3,
		MinDelay:   100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		RetryError: kv.IsTransient,
	}
	if config.Retry != nil {
		policy = *config.Retry
	}
	return &Manager{
		config:  config,
		retry:   policy,
		metrics: newMetricsCollector(),
	}, nil
}

// AcquireParams configures one acquisition attempt.
type AcquireParams struct {
	// OwnerID is the token recorded as the lock's owner. Leave empty
	// to generate a fresh random token. A caller that passes the same
	// token it used before reclaims its own lock: replays adopt
	// rather than conflict.
	OwnerID string

	// ResourceData is an optional hint stored with the lock. The
	// abandoned-lock sweep reports it, which is how the operation
	// manager learns what a dead server had in flight.
	ResourceData string

	// DetectAbandonment stamps the lock with a deadline the holder
	// keeps renewing in the background; once the deadline lapses any
	// server may take the lock over. Without it the lock can only be
	// released by its owner.
	DetectAbandonment bool
}

// Status reports how an acquisition attempt ended.
type Status string

const (
	// StatusAcquired: the lock was free, or already ours, and is now
	// held.
	StatusAcquired Status = "acquired"

	// StatusAcquiredAbandoned: the lock was taken over from an owner
	// whose deadline had lapsed. The caller may need to finish work
	// the previous owner left half-done.
	StatusAcquiredAbandoned Status = "acquired-abandoned"

	// StatusFailed: a different live owner holds the lock.
	StatusFailed Status = "failed"
)

// TryAcquire attempts to take the lock for a resource. A StatusFailed
// result with a nil error is the normal contention outcome; errors
// are reserved for substrate trouble and cancellation.
func (m *Manager) TryAcquire(ctx context.Context, resource ResourceType, resourceID string, p AcquireParams) (*Lock, Status, error) {
	if resourceID == "" {
		return nil, StatusFailed, errors.NotValidf("empty resource id")
	}
	id := ID(resource, resourceID)
	owner := p.OwnerID
	if owner == "" {
		owner = utils.MustNewUUID().String()
	}
	key := kv.Key{Hash: id}
	for a := m.protocolRetry(ctx); a.Next(); {
		current, err := m.getLockDoc(ctx, id)
		if err != nil && !errors.IsNotFound(err) {
			return nil, StatusFailed, errors.Trace(err)
		}
		if errors.IsNotFound(err) {
			// Free. Create the row, conditional on nobody racing us
			// to it.
			attrs := kv.Attrs{
				fieldOwnerID:         owner,
				fieldAcquireFailures: int64(0),
			}
			if p.ResourceData != "" {
				attrs[fieldResourceData] = p.ResourceData
			}
			if p.DetectAbandonment {
				attrs[fieldExpiration] = m.expiration()
			}
			err := m.putAttrs(ctx, key, attrs, kv.Expected{fieldOwnerID: kv.Absent()})
			if kv.IsConditionFailed(err) {
				continue
			}
			if err != nil {
				return nil, StatusFailed, errors.Trace(err)
			}
			m.metrics.acquires.WithLabelValues(string(StatusAcquired)).Inc()
			return m.newLock(id, owner, p.ResourceData, 0, p.DetectAbandonment), StatusAcquired, nil
		}
		switch {
		case current.ownerID == owner:
			// Already ours, from an earlier attempt or a previous
			// incarnation of this operation. Adopt it, bringing the
			// deadline in line with what this caller wants.
			attrs := kv.Attrs{}
			if p.DetectAbandonment {
				attrs[fieldExpiration] = m.expiration()
			} else if current.hasExpiration {
				attrs[fieldExpiration] = nil
			}
			if p.ResourceData != "" && p.ResourceData != current.resourceData {
				attrs[fieldResourceData] = p.ResourceData
			}
			if len(attrs) > 0 {
				err := m.putAttrs(ctx, key, attrs, kv.Expected{fieldOwnerID: kv.Equals(owner)})
				if kv.IsConditionFailed(err) {
					continue
				}
				if err != nil {
					return nil, StatusFailed, errors.Trace(err)
				}
			}
			data := p.ResourceData
			if data == "" {
				data = current.resourceData
			}
			m.metrics.acquires.WithLabelValues(string(StatusAcquired)).Inc()
			return m.newLock(id, owner, data, current.acquireFailures, p.DetectAbandonment), StatusAcquired, nil

		case current.hasExpiration && current.expiration <= m.now():
			// The deadline lapsed: the owner is presumed dead. Take
			// over, conditional on the row still naming it.
			attrs := kv.Attrs{fieldOwnerID: owner}
			if p.ResourceData != "" {
				attrs[fieldResourceData] = p.ResourceData
			}
			if p.DetectAbandonment {
				attrs[fieldExpiration] = m.expiration()
			} else {
				attrs[fieldExpiration] = nil
			}
			err := m.putAttrs(ctx, key, attrs, kv.Expected{fieldOwnerID: kv.Equals(current.ownerID)})
			if kv.IsConditionFailed(err) {
				continue
			}
			if err != nil {
				return nil, StatusFailed, errors.Trace(err)
			}
			data := p.ResourceData
			if data == "" {
				data = current.resourceData
			}
			logger.Debugf("took over lock %q abandoned by %q", id, current.ownerID)
			m.metrics.acquires.WithLabelValues(string(StatusAcquiredAbandoned)).Inc()
			return m.newLock(id, owner, data, current.acquireFailures, p.DetectAbandonment), StatusAcquiredAbandoned, nil

		default:
			// Held by a live owner. Record the failed attempt on the
			// row: the increment is best-effort telemetry the
			// releasing holder turns into contention metrics.
			err := m.putAttrs(ctx, key, kv.Attrs{fieldAcquireFailures: current.acquireFailures + 1},
				kv.Expected{
					fieldOwnerID:         kv.Equals(current.ownerID),
					fieldAcquireFailures: kv.Equals(current.acquireFailures),
				})
			if kv.IsConditionFailed(err) {
				continue
			}
			if err != nil {
				logger.Debugf("recording contention on lock %q: %v", id, err)
			}
			m.metrics.acquires.WithLabelValues(string(StatusFailed)).Inc()
			return nil, StatusFailed, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, StatusFailed, errors.Trace(err)
	}
	logger.Warningf("giving up on lock %q after %d contended attempts", id, maxProtocolRetries)
	return nil, StatusFailed, nil
}

// Acquire is TryAcquire for callers that cannot proceed without the
// lock: any failed acquisition becomes an ErrLockFailed error.
func (m *Manager) Acquire(ctx context.Context, resource ResourceType, resourceID string, p AcquireParams) (*Lock, error) {
	lk, status, err := m.TryAcquire(ctx, resource, resourceID, p)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if status == StatusFailed {
		return nil, errors.Annotatef(ErrLockFailed, "resource %q", ID(resource, resourceID))
	}
	return lk, nil
}

// AbandonedLock describes one expired lock found by ScanAbandoned.
type AbandonedLock struct {
	Resource     ResourceType
	ResourceID   string
	ResourceData string
}

// ScanAbandoned pages through lock rows whose abandonment deadline has
// passed. Pass the returned cursor back in to resume; a nil cursor out
// means the table is exhausted. Locks without a deadline are never
// reported.
func (m *Manager) ScanAbandoned(ctx context.Context, limit int, start *kv.Key) ([]AbandonedLock, *kv.Key, error) {
	filter := &kv.Filter{Field: fieldExpiration, Cmp: kv.CmpLE, Value: m.now()}
	var items []kv.Item
	var next *kv.Key
	err := m.run(ctx, func(ctx context.Context) error {
		var err error
		items, next, err = m.config.Store.Scan(ctx, lockTable, filter, limit, start)
		return err
	})
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	var out []AbandonedLock
	for _, it := range items {
		id, _ := it.Key.Hash.(string)
		resource, resourceID, err := ParseID(id)
		if err != nil {
			logger.Warningf("ignoring malformed lock row %q", id)
			continue
		}
		out = append(out, AbandonedLock{
			Resource:     resource,
			ResourceID:   resourceID,
			ResourceData: it.Attrs.String(fieldResourceData),
		})
	}
	return out, next, nil
}

func (m *Manager) protocolRetry(ctx context.Context) *retry.Attempt {
	return retry.StartWithCancel(
		retry.LimitCount(maxProtocolRetries, retry.Exponential{
			Initial: protocolRetryInitial,
			Factor:  protocolRetryFactor,
			Jitter:  true,
		}),
		m.config.Clock,
		ctx.Done(),
	)
}

func (m *Manager) now() int64 {
	return m.config.Clock.Now().Unix()
}

func (m *Manager) expiration() int64 {
	return m.config.Clock.Now().Add(m.config.AbandonmentInterval).Unix()
}

// run applies the storage retry policy to one substrate access.
func (m *Manager) run(ctx context.Context, f func(context.Context) error) error {
	return m.retry.Call(ctx, m.config.Clock, f)
}

func (m *Manager) getLockDoc(ctx context.Context, id string) (lockDoc, error) {
	var attrs kv.Attrs
	err := m.run(ctx, func(ctx context.Context) error {
		var err error
		attrs, err = m.config.Store.Get(ctx, lockTable, kv.Key{Hash: id}, nil)
		return err
	})
	if err != nil {
		return lockDoc{}, errors.Trace(err)
	}
	return lockDocFromAttrs(id, attrs), nil
}

func (m *Manager) putAttrs(ctx context.Context, key kv.Key, attrs kv.Attrs, expected kv.Expected) error {
	return errors.Trace(m.run(ctx, func(ctx context.Context) error {
		return m.config.Store.Put(ctx, lockTable, key, attrs, expected)
	}))
}

func (m *Manager) deleteItem(ctx context.Context, key kv.Key, expected kv.Expected) error {
	return errors.Trace(m.run(ctx, func(ctx context.Context) error {
		return m.config.Store.Delete(ctx, lockTable, key, expected)
	}))
}
