// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package opmanager runs the operation queues. One manager per server
// process drains user queues in strict operation-id order, with the
// per-user operation lock guaranteeing that at most one server drains
// a given user at a time. Two background sweeps provide liveness: one
// re-animates operations whose backoff has passed (or whose creating
// server died before running them), the other takes over queues whose
// holding server stopped renewing its lock.
package opmanager

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	coreretry "github.com/viewfinder/viewfinder/core/retry"
	"github.com/viewfinder/viewfinder/kv"
	"github.com/viewfinder/viewfinder/lock"
	"github.com/viewfinder/viewfinder/ops"
	"github.com/viewfinder/viewfinder/state"
)

var logger = loggo.GetLogger("viewfinder.worker.opmanager")

const (
	// DefaultQuarantineAttempts is how many failed executions an
	// operation gets before it is set aside for manual inspection.
	DefaultQuarantineAttempts = 12

	// DefaultInitialBackoff is the delay after an operation's first
	// failure; it doubles on each subsequent failure.
	DefaultInitialBackoff = 30 * time.Second

	// DefaultMaxBackoff caps the failure backoff.
	DefaultMaxBackoff = 8 * time.Hour

	// DefaultScanLimit is the batch size of queue and sweep scans.
	DefaultScanLimit = 10

	// DefaultMaxUsersOutstanding stops sweeps from starting new drains
	// once this many users are already being drained.
	DefaultMaxUsersOutstanding = 1000

	// DefaultScanFailedOpsInterval spaces the sweeps for operations
	// whose backoff has passed. Long on purpose: the common case is
	// that operations are executed the moment they are submitted.
	DefaultScanFailedOpsInterval = 6 * time.Hour

	// DefaultScanAbandonedLocksInterval spaces the sweeps for locks
	// whose holder stopped renewing. Short, so queued work does not
	// sit long behind a dead server.
	DefaultScanAbandonedLocksInterval = 60 * time.Second

	// DefaultMaxShutdownWait bounds how long shutdown waits for
	// in-flight drains before giving up on them.
	DefaultMaxShutdownWait = 55 * time.Second
)

// errStopped is handed to waiters whose submission arrived after the
// manager started shutting down.
var errStopped = errors.New("operation manager stopped")

// Config holds the dependencies and tunables of a Manager.
type Config struct {
	// State is the persistence layer.
	State *state.State

	// Locks hands out the operation and viewpoint locks.
	Locks *lock.Manager

	// Registry resolves operation method names.
	Registry *ops.Registry

	// Clock drives sweeps, backoff arithmetic and retries.
	Clock clock.Clock

	// PrometheusRegisterer, when set, receives the manager's and the
	// lock manager's collectors for the manager's lifetime.
	PrometheusRegisterer prometheus.Registerer

	// EnableFailpoints arms handler failpoints; test-only.
	EnableFailpoints bool

	// QuarantineAttempts, InitialBackoff and MaxBackoff shape the
	// failure schedule. Zero values take the defaults.
	QuarantineAttempts int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration

	// ScanLimit is the batch size of queue and sweep scans.
	ScanLimit int

	// MaxUsersOutstanding caps how many users the sweeps will put
	// into active draining.
	MaxUsersOutstanding int

	// ScanFailedOpsInterval and ScanAbandonedLocksInterval space the
	// two sweeps; each actual period is jittered to keep a fleet of
	// servers from sweeping in lockstep.
	ScanFailedOpsInterval      time.Duration
	ScanAbandonedLocksInterval time.Duration

	// StorageRetry wraps each operation execution; it retries
	// transient substrate faults, not handler failures. Nil takes the
	// default.
	StorageRetry *coreretry.Policy

	// MaxShutdownWait bounds the wait for in-flight drains at
	// shutdown.
	MaxShutdownWait time.Duration
}

// Validate returns an error if the configuration cannot run a
// manager.
func (config Config) Validate() error {
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Locks == nil {
		return errors.NotValidf("nil Locks")
	}
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.QuarantineAttempts <= 0 {
		return errors.NotValidf("quarantine attempts %d", config.QuarantineAttempts)
	}
	if config.InitialBackoff <= 0 || config.MaxBackoff < config.InitialBackoff {
		return errors.NotValidf("backoff bounds %v..%v", config.InitialBackoff, config.MaxBackoff)
	}
	if config.ScanLimit <= 0 {
		return errors.NotValidf("scan limit %d", config.ScanLimit)
	}
	if config.MaxUsersOutstanding <= 0 {
		return errors.NotValidf("max users outstanding %d", config.MaxUsersOutstanding)
	}
	if config.ScanFailedOpsInterval <= 0 || config.ScanAbandonedLocksInterval <= 0 {
		return errors.NotValidf("sweep intervals %v/%v",
			config.ScanFailedOpsInterval, config.ScanAbandonedLocksInterval)
	}
	if config.MaxShutdownWait <= 0 {
		return errors.NotValidf("max shutdown wait %v", config.MaxShutdownWait)
	}
	return nil
}

// DefaultStorageRetry is the retry policy wrapped around operation
// executions, matching the state layer's appetite for transient
// substrate faults.
func DefaultStorageRetry() coreretry.Policy {
	return coreretry.Policy{
		MaxTries:   3,
		MinDelay:   100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		RetryError: kv.IsTransient,
	}
}

// Manager is the operation-queue worker. It implements worker.Worker,
// and ops.Executor so that submissions can poke it.
type Manager struct {
	catacomb catacomb.Catacomb

	config  Config
	env     *ops.Env
	retry   coreretry.Policy
	metrics *metricsCollector

	// mu guards active. Take it before a userOps mutex, never after.
	mu     sync.Mutex
	active map[int64]*userOps

	// wg tracks the per-user drain goroutines.
	wg sync.WaitGroup
}

// NewManager starts an operation manager. The caller takes
// responsibility for killing it and handling its error.
func NewManager(config Config) (*Manager, error) {
	if config.QuarantineAttempts == 0 {
		config.QuarantineAttempts = DefaultQuarantineAttempts
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.ScanLimit == 0 {
		config.ScanLimit = DefaultScanLimit
	}
	if config.MaxUsersOutstanding == 0 {
		config.MaxUsersOutstanding = DefaultMaxUsersOutstanding
	}
	if config.ScanFailedOpsInterval == 0 {
		config.ScanFailedOpsInterval = DefaultScanFailedOpsInterval
	}
	if config.ScanAbandonedLocksInterval == 0 {
		config.ScanAbandonedLocksInterval = DefaultScanAbandonedLocksInterval
	}
	if config.MaxShutdownWait == 0 {
		config.MaxShutdownWait = DefaultMaxShutdownWait
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	m := &Manager{
		config:  config,
		retry:   DefaultStorageRetry(),
		metrics: newMetricsCollector(),
		active:  make(map[int64]*userOps),
	}
	if config.StorageRetry != nil {
		m.retry = *config.StorageRetry
	}
	env, err := ops.NewEnv(ops.Env{
		State:            config.State,
		Locks:            config.Locks,
		Registry:         config.Registry,
		Executor:         m,
		EnableFailpoints: config.EnableFailpoints,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	m.env = env
	err = catacomb.Invoke(catacomb.Plan{
		Site: &m.catacomb,
		Work: m.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Kill is part of the worker.Worker interface.
func (m *Manager) Kill() {
	m.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (m *Manager) Wait() error {
	return m.catacomb.Wait()
}

// OpsEnv returns the execution environment wired to this manager; the
// HTTP layer submits through it.
func (m *Manager) OpsEnv() *ops.Env {
	return m.env
}

// MaybeExecuteOp is part of the ops.Executor interface. It marks the
// user's queue as having work and makes sure a drain goroutine is
// running for it; if one already is, it picks the new work up before
// detaching. done, when non-nil, hears how opID fared.
func (m *Manager) MaybeExecuteOp(userID int64, opID string, done func(error)) {
	select {
	case <-m.catacomb.Dying():
		if done != nil {
			done(errors.Trace(errStopped))
		}
		return
	default:
	}
	m.mu.Lock()
	if u, ok := m.active[userID]; ok && u.enqueue(opID, done) {
		m.mu.Unlock()
		return
	}
	u := newUserOps(userID, opID)
	u.enqueue(opID, done)
	m.active[userID] = u
	m.metrics.activeUsers.Set(float64(len(m.active)))
	m.wg.Add(1)
	m.mu.Unlock()
	go m.drainUser(u)
}

// loop runs the sweep timers until the manager is killed.
func (m *Manager) loop() error {
	if m.config.PrometheusRegisterer != nil {
		_ = m.config.PrometheusRegisterer.Register(m.metrics)
		defer m.config.PrometheusRegisterer.Unregister(m.metrics)
		// The lock manager carries its own collector.
		_ = m.config.PrometheusRegisterer.Register(m.config.Locks)
		defer m.config.PrometheusRegisterer.Unregister(m.config.Locks)
	}
	defer m.waitForGoroutines()

	ctx := m.catacomb.Context(context.Background())

	failedOps := m.config.Clock.NewTimer(jitteredInterval(m.config.ScanFailedOpsInterval))
	defer failedOps.Stop()
	// The first abandoned-lock sweep runs shortly after startup: a
	// predecessor on this host may have died holding queues.
	abandonedLocks := m.config.Clock.NewTimer(randomDelay(m.config.ScanAbandonedLocksInterval / 2))
	defer abandonedLocks.Stop()

	for {
		select {
		case <-m.catacomb.Dying():
			return m.catacomb.ErrDying()
		case <-failedOps.Chan():
			m.sweepFailedOps(ctx)
			failedOps.Reset(jitteredInterval(m.config.ScanFailedOpsInterval))
		case <-abandonedLocks.Chan():
			m.sweepAbandonedLocks(ctx)
			abandonedLocks.Reset(jitteredInterval(m.config.ScanAbandonedLocksInterval))
		}
	}
}

// sweepFailedOps walks the operation table for rows whose backoff has
// passed and pokes their users' queues. Sweep trouble is logged, never
// fatal: the next sweep gets another chance.
func (m *Manager) sweepFailedOps(ctx context.Context) {
	m.metrics.sweeps.WithLabelValues("failed-ops").Inc()
	before := m.now()
	var start *kv.Key
	for ctx.Err() == nil {
		if n := m.outstanding(); n >= m.config.MaxUsersOutstanding {
			logger.Debugf("failed-operation sweep paused at %d active users", n)
			return
		}
		batch, next, err := m.config.State.NextFailedOperations(ctx, before, m.config.ScanLimit, start)
		if err != nil {
			logger.Errorf("failed-operation sweep: %v", err)
			return
		}
		for _, op := range batch {
			m.MaybeExecuteOp(op.UserID(), op.ID(), nil)
		}
		if next == nil {
			return
		}
		start = next
	}
}

// sweepAbandonedLocks takes over operation queues whose holder stopped
// renewing its lock, resuming whatever the dead server had in flight.
func (m *Manager) sweepAbandonedLocks(ctx context.Context) {
	m.metrics.sweeps.WithLabelValues("abandoned-locks").Inc()
	var start *kv.Key
	for ctx.Err() == nil {
		if n := m.outstanding(); n >= m.config.MaxUsersOutstanding {
			logger.Debugf("abandoned-lock sweep paused at %d active users", n)
			return
		}
		batch, next, err := m.config.Locks.ScanAbandoned(ctx, m.config.ScanLimit, start)
		if err != nil {
			logger.Errorf("abandoned-lock sweep: %v", err)
			return
		}
		for _, al := range batch {
			if al.Resource != lock.ResourceOperation {
				// Abandoned viewpoint locks are reclaimed by the
				// replay of the operation that owns them.
				continue
			}
			userID, err := strconv.ParseInt(al.ResourceID, 10, 64)
			if err != nil {
				logger.Warningf("abandoned operation lock with bad user id %q", al.ResourceID)
				continue
			}
			logger.Infof("resuming operations of user %d from an abandoned lock", userID)
			m.MaybeExecuteOp(userID, al.ResourceData, nil)
		}
		if next == nil {
			return
		}
		start = next
	}
}

func (m *Manager) outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) now() int64 {
	return m.config.Clock.Now().Unix()
}

// backoffFor returns the delay after the given (1-based) failed
// attempt count: the initial backoff doubled per failure, capped.
func (m *Manager) backoffFor(attempts int64) time.Duration {
	d := m.config.InitialBackoff
	for i := int64(1); i < attempts && d < m.config.MaxBackoff; i++ {
		d *= 2
	}
	if d > m.config.MaxBackoff {
		d = m.config.MaxBackoff
	}
	return d
}

// waitForGoroutines gives in-flight drains a bounded chance to finish
// before the worker reports stopped.
func (m *Manager) waitForGoroutines() {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-m.config.Clock.After(m.config.MaxShutdownWait):
		logger.Warningf("timed out waiting for operation drains to stop")
	}
}

// jitteredInterval returns a duration in [interval/2, interval), so
// that a fleet of servers does not sweep in lockstep.
func jitteredInterval(interval time.Duration) time.Duration {
	return interval/2 + randomDelay(interval/2)
}

func randomDelay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
