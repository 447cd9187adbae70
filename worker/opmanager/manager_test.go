// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package opmanager_test

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	gc "gopkg.in/check.v1"

	"github.com/viewfinder/viewfinder/core/message"
	"github.com/viewfinder/viewfinder/kv"
	"github.com/viewfinder/viewfinder/kv/memstore"
	"github.com/viewfinder/viewfinder/lock"
	"github.com/viewfinder/viewfinder/ops"
	"github.com/viewfinder/viewfinder/state"
	coretesting "github.com/viewfinder/viewfinder/testing"
	"github.com/viewfinder/viewfinder/worker/opmanager"
)

var epoch = time.Date(2013, 2, 15, 9, 0, 0, 0, time.UTC)

type managerSuite struct {
	coretesting.BaseSuite

	store      *memstore.Store
	clock      *testclock.Clock
	st         *state.State
	locks      *lock.Manager
	registry   *ops.Registry
	registerer *prometheus.Registry
}

var _ = gc.Suite(&managerSuite{})

func (s *managerSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.store = memstore.New()
	s.clock = testclock.NewClock(epoch)
	st, err := state.New(state.Config{Store: s.store, Clock: s.clock})
	c.Assert(err, jc.ErrorIsNil)
	s.st = st
	locks, err := lock.NewManager(lock.ManagerConfig{Store: s.store, Clock: s.clock})
	c.Assert(err, jc.ErrorIsNil)
	s.locks = locks
	s.registry = ops.NewRegistry()
	s.registerer = prometheus.NewPedanticRegistry()
}

// config returns a manager configuration with sweep intervals and
// backoffs scaled down for the test clock.
func (s *managerSuite) config() opmanager.Config {
	return opmanager.Config{
		State:                      s.st,
		Locks:                      s.locks,
		Registry:                   s.registry,
		Clock:                      s.clock,
		PrometheusRegisterer:       s.registerer,
		InitialBackoff:             time.Second,
		ScanFailedOpsInterval:      time.Second,
		ScanAbandonedLocksInterval: time.Second,
	}
}

func (s *managerSuite) newManager(c *gc.C, config opmanager.Config) *opmanager.Manager {
	m, err := opmanager.NewManager(config)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, m) })
	return m
}

func (s *managerSuite) register(name string, handler func(context.Context, *ops.OpContext) error) {
	s.registry.Register(name, ops.Method{Handler: handler})
}

// requestDoc builds a minimal client submission document.
func requestDoc(synchronous bool) map[string]any {
	headers := map[string]any{"version": int64(message.MaxVersion)}
	if synchronous {
		headers["synchronous"] = true
	}
	return map[string]any{"headers": headers}
}

func (s *managerSuite) opGone(userID int64, opID string) bool {
	_, err := s.st.GetOperation(context.Background(), userID, opID)
	return errors.IsNotFound(err)
}

// waitFor polls until cond holds; for conditions satisfied by
// goroutines that do not need the test clock to move.
func (s *managerSuite) waitFor(c *gc.C, what string, cond func() bool) {
	deadline := time.After(coretesting.LongWait)
	for !cond() {
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for %s", what)
		case <-time.After(coretesting.ShortWait):
		}
	}
}

// advanceUntil keeps nudging the test clock until cond holds, which
// rides out the jitter in sweep schedules and backoff deadlines.
func (s *managerSuite) advanceUntil(c *gc.C, step time.Duration, what string, cond func() bool) {
	deadline := time.After(coretesting.LongWait)
	for !cond() {
		s.clock.Advance(step)
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

// recorder notes handler executions in order.
type recorder struct {
	mu   sync.Mutex
	runs []string
}

func (r *recorder) add(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, v)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func (s *managerSuite) TestNewManagerValidates(c *gc.C) {
	cfg := s.config()
	cfg.State = nil
	_, err := opmanager.NewManager(cfg)
	c.Check(err, gc.ErrorMatches, "nil State not valid")

	cfg = s.config()
	cfg.Locks = nil
	_, err = opmanager.NewManager(cfg)
	c.Check(err, gc.ErrorMatches, "nil Locks not valid")

	cfg = s.config()
	cfg.Registry = nil
	_, err = opmanager.NewManager(cfg)
	c.Check(err, gc.ErrorMatches, "nil Registry not valid")

	cfg = s.config()
	cfg.QuarantineAttempts = -1
	_, err = opmanager.NewManager(cfg)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *managerSuite) TestStartStop(c *gc.C) {
	m := s.newManager(c, s.config())
	workertest.CheckAlive(c, m)
	workertest.CleanKill(c, m)
}

func (s *managerSuite) TestExecutesSyncSubmission(c *gc.C) {
	var rec recorder
	s.register("touch", func(ctx context.Context, opCtx *ops.OpContext) error {
		rec.add(opCtx.Operation().ID())
		return nil
	})
	m := s.newManager(c, s.config())

	result, err := m.OpsEnv().CreateAndExecute(context.Background(), 7, 3, "touch", requestDoc(true))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Created, jc.IsTrue)
	c.Check(result.Completed, jc.IsTrue)
	c.Check(rec.list(), jc.DeepEquals, []string{result.OpID})
	c.Check(s.opGone(7, result.OpID), jc.IsTrue)

	// The queue lock came and went.
	_, err = s.store.Get(context.Background(), "lock", kv.Key{Hash: "op:7"}, nil)
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *managerSuite) TestExecutesAsyncSubmission(c *gc.C) {
	var rec recorder
	s.register("touch", func(ctx context.Context, opCtx *ops.OpContext) error {
		rec.add(opCtx.Operation().ID())
		return nil
	})
	m := s.newManager(c, s.config())

	result, err := m.OpsEnv().CreateAndExecute(context.Background(), 7, 3, "touch", requestDoc(false))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Completed, jc.IsFalse)
	s.waitFor(c, "operation execution", func() bool {
		return s.opGone(7, result.OpID)
	})
	c.Check(rec.list(), jc.DeepEquals, []string{result.OpID})
}

func (s *managerSuite) TestPerUserFIFO(c *gc.C) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	var rec recorder
	s.register("slow", func(ctx context.Context, opCtx *ops.OpContext) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-gate
		rec.add(opCtx.Operation().ID())
		return nil
	})
	s.register("fast", func(ctx context.Context, opCtx *ops.OpContext) error {
		rec.add(opCtx.Operation().ID())
		return nil
	})
	m := s.newManager(c, s.config())
	env := m.OpsEnv()

	r1, err := env.CreateAndExecute(context.Background(), 7, 3, "slow", requestDoc(false))
	c.Assert(err, jc.ErrorIsNil)
	select {
	case <-started:
	case <-time.After(coretesting.LongWait):
		c.Fatalf("first operation never started")
	}

	// These pile up behind the blocked head.
	r2, err := env.CreateAndExecute(context.Background(), 7, 3, "fast", requestDoc(false))
	c.Assert(err, jc.ErrorIsNil)
	r3, err := env.CreateAndExecute(context.Background(), 7, 3, "fast", requestDoc(false))
	c.Assert(err, jc.ErrorIsNil)
	close(gate)

	s.waitFor(c, "queue to drain", func() bool {
		return s.opGone(7, r3.OpID)
	})
	c.Check(rec.list(), jc.DeepEquals, []string{r1.OpID, r2.OpID, r3.OpID})
}

func (s *managerSuite) TestNestedOperationRunsFirst(c *gc.C) {
	var rec recorder
	s.register("parent", func(ctx context.Context, opCtx *ops.OpContext) error {
		var nested bool
		ok, err := opCtx.Checkpoint(&nested)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			rec.add("parent-start")
			if err := opCtx.SetCheckpoint(ctx, true); err != nil {
				return errors.Trace(err)
			}
			return opCtx.Nested(ctx, "child", map[string]any{"seq": int64(1)})
		}
		rec.add("parent-done")
		return nil
	})
	s.register("child", func(ctx context.Context, opCtx *ops.OpContext) error {
		rec.add("child")
		return nil
	})
	m := s.newManager(c, s.config())

	result, err := m.OpsEnv().CreateAndExecute(context.Background(), 7, 3, "parent", requestDoc(true))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Completed, jc.IsTrue)
	c.Check(rec.list(), jc.DeepEquals, []string{"parent-start", "child", "parent-done"})
	c.Check(s.opGone(7, result.OpID), jc.IsTrue)
}

func (s *managerSuite) TestFailureBacksOffAndBlocksQueue(c *gc.C) {
	var rec recorder
	var mu sync.Mutex
	failing := true
	s.register("flaky", func(ctx context.Context, opCtx *ops.OpContext) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.Errorf("boom")
		}
		rec.add("flaky")
		return nil
	})
	s.register("after", func(ctx context.Context, opCtx *ops.OpContext) error {
		rec.add("after")
		return nil
	})
	cfg := s.config()
	cfg.QuarantineAttempts = 100
	m := s.newManager(c, cfg)
	env := m.OpsEnv()

	r1, err := env.CreateAndExecute(context.Background(), 7, 3, "flaky", requestDoc(false))
	c.Assert(err, jc.ErrorIsNil)
	r2, err := env.CreateAndExecute(context.Background(), 7, 3, "after", requestDoc(false))
	c.Assert(err, jc.ErrorIsNil)

	s.waitFor(c, "first failure", func() bool {
		op, err := s.st.GetOperation(context.Background(), 7, r1.OpID)
		return err == nil && op.Attempts() >= 1
	})
	op, err := s.st.GetOperation(context.Background(), 7, r1.OpID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(op.Backoff(), gc.Equals, epoch.Unix()+1)

	// The backed-off head blocks the rest of the queue.
	c.Check(s.opGone(7, r2.OpID), jc.IsFalse)
	c.Check(rec.list(), gc.HasLen, 0)

	// Once it can succeed, the failed-op sweep resumes the queue
	// after the backoff passes.
	mu.Lock()
	failing = false
	mu.Unlock()
	s.advanceUntil(c, 500*time.Millisecond, "queue to drain", func() bool {
		return s.opGone(7, r1.OpID) && s.opGone(7, r2.OpID)
	})
	c.Check(rec.list(), jc.DeepEquals, []string{"flaky", "after"})
}

func (s *managerSuite) TestQuarantineAfterMaxAttempts(c *gc.C) {
	var rec recorder
	s.register("doomed", func(ctx context.Context, opCtx *ops.OpContext) error {
		return errors.Errorf("always broken")
	})
	s.register("touch", func(ctx context.Context, opCtx *ops.OpContext) error {
		rec.add("touch")
		return nil
	})
	cfg := s.config()
	cfg.QuarantineAttempts = 2
	m := s.newManager(c, cfg)
	env := m.OpsEnv()

	r1, err := env.CreateAndExecute(context.Background(), 7, 3, "doomed", requestDoc(false))
	c.Assert(err, jc.ErrorIsNil)
	s.advanceUntil(c, 500*time.Millisecond, "quarantine", func() bool {
		op, err := s.st.GetOperation(context.Background(), 7, r1.OpID)
		return err == nil && op.Quarantined()
	})
	op, err := s.st.GetOperation(context.Background(), 7, r1.OpID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(op.Attempts(), gc.Equals, int64(2))

	// A quarantined head no longer blocks the queue.
	r2, err := env.CreateAndExecute(context.Background(), 7, 3, "touch", requestDoc(true))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r2.Completed, jc.IsTrue)
	c.Check(rec.list(), jc.DeepEquals, []string{"touch"})

	expected := `
# HELP viewfinder_ops_quarantined_total Operations set aside after too many failed attempts.
# TYPE viewfinder_ops_quarantined_total counter
viewfinder_ops_quarantined_total 1
`
	c.Check(testutil.GatherAndCompare(s.registerer, strings.NewReader(expected),
		"viewfinder_ops_quarantined_total"), jc.ErrorIsNil)
}

func (s *managerSuite) TestSyncSubmissionSurfacesHandlerError(c *gc.C) {
	s.register("denied", func(ctx context.Context, opCtx *ops.OpContext) error {
		return errors.Forbiddenf("not your viewpoint")
	})
	m := s.newManager(c, s.config())

	result, err := m.OpsEnv().CreateAndExecute(context.Background(), 7, 3, "denied", requestDoc(true))
	c.Assert(err, gc.ErrorMatches, "not your viewpoint")
	c.Check(err, jc.Satisfies, errors.IsForbidden)
	c.Check(result.Completed, jc.IsFalse)

	// The operation stays queued, charged with the failed attempt.
	op, err := s.st.GetOperation(context.Background(), 7, result.OpID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(op.Attempts(), gc.Equals, int64(1))
}

func (s *managerSuite) TestQueueHeldElsewhere(c *gc.C) {
	var rec recorder
	s.register("touch", func(ctx context.Context, opCtx *ops.OpContext) error {
		rec.add(opCtx.Operation().ID())
		return nil
	})
	m := s.newManager(c, s.config())
	env := m.OpsEnv()

	// Another server holds user 7's queue.
	foreign, status, err := s.locks.TryAcquire(context.Background(),
		lock.ResourceOperation, "7", lock.AcquireParams{})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(status, gc.Equals, lock.StatusAcquired)

	result, err := env.CreateAndExecute(context.Background(), 7, 3, "touch", requestDoc(true))
	c.Assert(err, jc.Satisfies, lock.IsLockFailed)
	c.Check(result.Completed, jc.IsFalse)
	c.Check(s.opGone(7, result.OpID), jc.IsFalse)

	// Once the lock is released, the failed-op sweep picks the
	// stranded operation up; its backoff is still zero.
	c.Assert(foreign.Release(context.Background()), jc.ErrorIsNil)
	s.advanceUntil(c, 500*time.Millisecond, "sweep to resume the queue", func() bool {
		return s.opGone(7, result.OpID)
	})
	c.Check(rec.list(), jc.DeepEquals, []string{result.OpID})
}

func (s *managerSuite) TestAbandonedQueueTakenOver(c *gc.C) {
	var rec recorder
	s.register("touch", func(ctx context.Context, opCtx *ops.OpContext) error {
		rec.add(opCtx.Operation().ID())
		return nil
	})

	// A dead server left user 7's queue locked with a lapsed deadline
	// and an operation in flight.
	_, created, err := s.st.CreateOperation(context.Background(), 7, "a5a1", state.NewOperation{
		DeviceID: 3,
		Method:   "touch",
		Args:     "{}",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(created, jc.IsTrue)
	err = s.store.Put(context.Background(), "lock", kv.Key{Hash: "op:7"}, kv.Attrs{
		"owner_id":         "dead-server",
		"acquire_failures": int64(0),
		"resource_data":    "a5a1",
		"expiration":       epoch.Unix() - 1,
	}, nil)
	c.Assert(err, jc.ErrorIsNil)

	s.newManager(c, s.config())
	s.advanceUntil(c, 200*time.Millisecond, "abandoned queue takeover", func() bool {
		return s.opGone(7, "a5a1")
	})
	c.Check(rec.list(), jc.DeepEquals, []string{"a5a1"})

	// The dead server's lock went with it.
	_, err = s.store.Get(context.Background(), "lock", kv.Key{Hash: "op:7"}, nil)
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *managerSuite) TestShutdownAbandonsInFlightWork(c *gc.C) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	s.register("slow", func(ctx context.Context, opCtx *ops.OpContext) error {
		close(entered)
		<-gate
		return nil
	})
	m := s.newManager(c, s.config())

	result, err := m.OpsEnv().CreateAndExecute(context.Background(), 7, 3, "slow", requestDoc(false))
	c.Assert(err, jc.ErrorIsNil)
	select {
	case <-entered:
	case <-time.After(coretesting.LongWait):
		c.Fatalf("handler never started")
	}

	// Shutdown waits for the drain in flight.
	m.Kill()
	stopped := make(chan error, 1)
	go func() { stopped <- m.Wait() }()
	select {
	case err := <-stopped:
		c.Fatalf("manager stopped with a drain still running: %v", err)
	case <-time.After(coretesting.ShortWait):
	}

	close(gate)
	select {
	case err := <-stopped:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("manager never stopped")
	}

	// The interrupted operation is still queued for another server.
	c.Check(s.opGone(7, result.OpID), jc.IsFalse)
}

func (s *managerSuite) TestStoppedManagerRefusesWork(c *gc.C) {
	m := s.newManager(c, s.config())
	workertest.CleanKill(c, m)

	done := make(chan error, 1)
	m.MaybeExecuteOp(7, "a0a1", func(err error) { done <- err })
	select {
	case err := <-done:
		c.Check(err, gc.ErrorMatches, "operation manager stopped")
	case <-time.After(coretesting.LongWait):
		c.Fatalf("waiter never answered")
	}
}

func (s *managerSuite) TestMetrics(c *gc.C) {
	s.register("touch", func(ctx context.Context, opCtx *ops.OpContext) error {
		return nil
	})
	m := s.newManager(c, s.config())

	_, err := m.OpsEnv().CreateAndExecute(context.Background(), 7, 3, "touch", requestDoc(true))
	c.Assert(err, jc.ErrorIsNil)

	expected := `
# HELP viewfinder_ops_active_users Users whose queues are currently being drained.
# TYPE viewfinder_ops_active_users gauge
viewfinder_ops_active_users 0
# HELP viewfinder_ops_executed_total Operations that completed and were deleted.
# TYPE viewfinder_ops_executed_total counter
viewfinder_ops_executed_total 1
`
	// The drain detaches just after the synchronous waiter is told.
	s.waitFor(c, "drain to detach", func() bool {
		return testutil.GatherAndCompare(s.registerer, strings.NewReader(expected),
			"viewfinder_ops_executed_total", "viewfinder_ops_active_users") == nil
	})
}
