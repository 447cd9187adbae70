// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package state_test

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinder/viewfinder/kv"
	"github.com/viewfinder/viewfinder/state"
)

type operationSuite struct {
	stateSuite
}

var _ = gc.Suite(&operationSuite{})

func (s *operationSuite) create(c *gc.C, userID int64, opID string) *state.Operation {
	op, created, err := s.state.CreateOperation(context.Background(), userID, opID, state.NewOperation{
		DeviceID: 3,
		Method:   "share_existing",
		Args:     `{"viewpoint_id":"v1"}`,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(created, jc.IsTrue)
	return op
}

func (s *operationSuite) TestCreateRoundTrip(c *gc.C) {
	s.create(c, 7, "a1a1")

	op, err := s.state.GetOperation(context.Background(), 7, "a1a1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(op.UserID(), gc.Equals, int64(7))
	c.Check(op.ID(), gc.Equals, "a1a1")
	c.Check(op.DeviceID(), gc.Equals, int64(3))
	c.Check(op.Method(), gc.Equals, "share_existing")
	c.Check(op.Args(), gc.Equals, `{"viewpoint_id":"v1"}`)
	c.Check(op.Attempts(), gc.Equals, int64(0))
	c.Check(op.Backoff(), gc.Equals, int64(0))
	c.Check(op.Quarantined(), jc.IsFalse)
	c.Check(op.Timestamp(), gc.Equals, epoch.Unix())
	_, ok := op.Checkpoint()
	c.Check(ok, jc.IsFalse)
}

func (s *operationSuite) TestCreateIdempotent(c *gc.C) {
	s.create(c, 7, "a1a1")
	op, created, err := s.state.CreateOperation(context.Background(), 7, "a1a1", state.NewOperation{
		DeviceID: 9,
		Method:   "post_comment",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(created, jc.IsFalse)
	// The original row wins; the re-submission's fields are ignored.
	c.Check(op.Method(), gc.Equals, "share_existing")
	c.Check(op.DeviceID(), gc.Equals, int64(3))
}

func (s *operationSuite) TestCreateValidates(c *gc.C) {
	_, _, err := s.state.CreateOperation(context.Background(), 7, "", state.NewOperation{Method: "m"})
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	_, _, err = s.state.CreateOperation(context.Background(), 7, "a1a1", state.NewOperation{})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *operationSuite) TestGetMissing(c *gc.C) {
	_, err := s.state.GetOperation(context.Background(), 7, "a1a1")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *operationSuite) TestFailureAccounting(c *gc.C) {
	op := s.create(c, 7, "a1a1")
	c.Assert(op.RecordFailure(context.Background(), epoch.Unix()+30), jc.ErrorIsNil)
	c.Assert(op.RecordFailure(context.Background(), epoch.Unix()+60), jc.ErrorIsNil)

	op, err := s.state.GetOperation(context.Background(), 7, "a1a1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(op.Attempts(), gc.Equals, int64(2))
	c.Check(op.Backoff(), gc.Equals, epoch.Unix()+60)
}

func (s *operationSuite) TestQuarantine(c *gc.C) {
	op := s.create(c, 7, "a1a1")
	c.Assert(op.SetQuarantine(context.Background()), jc.ErrorIsNil)

	op, err := s.state.GetOperation(context.Background(), 7, "a1a1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(op.Quarantined(), jc.IsTrue)
}

func (s *operationSuite) TestCheckpoint(c *gc.C) {
	op := s.create(c, 7, "a1a1")
	c.Assert(op.SetCheckpoint(context.Background(), `{"seq":5}`), jc.ErrorIsNil)

	op, err := s.state.GetOperation(context.Background(), 7, "a1a1")
	c.Assert(err, jc.ErrorIsNil)
	ck, ok := op.Checkpoint()
	c.Check(ok, jc.IsTrue)
	c.Check(ck, gc.Equals, `{"seq":5}`)

	// A later checkpoint replaces the earlier one.
	c.Assert(op.SetCheckpoint(context.Background(), `{"seq":9}`), jc.ErrorIsNil)
	op, err = s.state.GetOperation(context.Background(), 7, "a1a1")
	c.Assert(err, jc.ErrorIsNil)
	ck, _ = op.Checkpoint()
	c.Check(ck, gc.Equals, `{"seq":9}`)
}

func (s *operationSuite) TestTriggeredFailpoints(c *gc.C) {
	op := s.create(c, 7, "a1a1")
	c.Check(op.HasTriggeredFailpoint("before-fanout"), jc.IsFalse)
	c.Assert(op.AddTriggeredFailpoint(context.Background(), "before-fanout"), jc.ErrorIsNil)
	// Recording the same marker again writes nothing.
	c.Assert(op.AddTriggeredFailpoint(context.Background(), "before-fanout"), jc.ErrorIsNil)

	op, err := s.state.GetOperation(context.Background(), 7, "a1a1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(op.HasTriggeredFailpoint("before-fanout"), jc.IsTrue)
	c.Check(op.HasTriggeredFailpoint("after-fanout"), jc.IsFalse)
}

func (s *operationSuite) TestMutateDeletedRow(c *gc.C) {
	op := s.create(c, 7, "a1a1")
	c.Assert(op.Delete(context.Background()), jc.ErrorIsNil)

	err := op.RecordFailure(context.Background(), epoch.Unix()+30)
	c.Check(kv.IsConditionFailed(err), jc.IsTrue)
}

func (s *operationSuite) TestDeleteIdempotent(c *gc.C) {
	op := s.create(c, 7, "a1a1")
	c.Assert(op.Delete(context.Background()), jc.ErrorIsNil)
	c.Assert(op.Delete(context.Background()), jc.ErrorIsNil)

	_, err := s.state.GetOperation(context.Background(), 7, "a1a1")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *operationSuite) TestOperationsForUserOrder(c *gc.C) {
	// Insertion order is deliberately scrambled; reads come back in
	// execution order, nested ids ahead of their parents.
	s.create(c, 7, "a1a2")
	s.create(c, 7, "(a1a2)")
	s.create(c, 7, "a1a1")
	s.create(c, 7, "a1aa")
	s.create(c, 8, "a1a1")

	ops, err := s.state.OperationsForUser(context.Background(), 7, "", 0)
	c.Assert(err, jc.ErrorIsNil)
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID()
	}
	c.Check(ids, jc.DeepEquals, []string{"(a1a2)", "a1a1", "a1a2", "a1aa"})
}

func (s *operationSuite) TestOperationsForUserPaging(c *gc.C) {
	s.create(c, 7, "a1a1")
	s.create(c, 7, "a1a2")
	s.create(c, 7, "a1a3")

	ops, err := s.state.OperationsForUser(context.Background(), 7, "", 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ops, gc.HasLen, 2)
	c.Check(ops[0].ID(), gc.Equals, "a1a1")
	c.Check(ops[1].ID(), gc.Equals, "a1a2")

	ops, err = s.state.OperationsForUser(context.Background(), 7, ops[1].ID(), 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ops, gc.HasLen, 1)
	c.Check(ops[0].ID(), gc.Equals, "a1a3")
}

func (s *operationSuite) TestNextFailedOperations(c *gc.C) {
	now := epoch.Unix()
	ready := s.create(c, 7, "a1a1")
	c.Assert(ready.RecordFailure(context.Background(), now-1), jc.ErrorIsNil)

	parked := s.create(c, 7, "a1a2")
	c.Assert(parked.RecordFailure(context.Background(), now+3600), jc.ErrorIsNil)

	bad := s.create(c, 8, "a1a1")
	c.Assert(bad.RecordFailure(context.Background(), now-1), jc.ErrorIsNil)
	c.Assert(bad.SetQuarantine(context.Background()), jc.ErrorIsNil)

	// Fresh rows have backoff 0 and are picked up too; that is what
	// recovers operations whose creating server died.
	s.create(c, 9, "a1a1")

	var got []string
	start := (*kv.Key)(nil)
	for {
		ops, next, err := s.state.NextFailedOperations(context.Background(), now, 2, start)
		c.Assert(err, jc.ErrorIsNil)
		for _, op := range ops {
			got = append(got, fmt.Sprintf("%d/%s", op.UserID(), op.ID()))
		}
		if next == nil {
			break
		}
		start = next
	}
	c.Check(got, jc.SameContents, []string{"7/a1a1", "9/a1a1"})
}

type allocatorSuite struct {
	stateSuite
}

var _ = gc.Suite(&allocatorSuite{})

func (s *allocatorSuite) TestSequence(c *gc.C) {
	for want := int64(1); want <= 3; want++ {
		n, err := s.state.AllocateOpNum(context.Background(), 55)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(n, gc.Equals, want)
	}
	// Counters are per device.
	n, err := s.state.AllocateOpNum(context.Background(), 56)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, int64(1))
}

func (s *allocatorSuite) TestLostRaceRetries(c *gc.C) {
	_, err := s.state.AllocateOpNum(context.Background(), 55)
	c.Assert(err, jc.ErrorIsNil)

	// Simulate another server taking the number we read: bump the
	// counter between our read and our conditional write.
	raced := false
	s.store.SetHook(func(op, table string) error {
		if op != "Put" || table != "allocator" || raced {
			return nil
		}
		raced = true
		s.store.SetHook(nil)
		err := s.store.Put(context.Background(), "allocator",
			kv.Key{Hash: "dev:55"}, kv.Attrs{"next": int64(3)}, nil)
		c.Assert(err, jc.ErrorIsNil)
		return nil
	})

	n, err := s.state.AllocateOpNum(context.Background(), 55)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, int64(3))
	c.Check(raced, jc.IsTrue)
}
