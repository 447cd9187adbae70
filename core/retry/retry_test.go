// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package retry_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinder/viewfinder/core/retry"
	coretesting "github.com/viewfinder/viewfinder/testing"
)

type policySuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&policySuite{})

func (s *policySuite) TestFirstAttemptSucceeds(c *gc.C) {
	clk := testclock.NewClock(time.Time{})
	calls := 0
	err := retry.Policy{MaxTries: 3, MinDelay: time.Second}.Call(
		context.Background(), clk,
		func(ctx context.Context) error {
			calls++
			return nil
		},
	)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(calls, gc.Equals, 1)
	// No attempt slept.
	c.Check(clk.Now(), gc.Equals, time.Time{})
}

func (s *policySuite) TestRetriesWithDoublingDelay(c *gc.C) {
	clk := testclock.NewClock(time.Time{})
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- retry.Policy{MaxTries: 5, MinDelay: time.Second}.Call(
			context.Background(), clk,
			func(ctx context.Context) error {
				calls++
				if calls < 3 {
					return errors.New("flaky")
				}
				return nil
			},
		)
	}()
	c.Assert(clk.WaitAdvance(time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	c.Assert(clk.WaitAdvance(2*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	select {
	case err := <-done:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("retry loop did not finish")
	}
	c.Check(calls, gc.Equals, 3)
}

func (s *policySuite) TestExhaustionSurfacesLastError(c *gc.C) {
	clk := testclock.NewClock(time.Time{})
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- retry.Policy{MaxTries: 3, MinDelay: time.Millisecond}.Call(
			context.Background(), clk,
			func(ctx context.Context) error {
				calls++
				return errors.Errorf("attempt %d failed", calls)
			},
		)
	}()
	c.Assert(clk.WaitAdvance(time.Millisecond, coretesting.LongWait, 1), jc.ErrorIsNil)
	c.Assert(clk.WaitAdvance(2*time.Millisecond, coretesting.LongWait, 1), jc.ErrorIsNil)
	select {
	case err := <-done:
		c.Check(err, gc.ErrorMatches, "attempt 3 failed")
	case <-time.After(coretesting.LongWait):
		c.Fatalf("retry loop did not finish")
	}
	c.Check(calls, gc.Equals, 3)
}

func (s *policySuite) TestNonRetryableErrorReturnsImmediately(c *gc.C) {
	clk := testclock.NewClock(time.Time{})
	calls := 0
	err := retry.Policy{
		MaxTries:   10,
		MinDelay:   time.Second,
		RetryError: func(err error) bool { return false },
	}.Call(context.Background(), clk, func(ctx context.Context) error {
		calls++
		return errors.BadRequestf("malformed")
	})
	c.Check(err, jc.Satisfies, errors.IsBadRequest)
	c.Check(calls, gc.Equals, 1)
}

func (s *policySuite) TestRetryErrorSelectsFailures(c *gc.C) {
	clk := testclock.NewClock(time.Time{})
	calls := 0
	transient := errors.New("transient")
	fatal := errors.New("fatal")
	done := make(chan error, 1)
	go func() {
		done <- retry.Policy{
			MaxTries:   10,
			MinDelay:   time.Second,
			RetryError: func(err error) bool { return errors.Cause(err) == transient },
		}.Call(context.Background(), clk, func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return transient
			}
			return fatal
		})
	}()
	c.Assert(clk.WaitAdvance(time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	select {
	case err := <-done:
		c.Check(errors.Cause(err), gc.Equals, fatal)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("retry loop did not finish")
	}
	c.Check(calls, gc.Equals, 2)
}

func (s *policySuite) TestCancelledContextStopsWaiting(c *gc.C) {
	clk := testclock.NewClock(time.Time{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- retry.Policy{MinDelay: time.Minute}.Call(ctx, clk,
			func(ctx context.Context) error {
				return errors.New("always failing")
			},
		)
	}()
	// Let the loop go to sleep, then cancel mid-wait.
	c.Assert(clk.WaitAdvance(time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	cancel()
	select {
	case err := <-done:
		c.Check(errors.Cause(err), gc.Equals, context.Canceled)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("retry loop did not stop on cancel")
	}
}

func (s *policySuite) TestTimeoutBoundsElapsedTime(c *gc.C) {
	clk := testclock.NewClock(time.Time{})
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- retry.Policy{
			Timeout:  5 * time.Second,
			MinDelay: 4 * time.Second,
		}.Call(context.Background(), clk, func(ctx context.Context) error {
			calls++
			return errors.New("slow failure")
		})
	}()
	c.Assert(clk.WaitAdvance(4*time.Second, coretesting.LongWait, 1), jc.ErrorIsNil)
	select {
	case err := <-done:
		c.Check(err, gc.ErrorMatches, "slow failure")
	case <-time.After(coretesting.LongWait):
		c.Fatalf("retry loop did not finish")
	}
	c.Check(calls, gc.Equals, 2)
}

func (s *policySuite) TestNotifyObservesAttempts(c *gc.C) {
	clk := testclock.NewClock(time.Time{})
	var attempts []int
	done := make(chan error, 1)
	go func() {
		done <- retry.Policy{
			MaxTries: 3,
			MinDelay: time.Millisecond,
			Notify: func(err error, attempt int) {
				attempts = append(attempts, attempt)
			},
		}.Call(context.Background(), clk, func(ctx context.Context) error {
			return errors.New("boom")
		})
	}()
	c.Assert(clk.WaitAdvance(time.Millisecond, coretesting.LongWait, 1), jc.ErrorIsNil)
	c.Assert(clk.WaitAdvance(2*time.Millisecond, coretesting.LongWait, 1), jc.ErrorIsNil)
	select {
	case err := <-done:
		c.Check(err, gc.ErrorMatches, "boom")
	case <-time.After(coretesting.LongWait):
		c.Fatalf("retry loop did not finish")
	}
	c.Check(attempts, jc.DeepEquals, []int{1, 2, 3})
}
