// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package kv_test

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinder/viewfinder/kv"
)

type compareSuite struct{}

var _ = gc.Suite(&compareSuite{})

func (s *compareSuite) TestCompareValues(c *gc.C) {
	c.Check(kv.CompareValues(int64(1), int64(2)), gc.Equals, -1)
	c.Check(kv.CompareValues(int64(2), int64(2)), gc.Equals, 0)
	c.Check(kv.CompareValues(int64(10), int64(2)), gc.Equals, 1)
	c.Check(kv.CompareValues("a", "b"), gc.Equals, -1)
	c.Check(kv.CompareValues("a1", "a1"), gc.Equals, 0)
	// Cross-type rank: nil < int64 < string.
	c.Check(kv.CompareValues(nil, int64(0)), gc.Equals, -1)
	c.Check(kv.CompareValues(int64(99), "0"), gc.Equals, -1)
	c.Check(kv.CompareValues("", int64(99)), gc.Equals, 1)
}

func (s *compareSuite) TestEqualValues(c *gc.C) {
	c.Check(kv.EqualValues("x", "x"), jc.IsTrue)
	c.Check(kv.EqualValues(int64(1), int64(1)), jc.IsTrue)
	c.Check(kv.EqualValues(int64(1), "1"), jc.IsFalse)
	c.Check(kv.EqualValues(true, true), jc.IsTrue)
	c.Check(kv.EqualValues([]string{"b", "a"}, []string{"a", "b"}), jc.IsTrue)
	c.Check(kv.EqualValues([]string{"a"}, []string{"a", "b"}), jc.IsFalse)
}

func (s *compareSuite) TestCheckExpected(c *gc.C) {
	current := kv.Attrs{"method": "Share", "seq": int64(3)}

	err := kv.CheckExpected(current, kv.Expected{"method": kv.Equals("Share")})
	c.Check(err, jc.ErrorIsNil)

	err = kv.CheckExpected(current, kv.Expected{"method": kv.Absent()})
	c.Check(err, jc.Satisfies, kv.IsConditionFailed)

	err = kv.CheckExpected(current, kv.Expected{"seq": kv.Equals(int64(4))})
	c.Check(err, jc.Satisfies, kv.IsConditionFailed)

	// All conditions on an absent item behave as on absent attributes.
	err = kv.CheckExpected(nil, kv.Expected{"method": kv.Absent()})
	c.Check(err, jc.ErrorIsNil)
	err = kv.CheckExpected(nil, kv.Expected{"method": kv.Equals("Share")})
	c.Check(err, jc.Satisfies, kv.IsConditionFailed)
}

func (s *compareSuite) TestMatchFilter(c *gc.C) {
	attrs := kv.Attrs{"backoff": int64(500), "quarantine": true}

	match := func(f kv.Filter) bool { return kv.MatchFilter(attrs, &f) }
	c.Check(match(kv.Filter{Field: "backoff", Cmp: kv.CmpLE, Value: int64(500)}), jc.IsTrue)
	c.Check(match(kv.Filter{Field: "backoff", Cmp: kv.CmpLE, Value: int64(499)}), jc.IsFalse)
	c.Check(match(kv.Filter{Field: "backoff", Cmp: kv.CmpGE, Value: int64(500)}), jc.IsTrue)
	c.Check(match(kv.Filter{Field: "quarantine", Cmp: kv.CmpEqual, Value: true}), jc.IsTrue)
	// Missing or differently typed fields never match.
	c.Check(match(kv.Filter{Field: "missing", Cmp: kv.CmpLE, Value: int64(1)}), jc.IsFalse)
	c.Check(match(kv.Filter{Field: "backoff", Cmp: kv.CmpLE, Value: "500"}), jc.IsFalse)
}
