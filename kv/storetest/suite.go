// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package storetest provides a conformance suite for kv.Store
// implementations. Driver test packages embed Suite and supply a
// NewStore hook; every driver then answers for the same semantics.
package storetest

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinder/viewfinder/kv"
)

// Suite exercises the kv.Store contract against the store returned by
// NewStore. The embedding suite must set NewStore before SetUpTest
// runs.
type Suite struct {
	testing.IsolationSuite

	NewStore func(c *gc.C) kv.Store

	Store kv.Store
}

func (s *Suite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	c.Assert(s.NewStore, gc.NotNil)
	s.Store = s.NewStore(c)
}

func (s *Suite) TearDownTest(c *gc.C) {
	if s.Store != nil {
		c.Check(s.Store.Close(), jc.ErrorIsNil)
		s.Store = nil
	}
	s.IsolationSuite.TearDownTest(c)
}

func (s *Suite) put(c *gc.C, table string, key kv.Key, attrs kv.Attrs) {
	err := s.Store.Put(context.Background(), table, key, attrs, nil)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *Suite) TestGetMissing(c *gc.C) {
	_, err := s.Store.Get(context.Background(), "thing", kv.Key{Hash: "nope"}, nil)
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *Suite) TestPutGet(c *gc.C) {
	key := kv.Key{Hash: int64(7), Range: "a1a1"}
	s.put(c, "thing", key, kv.Attrs{
		"method": "ShareExisting",
		"count":  int64(3),
		"done":   false,
		"tags":   []string{"x", "y"},
	})
	attrs, err := s.Store.Get(context.Background(), "thing", key, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attrs.String("method"), gc.Equals, "ShareExisting")
	c.Check(attrs.Int64("count"), gc.Equals, int64(3))
	c.Check(attrs.Bool("done"), gc.Equals, false)
	c.Check(attrs.StringSet("tags"), jc.SameContents, []string{"x", "y"})
}

func (s *Suite) TestPutMerges(c *gc.C) {
	key := kv.Key{Hash: "k"}
	s.put(c, "thing", key, kv.Attrs{"a": int64(1), "b": "keep"})
	s.put(c, "thing", key, kv.Attrs{"a": int64(2)})
	attrs, err := s.Store.Get(context.Background(), "thing", key, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attrs.Int64("a"), gc.Equals, int64(2))
	c.Check(attrs.String("b"), gc.Equals, "keep")
}

func (s *Suite) TestPutNilRemovesAttribute(c *gc.C) {
	key := kv.Key{Hash: "k"}
	s.put(c, "thing", key, kv.Attrs{"a": int64(1), "expiry": int64(99)})
	s.put(c, "thing", key, kv.Attrs{"a": int64(2), "expiry": nil})
	attrs, err := s.Store.Get(context.Background(), "thing", key, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attrs.Int64("a"), gc.Equals, int64(2))
	c.Check(attrs.Has("expiry"), jc.IsFalse)

	// Removing an attribute the item never had is a no-op.
	s.put(c, "thing", key, kv.Attrs{"expiry": nil})
	attrs, err = s.Store.Get(context.Background(), "thing", key, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attrs.Has("expiry"), jc.IsFalse)
}

func (s *Suite) TestGetFields(c *gc.C) {
	key := kv.Key{Hash: "k"}
	s.put(c, "thing", key, kv.Attrs{"a": int64(1), "b": "x", "c": true})
	attrs, err := s.Store.Get(context.Background(), "thing", key, []string{"a", "c", "missing"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attrs, jc.DeepEquals, kv.Attrs{"a": int64(1), "c": true})
}

func (s *Suite) TestConditionalCreate(c *gc.C) {
	key := kv.Key{Hash: "k"}
	expected := kv.Expected{"owner": kv.Absent()}
	err := s.Store.Put(context.Background(), "thing", key, kv.Attrs{"owner": "one"}, expected)
	c.Assert(err, jc.ErrorIsNil)
	err = s.Store.Put(context.Background(), "thing", key, kv.Attrs{"owner": "two"}, expected)
	c.Check(err, jc.Satisfies, kv.IsConditionFailed)

	attrs, err := s.Store.Get(context.Background(), "thing", key, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attrs.String("owner"), gc.Equals, "one")
}

func (s *Suite) TestConditionEquals(c *gc.C) {
	key := kv.Key{Hash: "counter"}
	s.put(c, "thing", key, kv.Attrs{"next": int64(5)})

	err := s.Store.Put(context.Background(), "thing", key, kv.Attrs{"next": int64(6)},
		kv.Expected{"next": kv.Equals(int64(5))})
	c.Assert(err, jc.ErrorIsNil)

	err = s.Store.Put(context.Background(), "thing", key, kv.Attrs{"next": int64(7)},
		kv.Expected{"next": kv.Equals(int64(5))})
	c.Check(err, jc.Satisfies, kv.IsConditionFailed)

	attrs, err := s.Store.Get(context.Background(), "thing", key, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attrs.Int64("next"), gc.Equals, int64(6))
}

func (s *Suite) TestConditionEqualsOnMissingItemFails(c *gc.C) {
	err := s.Store.Put(context.Background(), "thing", kv.Key{Hash: "nope"}, kv.Attrs{"a": int64(1)},
		kv.Expected{"a": kv.Equals(int64(1))})
	c.Check(err, jc.Satisfies, kv.IsConditionFailed)
}

func (s *Suite) TestDeleteConditional(c *gc.C) {
	key := kv.Key{Hash: "k"}
	s.put(c, "thing", key, kv.Attrs{"owner": "one"})

	err := s.Store.Delete(context.Background(), "thing", key, kv.Expected{"owner": kv.Equals("two")})
	c.Check(err, jc.Satisfies, kv.IsConditionFailed)

	err = s.Store.Delete(context.Background(), "thing", key, kv.Expected{"owner": kv.Equals("one")})
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.Store.Get(context.Background(), "thing", key, nil)
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *Suite) TestDeleteMissingUnconditional(c *gc.C) {
	err := s.Store.Delete(context.Background(), "thing", kv.Key{Hash: "nope"}, nil)
	c.Check(err, jc.ErrorIsNil)
}

func (s *Suite) TestRangeQueryOrder(c *gc.C) {
	for _, r := range []string{"b10", "a2", "(a1a1)", "a1"} {
		s.put(c, "op", kv.Key{Hash: int64(1), Range: r}, kv.Attrs{"method": "m"})
	}
	s.put(c, "op", kv.Key{Hash: int64(2), Range: "a1"}, kv.Attrs{"method": "other"})

	items, err := s.Store.RangeQuery(context.Background(), kv.Query{Table: "op", Hash: int64(1)})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(rangeKeys(items), jc.DeepEquals, []any{"(a1a1)", "a1", "a2", "b10"})
}

func (s *Suite) TestRangeQueryExclusiveStart(c *gc.C) {
	for _, r := range []string{"a1", "a2", "a3"} {
		s.put(c, "op", kv.Key{Hash: int64(1), Range: r}, kv.Attrs{"method": "m"})
	}
	items, err := s.Store.RangeQuery(context.Background(), kv.Query{
		Table: "op", Hash: int64(1), Start: "a1",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(rangeKeys(items), jc.DeepEquals, []any{"a2", "a3"})
}

func (s *Suite) TestRangeQueryReverseLimit(c *gc.C) {
	for i := int64(1); i <= 5; i++ {
		s.put(c, "note", kv.Key{Hash: int64(9), Range: i}, kv.Attrs{"name": "n"})
	}
	items, err := s.Store.RangeQuery(context.Background(), kv.Query{
		Table: "note", Hash: int64(9), Reverse: true, Limit: 2,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(rangeKeys(items), jc.DeepEquals, []any{int64(5), int64(4)})
}

func (s *Suite) TestRangeQueryReverseExclusiveStart(c *gc.C) {
	for i := int64(1); i <= 5; i++ {
		s.put(c, "note", kv.Key{Hash: int64(9), Range: i}, kv.Attrs{"name": "n"})
	}
	items, err := s.Store.RangeQuery(context.Background(), kv.Query{
		Table: "note", Hash: int64(9), Reverse: true, Start: int64(4),
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(rangeKeys(items), jc.DeepEquals, []any{int64(3), int64(2), int64(1)})
}

func (s *Suite) TestIntRangeKeysSortNumerically(c *gc.C) {
	for _, i := range []int64{10, 2, 33, 1} {
		s.put(c, "note", kv.Key{Hash: int64(9), Range: i}, kv.Attrs{"name": "n"})
	}
	items, err := s.Store.RangeQuery(context.Background(), kv.Query{Table: "note", Hash: int64(9)})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(rangeKeys(items), jc.DeepEquals, []any{int64(1), int64(2), int64(10), int64(33)})
}

func (s *Suite) TestRangeQueryFields(c *gc.C) {
	s.put(c, "op", kv.Key{Hash: int64(1), Range: "a1"}, kv.Attrs{"method": "m", "json": "{}"})
	items, err := s.Store.RangeQuery(context.Background(), kv.Query{
		Table: "op", Hash: int64(1), Fields: []string{"method"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(items, gc.HasLen, 1)
	c.Check(items[0].Attrs, jc.DeepEquals, kv.Attrs{"method": "m"})
}

func (s *Suite) TestScanFilterAndCursor(c *gc.C) {
	for i := int64(1); i <= 10; i++ {
		attrs := kv.Attrs{"backoff": i * 100}
		s.put(c, "op", kv.Key{Hash: i, Range: "a1"}, attrs)
	}
	filter := &kv.Filter{Field: "backoff", Cmp: kv.CmpLE, Value: int64(700)}

	var seen []any
	var cursor *kv.Key
	for {
		items, next, err := s.Store.Scan(context.Background(), "op", filter, 3, cursor)
		c.Assert(err, jc.ErrorIsNil)
		for _, it := range items {
			seen = append(seen, it.Key.Hash)
		}
		if next == nil {
			break
		}
		cursor = next
	}
	c.Check(seen, jc.DeepEquals, []any{int64(1), int64(2), int64(3), int64(4), int64(5), int64(6), int64(7)})
}

func (s *Suite) TestScanMissingFilterFieldExcludes(c *gc.C) {
	s.put(c, "op", kv.Key{Hash: int64(1), Range: "a1"}, kv.Attrs{"backoff": int64(5)})
	s.put(c, "op", kv.Key{Hash: int64(2), Range: "a1"}, kv.Attrs{"method": "m"})
	items, _, err := s.Store.Scan(context.Background(), "op",
		&kv.Filter{Field: "backoff", Cmp: kv.CmpLE, Value: int64(100)}, 0, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(items, gc.HasLen, 1)
	c.Check(items[0].Key.Hash, gc.Equals, int64(1))
}

func (s *Suite) TestBatchGet(c *gc.C) {
	s.put(c, "photo", kv.Key{Hash: "p1"}, kv.Attrs{"caption": "one"})
	s.put(c, "photo", kv.Key{Hash: "p2"}, kv.Attrs{"caption": "two"})
	items, err := s.Store.BatchGet(context.Background(), "photo", []kv.Key{
		{Hash: "p2"}, {Hash: "gone"}, {Hash: "p1"},
	}, nil)
	c.Assert(err, jc.ErrorIsNil)

	captions := make([]string, len(items))
	for i, it := range items {
		captions[i] = it.Attrs.String("caption")
	}
	c.Check(captions, jc.SameContents, []string{"one", "two"})
}

func rangeKeys(items []kv.Item) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it.Key.Range
	}
	return out
}
