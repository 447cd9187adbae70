// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package badgerstore

import (
	"bytes"
	"sort"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinder/viewfinder/kv"
)

type encodingSuite struct{}

var _ = gc.Suite(&encodingSuite{})

func (s *encodingSuite) TestKeyRoundTrip(c *gc.C) {
	keys := []kv.Key{
		{Hash: "u1"},
		{Hash: "u1", Range: "a1"},
		{Hash: int64(7), Range: int64(-3)},
		{Hash: int64(-1)},
		{Hash: "with\x00nul", Range: "(a1a1)"},
	}
	for _, key := range keys {
		got, err := decodeKey("op", encodeKey("op", key))
		c.Assert(err, jc.ErrorIsNil)
		c.Check(got, jc.DeepEquals, key, gc.Commentf("key %v", key))
	}
}

func (s *encodingSuite) TestKeyOrderMatchesContract(c *gc.C) {
	// The contract orders items by hash then range, int64 before
	// string, numerically and lexicographically within a type. The
	// encoding must agree so prefix iteration yields contract order.
	ordered := []kv.Key{
		{Hash: int64(-10), Range: "a"},
		{Hash: int64(2), Range: int64(-5)},
		{Hash: int64(2), Range: int64(0)},
		{Hash: int64(2), Range: int64(10)},
		{Hash: int64(10), Range: int64(2)},
		{Hash: "a", Range: "(a1a1)"},
		{Hash: "a", Range: "a1"},
		{Hash: "a", Range: "a1a1"},
		{Hash: "a\x00b", Range: "a1"},
		{Hash: "ab", Range: "a1"},
	}
	encoded := make([][]byte, len(ordered))
	for i, key := range ordered {
		encoded[i] = encodeKey("t", key)
	}
	shuffled := append([][]byte(nil), encoded...)
	sort.Slice(shuffled, func(i, j int) bool {
		return bytes.Compare(shuffled[i], shuffled[j]) < 0
	})
	c.Check(shuffled, jc.DeepEquals, encoded)
}

func (s *encodingSuite) TestAttrsRoundTrip(c *gc.C) {
	attrs := kv.Attrs{
		"method":     "ShareExisting",
		"empty":      "",
		"attempts":   int64(0),
		"backoff":    int64(-42),
		"quarantine": false,
		"photo_ids":  []string{"p2", "p1"},
		"none":       []string{},
	}
	data, err := encodeAttrs(attrs)
	c.Assert(err, jc.ErrorIsNil)
	got, err := decodeAttrs(data)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, attrs)
}

func (s *encodingSuite) TestEncodeAttrsRejectsBadValue(c *gc.C) {
	_, err := encodeAttrs(kv.Attrs{"bad": 3.14})
	c.Check(err, gc.ErrorMatches, `attribute "bad" value .* not valid`)
}
