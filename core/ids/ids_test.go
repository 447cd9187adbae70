// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package ids_test

import (
	"math"
	"sort"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinder/viewfinder/core/ids"
)

type idsSuite struct{}

var _ = gc.Suite(&idsSuite{})

func (s *idsSuite) TestEncodeUint(c *gc.C) {
	for i, test := range []struct {
		value    uint64
		expected string
	}{
		{0, "a0"},
		{1, "a1"},
		{15, "af"},
		{16, "b10"},
		{255, "bff"},
		{256, "c100"},
		{1 << 32, "i100000000"},
		{math.MaxUint64, "pffffffffffffffff"},
	} {
		c.Logf("test %d: %d", i, test.value)
		c.Check(ids.EncodeUint(test.value), gc.Equals, test.expected)
	}
}

func (s *idsSuite) TestDecodeUintRoundTrip(c *gc.C) {
	for _, v := range []uint64{0, 1, 9, 10, 15, 16, 100, 255, 256, 1 << 20, 1 << 40, math.MaxUint64} {
		got, rest, err := ids.DecodeUint(ids.EncodeUint(v) + "tail")
		c.Assert(err, jc.ErrorIsNil)
		c.Check(got, gc.Equals, v)
		c.Check(rest, gc.Equals, "tail")
	}
}

func (s *idsSuite) TestDecodeUintErrors(c *gc.C) {
	for i, test := range []string{
		"",     // empty
		"q0",   // prefix past 'p'
		"Z0",   // prefix not a length byte
		"b1",   // truncated
		"b01",  // leading zero
		"aF",   // uppercase digit
		"a0a0", // handled: trailing bytes are returned, not an error
	} {
		c.Logf("test %d: %q", i, test)
		_, rest, err := ids.DecodeUint(test)
		if test == "a0a0" {
			c.Check(err, jc.ErrorIsNil)
			c.Check(rest, gc.Equals, "a0")
			continue
		}
		c.Check(err, jc.Satisfies, errors.IsNotValid)
	}
}

func (s *idsSuite) TestEncodingSortsNumerically(c *gc.C) {
	values := []uint64{0, 1, 2, 9, 10, 15, 16, 17, 99, 100, 255, 256, 4095, 4096, 1 << 16, 1<<16 + 1, 1 << 32, math.MaxUint64 - 1, math.MaxUint64}
	encoded := make([]string, len(values))
	for i, v := range values {
		encoded[i] = ids.EncodeUint(v)
	}
	c.Check(sort.StringsAreSorted(encoded), jc.IsTrue)
}

func (s *idsSuite) TestOperationIDRoundTrip(c *gc.C) {
	id := ids.NewOperationID(127, 12)
	c.Check(id, gc.Equals, "b7fac")
	device, opNum, err := ids.ParseOperationID(id)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(device, gc.Equals, uint64(127))
	c.Check(opNum, gc.Equals, uint64(12))
}

func (s *idsSuite) TestOperationIDsSortByDeviceThenAllocation(c *gc.C) {
	sorted := []string{
		ids.NewOperationID(ids.SystemDeviceID, 1),
		ids.NewOperationID(ids.SystemDeviceID, 2),
		ids.NewOperationID(1, 1),
		ids.NewOperationID(1, 500),
		ids.NewOperationID(2, 1),
		ids.NewOperationID(255, 1),
	}
	c.Check(sort.StringsAreSorted(sorted), jc.IsTrue)
}

func (s *idsSuite) TestParseOperationIDErrors(c *gc.C) {
	for i, test := range []string{
		"",
		"a1",       // only one integer
		"a1a2junk", // trailing bytes
		"a1b2",     // truncated second integer
	} {
		c.Logf("test %d: %q", i, test)
		_, _, err := ids.ParseOperationID(test)
		c.Check(err, jc.Satisfies, errors.IsNotValid)
	}
}

func (s *idsSuite) TestNestedSortsBeforeParent(c *gc.C) {
	parent := ids.NewOperationID(33, 7)
	child := ids.Nested(parent)
	grandchild := ids.Nested(child)
	c.Check(child < parent, jc.IsTrue)
	c.Check(grandchild < child, jc.IsTrue)

	// A nested id sorts before every plain id, including ids from
	// the system device.
	c.Check(child < ids.NewOperationID(ids.SystemDeviceID, 1), jc.IsTrue)
}

func (s *idsSuite) TestNestedAccessors(c *gc.C) {
	parent := ids.NewOperationID(33, 7)
	child := ids.Nested(parent)
	c.Check(ids.IsNested(parent), jc.IsFalse)
	c.Check(ids.IsNested(child), jc.IsTrue)

	got, err := ids.Parent(child)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.Equals, parent)

	_, err = ids.Parent(parent)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
	_, err = ids.Parent("(" + parent)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *idsSuite) TestValidate(c *gc.C) {
	parent := ids.NewOperationID(33, 7)
	c.Check(ids.Validate(parent), jc.ErrorIsNil)
	c.Check(ids.Validate(ids.Nested(parent)), jc.ErrorIsNil)
	c.Check(ids.Validate(ids.Nested(ids.Nested(parent))), jc.ErrorIsNil)

	for i, test := range []string{"", "bogus", "(a1a2", "a1a2)", "(a1)"} {
		c.Logf("test %d: %q", i, test)
		c.Check(ids.Validate(test), jc.Satisfies, errors.IsNotValid)
	}
}
