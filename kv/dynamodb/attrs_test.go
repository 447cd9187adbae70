// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package dynamodb

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinder/viewfinder/kv"
)

type attrsSuite struct{}

var _ = gc.Suite(&attrsSuite{})

func (s *attrsSuite) TestBuildUpdate(c *gc.C) {
	b := newExprBuilder()
	expr, err := b.buildUpdate(kv.Attrs{
		"checkpoint": nil,
		"attempts":   int64(3),
		"method":     "ShareExisting",
	})
	c.Assert(err, jc.ErrorIsNil)
	// Names are processed sorted, so the rendering is stable.
	c.Check(expr, gc.Equals, "SET #u0 = :u0, #u2 = :u2 REMOVE #u1")
	c.Check(b.names, jc.DeepEquals, map[string]string{
		"#u0": "attempts",
		"#u1": "checkpoint",
		"#u2": "method",
	})
	c.Check(b.values, jc.DeepEquals, map[string]types.AttributeValue{
		":u0": &types.AttributeValueMemberN{Value: "3"},
		":u2": &types.AttributeValueMemberS{Value: "ShareExisting"},
	})
}

func (s *attrsSuite) TestBuildUpdateEmpty(c *gc.C) {
	b := newExprBuilder()
	expr, err := b.buildUpdate(nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(expr, gc.Equals, "")
}

func (s *attrsSuite) TestBuildCondition(c *gc.C) {
	b := newExprBuilder()
	expr, err := b.buildCondition(kv.Expected{
		"owner_id":   kv.Equals("op7/a1"),
		"expiration": kv.Absent(),
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(expr, gc.Equals, "attribute_not_exists(#c0) AND #c1 = :c1")
	c.Check(b.names, jc.DeepEquals, map[string]string{
		"#c0": "expiration",
		"#c1": "owner_id",
	})
	c.Check(b.values, jc.DeepEquals, map[string]types.AttributeValue{
		":c1": &types.AttributeValueMemberS{Value: "op7/a1"},
	})
}

func (s *attrsSuite) TestBuildProjectionIncludesKeys(c *gc.C) {
	b := newExprBuilder()
	expr := b.buildProjection([]string{"method", "attempts"})
	c.Check(expr, gc.Equals, "#pk0, #pk1, #p0, #p1")
	c.Check(b.names, jc.DeepEquals, map[string]string{
		"#pk0": attrHash,
		"#pk1": attrRange,
		"#p0":  "method",
		"#p1":  "attempts",
	})

	c.Check(b.buildProjection(nil), gc.Equals, "")
}

func (s *attrsSuite) TestDecodeItem(c *gc.C) {
	key, attrs, err := decodeItem(map[string]types.AttributeValue{
		"hk":         &types.AttributeValueMemberN{Value: "31"},
		"rk":         &types.AttributeValueMemberS{Value: "a1"},
		"method":     &types.AttributeValueMemberS{Value: "PostComment"},
		"quarantine": &types.AttributeValueMemberBOOL{Value: true},
		"photo_ids":  &types.AttributeValueMemberSS{Value: []string{"p1", "p2"}},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(key, jc.DeepEquals, kv.Key{Hash: int64(31), Range: "a1"})
	c.Check(attrs, jc.DeepEquals, kv.Attrs{
		"method":     "PostComment",
		"quarantine": true,
		"photo_ids":  []string{"p1", "p2"},
	})
}

func (s *attrsSuite) TestEncodeKeyAttrsHashOnly(c *gc.C) {
	keyAttrs, err := encodeKeyAttrs(kv.Key{Hash: "Email:ann@example.com"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(keyAttrs, jc.DeepEquals, map[string]types.AttributeValue{
		"hk": &types.AttributeValueMemberS{Value: "Email:ann@example.com"},
	})
}

func (s *attrsSuite) TestEncodeValueRejectsUnsupported(c *gc.C) {
	_, err := encodeValue(3.14)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
	_, err = encodeValue([]string{})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *attrsSuite) TestDecodeValueBadNumber(c *gc.C) {
	_, err := decodeValue(&types.AttributeValueMemberN{Value: "3.5e2"})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}
