// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package dynamodb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/kv"
)

// Every table stores its hash key under attrHash and, for composite
// tables, its range key under attrRange. Table definitions (created
// out of band) declare them as S or N to match the id types the
// schema uses.
const (
	attrHash  = "hk"
	attrRange = "rk"
)

func encodeValue(v any) (types.AttributeValue, error) {
	switch v := v.(type) {
	case string:
		return &types.AttributeValueMemberS{Value: v}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: v}, nil
	case []string:
		if len(v) == 0 {
			// DynamoDB rejects empty sets outright.
			return nil, errors.NotValidf("empty string set")
		}
		return &types.AttributeValueMemberSS{Value: v}, nil
	}
	return nil, errors.NotValidf("attribute value %v (%T)", v, v)
}

func decodeValue(av types.AttributeValue) (any, error) {
	switch av := av.(type) {
	case *types.AttributeValueMemberS:
		return av.Value, nil
	case *types.AttributeValueMemberN:
		n, err := strconv.ParseInt(av.Value, 10, 64)
		if err != nil {
			return nil, errors.NotValidf("numeric attribute %q", av.Value)
		}
		return n, nil
	case *types.AttributeValueMemberBOOL:
		return av.Value, nil
	case *types.AttributeValueMemberSS:
		return av.Value, nil
	}
	return nil, errors.NotValidf("attribute of type %T", av)
}

func encodeKeyAttrs(key kv.Key) (map[string]types.AttributeValue, error) {
	if err := kv.ValidateKey(key); err != nil {
		return nil, errors.Trace(err)
	}
	hv, err := encodeValue(key.Hash)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := map[string]types.AttributeValue{attrHash: hv}
	if key.Range != nil {
		rv, err := encodeValue(key.Range)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out[attrRange] = rv
	}
	return out, nil
}

func decodeKeyAttrs(raw map[string]types.AttributeValue) (kv.Key, error) {
	var key kv.Key
	hv, ok := raw[attrHash]
	if !ok {
		return kv.Key{}, errors.Errorf("item lacks hash key attribute %q", attrHash)
	}
	hash, err := decodeValue(hv)
	if err != nil {
		return kv.Key{}, errors.Trace(err)
	}
	key.Hash = hash
	if rv, ok := raw[attrRange]; ok {
		key.Range, err = decodeValue(rv)
		if err != nil {
			return kv.Key{}, errors.Trace(err)
		}
	}
	return key, nil
}

// decodeItem splits a raw item into its key and its attributes; the
// key attributes never surface in kv.Attrs.
func decodeItem(raw map[string]types.AttributeValue) (kv.Key, kv.Attrs, error) {
	key, err := decodeKeyAttrs(raw)
	if err != nil {
		return kv.Key{}, nil, errors.Trace(err)
	}
	attrs := make(kv.Attrs, len(raw))
	for name, av := range raw {
		if name == attrHash || name == attrRange {
			continue
		}
		v, err := decodeValue(av)
		if err != nil {
			return kv.Key{}, nil, errors.Annotatef(err, "attribute %q", name)
		}
		attrs[name] = v
	}
	return key, attrs, nil
}

// exprBuilder accumulates the substitution maps shared by a request's
// update, condition and projection expressions. Attribute names are
// always referenced through placeholders so reserved words never
// collide.
type exprBuilder struct {
	names  map[string]string
	values map[string]types.AttributeValue
}

func newExprBuilder() *exprBuilder {
	return &exprBuilder{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}
}

func (b *exprBuilder) bindName(placeholder, attr string) string {
	p := "#" + placeholder
	b.names[p] = attr
	return p
}

func (b *exprBuilder) bindValue(placeholder string, v any) (string, error) {
	av, err := encodeValue(v)
	if err != nil {
		return "", errors.Trace(err)
	}
	p := ":" + placeholder
	b.values[p] = av
	return p, nil
}

// buildUpdate renders attrs as an UpdateItem expression, SET for
// values and REMOVE for nils. Names are processed sorted so the
// rendered expression is deterministic. Empty attrs render as "": an
// update with no expression still creates the item and enforces its
// conditions.
func (b *exprBuilder) buildUpdate(attrs kv.Attrs) (string, error) {
	if len(attrs) == 0 {
		return "", nil
	}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	var sets, removes []string
	for i, name := range names {
		ph := fmt.Sprintf("u%d", i)
		np := b.bindName(ph, name)
		v := attrs[name]
		if v == nil {
			removes = append(removes, np)
			continue
		}
		vp, err := b.bindValue(ph, v)
		if err != nil {
			return "", errors.Annotatef(err, "attribute %q", name)
		}
		sets = append(sets, np+" = "+vp)
	}
	var parts []string
	if len(sets) > 0 {
		parts = append(parts, "SET "+strings.Join(sets, ", "))
	}
	if len(removes) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(removes, ", "))
	}
	return strings.Join(parts, " "), nil
}

// buildCondition renders the expected conditions, ANDed in attribute
// name order.
func (b *exprBuilder) buildCondition(expected kv.Expected) (string, error) {
	if len(expected) == 0 {
		return "", nil
	}
	names := make([]string, 0, len(expected))
	for name := range expected {
		names = append(names, name)
	}
	sort.Strings(names)

	clauses := make([]string, 0, len(names))
	for i, name := range names {
		ph := fmt.Sprintf("c%d", i)
		np := b.bindName(ph, name)
		cond := expected[name]
		if cond.IsAbsent() {
			clauses = append(clauses, "attribute_not_exists("+np+")")
			continue
		}
		vp, err := b.bindValue(ph, cond.Value())
		if err != nil {
			return "", errors.Annotatef(err, "condition on %q", name)
		}
		clauses = append(clauses, np+" = "+vp)
	}
	return strings.Join(clauses, " AND "), nil
}

// buildProjection renders the field list to fetch, always including
// the key attributes so results can be mapped back to kv items. A nil
// fields list means fetch everything and renders as "".
func (b *exprBuilder) buildProjection(fields []string) string {
	if fields == nil {
		return ""
	}
	parts := []string{b.bindName("pk0", attrHash), b.bindName("pk1", attrRange)}
	for i, name := range fields {
		parts = append(parts, b.bindName(fmt.Sprintf("p%d", i), name))
	}
	return strings.Join(parts, ", ")
}
