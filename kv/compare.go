// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package kv

import (
	"sort"
	"strings"

	"github.com/juju/errors"
)

// CompareValues orders two key or attribute values: nil before int64
// before string, values of the same type in their natural order.
// Tables keep each key slot homogeneous so the cross-type ordering
// only decides degenerate cases. Drivers that evaluate the contract
// locally use it to agree on key and filter order.
func CompareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case int64:
		bv := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case int64:
		return 1
	case string:
		return 2
	}
	return 3
}

// EqualValues reports whether two attribute values are equal under the
// contract: same type and same content, with []string compared as an
// unordered set.
func EqualValues(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []string:
		bv, ok := b.([]string)
		if !ok || len(av) != len(bv) {
			return false
		}
		as := append([]string(nil), av...)
		bs := append([]string(nil), bv...)
		sort.Strings(as)
		sort.Strings(bs)
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
		return true
	}
	return false
}

// CheckExpected evaluates a write's conditions against the item's
// stored attributes (nil for an absent item) and returns
// ErrConditionFailed when any condition does not hold. Drivers without
// server-side conditional writes evaluate with this inside their local
// transaction.
func CheckExpected(current Attrs, expected Expected) error {
	for name, cond := range expected {
		v, has := current[name]
		if cond.IsAbsent() {
			if has {
				return errors.Trace(ErrConditionFailed)
			}
			continue
		}
		if !has || !EqualValues(v, cond.Value()) {
			return errors.Trace(ErrConditionFailed)
		}
	}
	return nil
}

// MatchFilter reports whether an item's attributes satisfy a scan
// filter. An item lacking the filtered attribute never matches, and
// the ordered comparisons only apply between values of the same
// orderable type.
func MatchFilter(attrs Attrs, f *Filter) bool {
	v, ok := attrs[f.Field]
	if !ok {
		return false
	}
	if f.Cmp == CmpEqual {
		return EqualValues(v, f.Value)
	}
	if rank(v) != rank(f.Value) || rank(v) == 0 || rank(v) > 2 {
		return false
	}
	c := CompareValues(v, f.Value)
	switch f.Cmp {
	case CmpLE:
		return c <= 0
	case CmpGE:
		return c >= 0
	}
	return false
}
