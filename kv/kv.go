// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package kv defines the key-value store contract the operation
// pipeline is built on. The contract is deliberately narrow: it is the
// subset of a DynamoDB-style table store that the pipeline needs, so
// that a hosted table service, an embedded store and an in-memory fake
// can all satisfy it with identical semantics.
//
// Tables are addressed by name. Every item has a hash key and, in
// composite tables, a range key; items sharing a hash key sort by
// range key. Writes are conditional: a Put or Delete can require named
// attributes to be absent or to hold expected values, and a failed
// condition reports ErrConditionFailed. All ordering and idempotency
// guarantees upstream are built from that single primitive.
package kv

import (
	"fmt"

	"github.com/juju/errors"
)

// Attrs holds the attributes of an item. Values are restricted to
// string, int64, bool and []string (an unordered set); drivers reject
// anything else. In a Put, a nil value removes the attribute.
type Attrs map[string]any

// Key identifies an item. Hash and Range are string or int64; Range is
// nil for tables keyed on hash alone.
type Key struct {
	Hash  any
	Range any
}

// String renders the key for log and error messages.
func (k Key) String() string {
	if k.Range == nil {
		return fmt.Sprintf("%v", k.Hash)
	}
	return fmt.Sprintf("%v/%v", k.Hash, k.Range)
}

// Condition constrains one attribute in a conditional write. The zero
// Condition is invalid; construct with Absent or Equals.
type Condition struct {
	absent bool
	value  any
}

// Absent requires the attribute (or, for a key attribute, the whole
// item) to not exist.
func Absent() Condition {
	return Condition{absent: true}
}

// Equals requires the attribute to exist with the given value.
func Equals(value any) Condition {
	return Condition{value: value}
}

// IsAbsent reports whether the condition requires absence.
func (c Condition) IsAbsent() bool {
	return c.absent
}

// Value returns the value an Equals condition requires.
func (c Condition) Value() any {
	return c.value
}

// Expected maps attribute names to the conditions a write requires.
// A nil or empty Expected writes unconditionally.
type Expected map[string]Condition

// Query describes a range query over one hash key.
type Query struct {
	Table string
	// Hash selects the item group.
	Hash any
	// Start is the exclusive range key to resume after; nil starts
	// from the beginning (or the end, when Reverse is set).
	Start any
	// Limit bounds the number of items returned; 0 means no bound.
	Limit int
	// Reverse walks the range in descending order.
	Reverse bool
	// Fields restricts the attributes fetched; nil fetches all.
	Fields []string
}

// Cmp is a filter comparison operator.
type Cmp string

const (
	CmpEqual Cmp = "="
	CmpLE    Cmp = "<="
	CmpGE    Cmp = ">="
)

// Filter restricts a Scan to items whose attribute satisfies the
// comparison. Items lacking the attribute are excluded.
type Filter struct {
	Field string
	Cmp   Cmp
	Value any
}

// Item is a key together with the fetched attributes.
type Item struct {
	Key   Key
	Attrs Attrs
}

// String returns the named attribute, or "" when absent or mistyped.
func (a Attrs) String(name string) string {
	v, _ := a[name].(string)
	return v
}

// Int64 returns the named attribute, or 0 when absent or mistyped.
func (a Attrs) Int64(name string) int64 {
	v, _ := a[name].(int64)
	return v
}

// Bool returns the named attribute, or false when absent or mistyped.
func (a Attrs) Bool(name string) bool {
	v, _ := a[name].(bool)
	return v
}

// StringSet returns the named set attribute, or nil when absent.
func (a Attrs) StringSet(name string) []string {
	v, _ := a[name].([]string)
	return v
}

// Has reports whether the attribute is present.
func (a Attrs) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// ValidValue reports whether v is an attribute value drivers accept.
func ValidValue(v any) bool {
	switch v.(type) {
	case string, int64, bool, []string:
		return true
	}
	return false
}

// ValidKeyValue reports whether v can serve as a hash or range key.
func ValidKeyValue(v any) bool {
	switch v.(type) {
	case string, int64:
		return true
	}
	return false
}

// ValidateKey checks that key is usable against a driver.
func ValidateKey(key Key) error {
	if !ValidKeyValue(key.Hash) {
		return errors.NotValidf("hash key %v (%T)", key.Hash, key.Hash)
	}
	if key.Range != nil && !ValidKeyValue(key.Range) {
		return errors.NotValidf("range key %v (%T)", key.Range, key.Range)
	}
	return nil
}

// ValidateAttrs checks that every attribute value is storable. A nil
// value is allowed: it marks the attribute for removal.
func ValidateAttrs(attrs Attrs) error {
	for name, v := range attrs {
		if v != nil && !ValidValue(v) {
			return errors.NotValidf("attribute %q value %v (%T)", name, v, v)
		}
	}
	return nil
}
