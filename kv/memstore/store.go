// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package memstore implements the kv contract on a sorted in-memory
// table set. It backs unit tests and the daemon's --store memory mode;
// nothing survives a restart.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/kv"
)

// Store is an in-memory kv.Store. The zero value is not usable;
// construct with New.
type Store struct {
	mu     sync.Mutex
	tables map[string][]item
	hook   func(op, table string) error
}

type item struct {
	key   kv.Key
	attrs kv.Attrs
}

// New returns an empty store.
func New() *Store {
	return &Store{tables: make(map[string][]item)}
}

// SetHook installs a function invoked at the start of every store
// operation with the operation name and table; a non-nil result
// aborts the operation with that error. Tests use it to inject
// transient failures and to observe traffic. The hook runs without
// the store lock held.
func (s *Store) SetHook(hook func(op, table string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func (s *Store) enter(op, table string) error {
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(op, table)
}

// Put implements kv.Store.
func (s *Store) Put(ctx context.Context, table string, key kv.Key, attrs kv.Attrs, expected kv.Expected) error {
	if err := s.enter("Put", table); err != nil {
		return errors.Trace(err)
	}
	if err := kv.ValidateKey(key); err != nil {
		return errors.Trace(err)
	}
	if err := kv.ValidateAttrs(attrs); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.tables[table]
	i, found := find(items, key)
	var current kv.Attrs
	if found {
		current = items[i].attrs
	}
	if err := kv.CheckExpected(current, expected); err != nil {
		return errors.Trace(err)
	}
	if !found {
		items = append(items, item{})
		copy(items[i+1:], items[i:])
		items[i] = item{key: key, attrs: kv.Attrs{}}
		s.tables[table] = items
	}
	for name, v := range attrs {
		if v == nil {
			delete(items[i].attrs, name)
			continue
		}
		items[i].attrs[name] = copyValue(v)
	}
	return nil
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, table string, key kv.Key, fields []string) (kv.Attrs, error) {
	if err := s.enter("Get", table); err != nil {
		return nil, errors.Trace(err)
	}
	if err := kv.ValidateKey(key); err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.tables[table]
	i, found := find(items, key)
	if !found {
		return nil, errors.NotFoundf("item %v in table %q", key, table)
	}
	return copyAttrs(items[i].attrs, fields), nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, table string, key kv.Key, expected kv.Expected) error {
	if err := s.enter("Delete", table); err != nil {
		return errors.Trace(err)
	}
	if err := kv.ValidateKey(key); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.tables[table]
	i, found := find(items, key)
	var current kv.Attrs
	if found {
		current = items[i].attrs
	}
	if err := kv.CheckExpected(current, expected); err != nil {
		return errors.Trace(err)
	}
	if !found {
		return nil
	}
	s.tables[table] = append(items[:i], items[i+1:]...)
	return nil
}

// RangeQuery implements kv.Store.
func (s *Store) RangeQuery(ctx context.Context, q kv.Query) ([]kv.Item, error) {
	if err := s.enter("RangeQuery", q.Table); err != nil {
		return nil, errors.Trace(err)
	}
	if !kv.ValidKeyValue(q.Hash) {
		return nil, errors.NotValidf("hash key %v (%T)", q.Hash, q.Hash)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.tables[q.Table]
	lo := sort.Search(len(items), func(i int) bool {
		return kv.CompareValues(items[i].key.Hash, q.Hash) >= 0
	})
	hi := sort.Search(len(items), func(i int) bool {
		return kv.CompareValues(items[i].key.Hash, q.Hash) > 0
	})
	var out []kv.Item
	appendItem := func(i int) bool {
		out = append(out, kv.Item{Key: items[i].key, Attrs: copyAttrs(items[i].attrs, q.Fields)})
		return q.Limit > 0 && len(out) == q.Limit
	}
	if q.Reverse {
		for i := hi - 1; i >= lo; i-- {
			if q.Start != nil && kv.CompareValues(items[i].key.Range, q.Start) >= 0 {
				continue
			}
			if appendItem(i) {
				break
			}
		}
	} else {
		for i := lo; i < hi; i++ {
			if q.Start != nil && kv.CompareValues(items[i].key.Range, q.Start) <= 0 {
				continue
			}
			if appendItem(i) {
				break
			}
		}
	}
	return out, nil
}

// Scan implements kv.Store.
func (s *Store) Scan(ctx context.Context, table string, filter *kv.Filter, limit int, start *kv.Key) ([]kv.Item, *kv.Key, error) {
	if err := s.enter("Scan", table); err != nil {
		return nil, nil, errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.tables[table]
	i := 0
	if start != nil {
		i = sort.Search(len(items), func(i int) bool {
			return compareKey(items[i].key, *start) > 0
		})
	}
	var out []kv.Item
	for ; i < len(items); i++ {
		if filter != nil && !kv.MatchFilter(items[i].attrs, filter) {
			continue
		}
		out = append(out, kv.Item{Key: items[i].key, Attrs: copyAttrs(items[i].attrs, nil)})
		if limit > 0 && len(out) == limit {
			if i+1 < len(items) {
				next := items[i].key
				return out, &next, nil
			}
			break
		}
	}
	return out, nil, nil
}

// BatchGet implements kv.Store.
func (s *Store) BatchGet(ctx context.Context, table string, keys []kv.Key, fields []string) ([]kv.Item, error) {
	if err := s.enter("BatchGet", table); err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.tables[table]
	var out []kv.Item
	for _, key := range keys {
		if err := kv.ValidateKey(key); err != nil {
			return nil, errors.Trace(err)
		}
		if i, found := find(items, key); found {
			out = append(out, kv.Item{Key: items[i].key, Attrs: copyAttrs(items[i].attrs, fields)})
		}
	}
	return out, nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	return nil
}

func find(items []item, key kv.Key) (int, bool) {
	i := sort.Search(len(items), func(i int) bool {
		return compareKey(items[i].key, key) >= 0
	})
	return i, i < len(items) && compareKey(items[i].key, key) == 0
}

func compareKey(a, b kv.Key) int {
	if c := kv.CompareValues(a.Hash, b.Hash); c != 0 {
		return c
	}
	return kv.CompareValues(a.Range, b.Range)
}

func copyAttrs(attrs kv.Attrs, fields []string) kv.Attrs {
	if fields == nil {
		out := make(kv.Attrs, len(attrs))
		for name, v := range attrs {
			out[name] = copyValue(v)
		}
		return out
	}
	out := make(kv.Attrs, len(fields))
	for _, name := range fields {
		if v, ok := attrs[name]; ok {
			out[name] = copyValue(v)
		}
	}
	return out
}

func copyValue(v any) any {
	if set, ok := v.([]string); ok {
		return append([]string(nil), set...)
	}
	return v
}
