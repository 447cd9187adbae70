// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package badgerstore implements the kv contract on an embedded badger
// database. It backs the daemon's --store local mode: one process, one
// data directory, full durability across restarts. Conditional writes
// are evaluated inside badger transactions, so the contract's
// compare-and-set semantics hold without a server.
package badgerstore

import (
	"bytes"
	"context"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/viewfinder/viewfinder/kv"
)

var logger = loggo.GetLogger("viewfinder.kv.badgerstore")

// Store is a badger-backed kv.Store.
type Store struct {
	db *badger.DB
}

// Open opens (creating if needed) a store rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(logger)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "opening badger store at %q", dir)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that keeps everything in memory. Tests
// use it to run the real driver without a scratch directory.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(logger)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotate(err, "opening in-memory badger store")
	}
	return &Store{db: db}, nil
}

// Put implements kv.Store.
func (s *Store) Put(ctx context.Context, table string, key kv.Key, attrs kv.Attrs, expected kv.Expected) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := kv.ValidateKey(key); err != nil {
		return errors.Trace(err)
	}
	if err := kv.ValidateAttrs(attrs); err != nil {
		return errors.Trace(err)
	}
	raw := encodeKey(table, key)
	err := s.db.Update(func(txn *badger.Txn) error {
		current, found, err := readAttrs(txn, raw)
		if err != nil {
			return errors.Trace(err)
		}
		if err := kv.CheckExpected(current, expected); err != nil {
			return errors.Trace(err)
		}
		if !found {
			current = kv.Attrs{}
		}
		for name, v := range attrs {
			if v == nil {
				delete(current, name)
				continue
			}
			current[name] = v
		}
		data, err := encodeAttrs(current)
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(txn.Set(raw, data))
	})
	return maybeTransient(err)
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, table string, key kv.Key, fields []string) (kv.Attrs, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := kv.ValidateKey(key); err != nil {
		return nil, errors.Trace(err)
	}
	var attrs kv.Attrs
	err := s.db.View(func(txn *badger.Txn) error {
		current, found, err := readAttrs(txn, encodeKey(table, key))
		if err != nil {
			return errors.Trace(err)
		}
		if !found {
			return errors.NotFoundf("item %v in table %q", key, table)
		}
		attrs = selectFields(current, fields)
		return nil
	})
	if err != nil {
		return nil, maybeTransient(err)
	}
	return attrs, nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, table string, key kv.Key, expected kv.Expected) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := kv.ValidateKey(key); err != nil {
		return errors.Trace(err)
	}
	raw := encodeKey(table, key)
	err := s.db.Update(func(txn *badger.Txn) error {
		current, found, err := readAttrs(txn, raw)
		if err != nil {
			return errors.Trace(err)
		}
		if err := kv.CheckExpected(current, expected); err != nil {
			return errors.Trace(err)
		}
		if !found {
			return nil
		}
		return errors.Trace(txn.Delete(raw))
	})
	return maybeTransient(err)
}

// RangeQuery implements kv.Store.
func (s *Store) RangeQuery(ctx context.Context, q kv.Query) ([]kv.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if !kv.ValidKeyValue(q.Hash) {
		return nil, errors.NotValidf("hash key %v (%T)", q.Hash, q.Hash)
	}
	prefix := hashPrefix(q.Table, q.Hash)
	var startKey []byte
	if q.Start != nil {
		if !kv.ValidKeyValue(q.Start) {
			return nil, errors.NotValidf("start key %v (%T)", q.Start, q.Start)
		}
		startKey = appendComponent(append([]byte(nil), prefix...), q.Start)
	}
	var out []kv.Item
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = q.Reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		switch {
		case startKey != nil:
			// Seek lands on the start key itself when present (in
			// either direction); the loop skips it for the exclusive
			// start semantics.
			it.Seek(startKey)
		case q.Reverse:
			it.Seek(append(append([]byte(nil), prefix...), 0xFF))
		default:
			it.Rewind()
		}
		for ; it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if startKey != nil && bytes.Equal(item.Key(), startKey) {
				continue
			}
			key, err := decodeKey(q.Table, item.Key())
			if err != nil {
				return errors.Trace(err)
			}
			// A string hash that is a prefix of another hash shares
			// our iteration prefix; drop items of the longer hash.
			if !kv.EqualValues(key.Hash, q.Hash) {
				continue
			}
			attrs, err := itemAttrs(item)
			if err != nil {
				return errors.Trace(err)
			}
			out = append(out, kv.Item{Key: key, Attrs: selectFields(attrs, q.Fields)})
			if q.Limit > 0 && len(out) == q.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, maybeTransient(err)
	}
	return out, nil
}

// Scan implements kv.Store.
func (s *Store) Scan(ctx context.Context, table string, filter *kv.Filter, limit int, start *kv.Key) ([]kv.Item, *kv.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.Trace(err)
	}
	prefix := tablePrefix(table)
	var startKey []byte
	if start != nil {
		if err := kv.ValidateKey(*start); err != nil {
			return nil, nil, errors.Trace(err)
		}
		startKey = encodeKey(table, *start)
	}
	var out []kv.Item
	var next *kv.Key
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		if startKey != nil {
			it.Seek(startKey)
		} else {
			it.Rewind()
		}
		for ; it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if startKey != nil && bytes.Equal(item.Key(), startKey) {
				continue
			}
			key, err := decodeKey(table, item.Key())
			if err != nil {
				return errors.Trace(err)
			}
			attrs, err := itemAttrs(item)
			if err != nil {
				return errors.Trace(err)
			}
			if filter != nil && !kv.MatchFilter(attrs, filter) {
				continue
			}
			out = append(out, kv.Item{Key: key, Attrs: attrs})
			if limit > 0 && len(out) == limit {
				it.Next()
				if it.ValidForPrefix(prefix) {
					cursor := key
					next = &cursor
				}
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, maybeTransient(err)
	}
	return out, next, nil
}

// BatchGet implements kv.Store.
func (s *Store) BatchGet(ctx context.Context, table string, keys []kv.Key, fields []string) ([]kv.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	var out []kv.Item
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := kv.ValidateKey(key); err != nil {
				return errors.Trace(err)
			}
			attrs, found, err := readAttrs(txn, encodeKey(table, key))
			if err != nil {
				return errors.Trace(err)
			}
			if !found {
				continue
			}
			out = append(out, kv.Item{Key: key, Attrs: selectFields(attrs, fields)})
		}
		return nil
	})
	if err != nil {
		return nil, maybeTransient(err)
	}
	return out, nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	return errors.Trace(s.db.Close())
}

func readAttrs(txn *badger.Txn, raw []byte) (kv.Attrs, bool, error) {
	item, err := txn.Get(raw)
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	attrs, err := itemAttrs(item)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return attrs, true, nil
}

func itemAttrs(item *badger.Item) (kv.Attrs, error) {
	var attrs kv.Attrs
	err := item.Value(func(val []byte) error {
		var derr error
		attrs, derr = decodeAttrs(val)
		return derr
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return attrs, nil
}

func selectFields(attrs kv.Attrs, fields []string) kv.Attrs {
	if fields == nil {
		return attrs
	}
	out := make(kv.Attrs, len(fields))
	for _, name := range fields {
		if v, ok := attrs[name]; ok {
			out[name] = v
		}
	}
	return out
}

// maybeTransient marks commit conflicts as transient: badger aborts
// one of two overlapping transactions and the caller's retry policy
// should simply run the write again.
func maybeTransient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Cause(err) == badger.ErrConflict {
		return kv.MarkTransient(err)
	}
	return errors.Trace(err)
}
