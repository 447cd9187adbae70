// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package kv

import (
	"context"
)

// Store is the table store the pipeline persists through.
//
// Implementations must be safe for concurrent use. Methods return
// errors satisfying IsConditionFailed for failed write conditions,
// errors.IsNotFound for missing items, and IsTransient for substrate
// failures that a retry may clear.
type Store interface {

	// Put merges attrs into the item, creating the item if needed;
	// attributes not named keep their stored values, and a nil value
	// removes the attribute. When expected is non-empty the write only
	// applies if every condition holds against the item's stored
	// attributes (all conditions on an absent item behave as on absent
	// attributes: Absent passes, Equals fails); otherwise
	// ErrConditionFailed. Conditioning on an attribute every item of
	// the table carries is the way to demand item absence.
	Put(ctx context.Context, table string, key Key, attrs Attrs, expected Expected) error

	// Get fetches one item. fields restricts the attributes returned;
	// nil fetches all. A missing item is a NotFound error.
	Get(ctx context.Context, table string, key Key, fields []string) (Attrs, error)

	// Delete removes one item, subject to expected as for Put.
	// Deleting a missing item with no conditions is a no-op.
	Delete(ctx context.Context, table string, key Key, expected Expected) error

	// RangeQuery returns the items of one hash key group in range key
	// order, honouring q.Start, q.Limit, q.Reverse and q.Fields.
	RangeQuery(ctx context.Context, q Query) ([]Item, error)

	// Scan walks the whole table in key order starting after the
	// exclusive start key (nil starts at the beginning), returning up
	// to limit items passing filter (nil matches all) and a cursor to
	// resume from; a nil cursor means the scan is complete. Items
	// written concurrently with the scan may or may not be seen.
	Scan(ctx context.Context, table string, filter *Filter, limit int, start *Key) ([]Item, *Key, error)

	// BatchGet fetches many items at once; missing keys are simply
	// omitted from the result.
	BatchGet(ctx context.Context, table string, keys []Key, fields []string) ([]Item, error)

	// Close releases the store's resources.
	Close() error
}
