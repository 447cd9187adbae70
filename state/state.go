// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package state is the typed persistence layer of the backend: it
// maps the row shapes in the data model onto the kv store contract
// and owns the conditional-write recipes that keep them consistent.
// Everything here is substrate-neutral; pick the substrate by the
// kv.Store handed to New.
package state

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/viewfinder/viewfinder/core/retry"
	"github.com/viewfinder/viewfinder/kv"
)

var logger = loggo.GetLogger("viewfinder.state")

// maxUpdateAttempts bounds the conditional-write loops used for
// counters and sequence bumps. Contention that outlasts this many
// attempts means something is wrong upstream.
const maxUpdateAttempts = 10

// DefaultRetry is the storage retry policy used when Config.Retry is
// unset: transient substrate failures get a few attempts spread over
// seconds, everything else surfaces immediately.
func DefaultRetry() retry.Policy {
	return retry.Policy{
		MaxTries:   3,
		MinDelay:   100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		RetryError: kv.IsTransient,
	}
}

// Config holds a State's dependencies.
type Config struct {
	// Store is the substrate rows are kept in.
	Store kv.Store

	// Clock supplies row timestamps and retry pacing.
	Clock clock.Clock

	// Retry bounds each substrate access; nil gets DefaultRetry.
	Retry *retry.Policy
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// State gives typed access to the backend's rows.
type State struct {
	store kv.Store
	clock clock.Clock
	retry retry.Policy
}

// New returns a State backed by the supplied config.
func New(config Config) (*State, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	policy := DefaultRetry()
	if config.Retry != nil {
		policy = *config.Retry
	}
	return &State{
		store: config.Store,
		clock: config.Clock,
		retry: policy,
	}, nil
}

// Clock exposes the clock the state stamps rows with.
func (st *State) Clock() clock.Clock {
	return st.clock
}

// now is the current UTC time in seconds, the unit every row
// timestamp uses.
func (st *State) now() int64 {
	return st.clock.Now().Unix()
}

// run applies the storage retry policy to one substrate access.
func (st *State) run(ctx context.Context, f func(context.Context) error) error {
	return st.retry.Call(ctx, st.clock, f)
}

func (st *State) getAttrs(ctx context.Context, table string, key kv.Key, fields []string) (kv.Attrs, error) {
	var attrs kv.Attrs
	err := st.run(ctx, func(ctx context.Context) error {
		var err error
		attrs, err = st.store.Get(ctx, table, key, fields)
		return err
	})
	return attrs, errors.Trace(err)
}

func (st *State) putAttrs(ctx context.Context, table string, key kv.Key, attrs kv.Attrs, expected kv.Expected) error {
	return errors.Trace(st.run(ctx, func(ctx context.Context) error {
		return st.store.Put(ctx, table, key, attrs, expected)
	}))
}

func (st *State) deleteItem(ctx context.Context, table string, key kv.Key, expected kv.Expected) error {
	return errors.Trace(st.run(ctx, func(ctx context.Context) error {
		return st.store.Delete(ctx, table, key, expected)
	}))
}

func (st *State) rangeQuery(ctx context.Context, q kv.Query) ([]kv.Item, error) {
	var items []kv.Item
	err := st.run(ctx, func(ctx context.Context) error {
		var err error
		items, err = st.store.RangeQuery(ctx, q)
		return err
	})
	return items, errors.Trace(err)
}

func (st *State) scan(ctx context.Context, table string, filter *kv.Filter, limit int, start *kv.Key) ([]kv.Item, *kv.Key, error) {
	var items []kv.Item
	var next *kv.Key
	err := st.run(ctx, func(ctx context.Context) error {
		var err error
		items, next, err = st.store.Scan(ctx, table, filter, limit, start)
		return err
	})
	return items, next, errors.Trace(err)
}

func (st *State) batchGet(ctx context.Context, table string, keys []kv.Key, fields []string) ([]kv.Item, error) {
	var items []kv.Item
	err := st.run(ctx, func(ctx context.Context) error {
		var err error
		items, err = st.store.BatchGet(ctx, table, keys, fields)
		return err
	})
	return items, errors.Trace(err)
}
