// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package ops

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/core/message"
)

// Handler executes one operation method. ctx bounds substrate access;
// opCtx carries the operation, its checkpoint and its locks. A nil
// return completes the operation; ErrStopOperation parks it; any other
// error is a failed attempt that will be retried with backoff.
type Handler func(ctx context.Context, opCtx *OpContext) error

// Method bundles a handler with the message plumbing for its wire
// name.
type Method struct {
	// Handler runs the operation.
	Handler Handler

	// Check vets a submission against live state before anything is
	// persisted. Business rejections raised here (permission, quota,
	// malformed requests) reach the submitter synchronously and leave
	// no operation row behind. Nil means the method has no pre-check.
	// Executions replayed from the log do not run it; handlers guard
	// their own invariants.
	Check func(ctx context.Context, chk *CheckContext) error

	// Migrations lift argument documents submitted by older clients
	// to the current schema before they are persisted.
	Migrations []message.Migration

	// Scrub redacts sensitive argument fields in place before the
	// document is logged; nil means the document is loggable as-is.
	Scrub func(doc map[string]any)
}

// Registry maps wire method names to their implementations. Register
// everything at startup; lookups are concurrency-safe.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Method)}
}

// Register adds a method under its wire name. Registering a duplicate
// name or a nil handler panics: wiring mistakes should be loud at
// startup.
func (r *Registry) Register(name string, m Method) {
	if name == "" {
		panic("ops: registering method with empty name")
	}
	if m.Handler == nil {
		panic("ops: registering method " + name + " with nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[name]; ok {
		panic("ops: duplicate method name " + name)
	}
	r.methods[name] = m
}

// Lookup returns the method registered under name.
func (r *Registry) Lookup(name string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	if !ok {
		return Method{}, errors.NotFoundf("operation method %q", name)
	}
	return m, nil
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScrubArgs renders an operation's argument JSON for logging, with the
// method's sensitive fields redacted.
func (r *Registry) ScrubArgs(method, args string) string {
	var doc map[string]any
	if err := json.Unmarshal([]byte(args), &doc); err != nil {
		return "<malformed args>"
	}
	if m, err := r.Lookup(method); err == nil && m.Scrub != nil {
		m.Scrub(doc)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "<unloggable args>"
	}
	return string(out)
}
