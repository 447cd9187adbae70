// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package message tracks the client message schema. Client requests
// stamp the revision they speak into the message headers; the backend
// migrates argument payloads forward to the newest revision before
// they are persisted, so stored operation arguments are always
// current-form and replays never see stale shapes.
package message

import (
	"encoding/json"
	"sort"

	"github.com/juju/errors"
)

// Version identifies a message schema revision.
type Version int64

const (
	// VersionOriginal is the first tracked revision.
	VersionOriginal Version = 1
	// VersionSplitNames replaced the single user "name" argument
	// with given/family parts.
	VersionSplitNames Version = 2
	// VersionExplicitShareOrder made sharing carry episodes in the
	// order the client chose rather than sorted by id.
	VersionExplicitShareOrder Version = 3
	// VersionInlineComments allowed short comment bodies to ride
	// inline in notifications.
	VersionInlineComments Version = 4

	// MaxVersion is the newest revision the backend writes.
	MaxVersion = VersionInlineComments
	// MinRequiredVersion is the oldest revision still accepted.
	MinRequiredVersion = VersionOriginal
)

// Migration lifts a document one schema step. It applies to any
// document older than To; Apply rewrites the document in place.
type Migration struct {
	To    Version
	Apply func(doc map[string]any) error
}

// Migrate lifts doc from the given revision to MaxVersion, applying
// the migrations in version order, and returns the resulting
// revision. Versions outside [MinRequiredVersion, MaxVersion] are
// rejected.
func Migrate(doc map[string]any, from Version, migrations []Migration) (Version, error) {
	if from < MinRequiredVersion {
		return 0, errors.NotSupportedf("message version %d", from)
	}
	if from > MaxVersion {
		return 0, errors.NotSupportedf("message version %d", from)
	}
	sorted := append([]Migration(nil), migrations...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].To < sorted[j].To })
	for _, m := range sorted {
		if m.To <= from {
			continue
		}
		if err := m.Apply(doc); err != nil {
			return 0, errors.Annotatef(err, "migrating message to version %d", m.To)
		}
	}
	return MaxVersion, nil
}

// Headers is the request envelope clients send alongside operation
// arguments.
type Headers struct {
	// Version is the schema revision of the payload. Required.
	Version Version
	// OpID is the client-allocated operation id, when the client
	// allocated one.
	OpID string
	// OpTimestamp is the client-chosen operation time in UTC
	// seconds; 0 when the server should stamp its own.
	OpTimestamp int64
	// Synchronous asks the server to hold the request open until the
	// operation's first execution completes.
	Synchronous bool
}

// ExtractHeaders removes the "headers" envelope from doc and returns
// its parsed form. The arguments that remain in doc are what gets
// persisted with the operation.
func ExtractHeaders(doc map[string]any) (Headers, error) {
	raw, ok := doc["headers"].(map[string]any)
	if !ok {
		return Headers{}, errors.NotValidf("message without headers")
	}
	version, ok := asInt64(raw["version"])
	if !ok {
		return Headers{}, errors.NotValidf("message headers without version")
	}
	h := Headers{Version: Version(version)}
	if v, ok := raw["op_id"].(string); ok {
		h.OpID = v
	}
	if v, ok := asInt64(raw["op_timestamp"]); ok {
		h.OpTimestamp = v
	}
	if v, ok := raw["synchronous"].(bool); ok {
		h.Synchronous = v
	}
	delete(doc, "headers")
	return h, nil
}

// asInt64 coerces the numeric forms a decoded JSON document can carry.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
