// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package lock

import (
	"strings"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/kv"
)

const (
	lockTable = "lock"

	fieldOwnerID         = "owner_id"
	fieldExpiration      = "expiration"
	fieldAcquireFailures = "acquire_failures"
	fieldResourceData    = "resource_data"
)

// ResourceType names the class of resource a lock protects. The type
// is part of the lock id, so locks on different classes never collide.
type ResourceType string

const (
	// ResourceOperation serialises a user's operation queue; the
	// resource id is the decimal user id.
	ResourceOperation ResourceType = "op"

	// ResourceViewpoint serialises structural changes to a viewpoint;
	// the resource id is the viewpoint id.
	ResourceViewpoint ResourceType = "vp"
)

// ID returns the lock row's hash key for a resource.
func ID(resource ResourceType, resourceID string) string {
	return string(resource) + ":" + resourceID
}

// ParseID splits a lock id back into resource type and resource id.
func ParseID(id string) (ResourceType, string, error) {
	i := strings.Index(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", "", errors.NotValidf("lock id %q", id)
	}
	return ResourceType(id[:i]), id[i+1:], nil
}

// lockDoc mirrors a lock row's attributes. An absent expiration means
// the lock has no abandonment deadline; a present zero means the
// holder explicitly abandoned it.
type lockDoc struct {
	id              string
	ownerID         string
	resourceData    string
	acquireFailures int64
	expiration      int64
	hasExpiration   bool
}

func lockDocFromAttrs(id string, attrs kv.Attrs) lockDoc {
	return lockDoc{
		id:              id,
		ownerID:         attrs.String(fieldOwnerID),
		resourceData:    attrs.String(fieldResourceData),
		acquireFailures: attrs.Int64(fieldAcquireFailures),
		expiration:      attrs.Int64(fieldExpiration),
		hasExpiration:   attrs.Has(fieldExpiration),
	}
}
