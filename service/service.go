// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package service implements the operation methods clients submit:
// sharing episodes into viewpoints, commenting, managing followers and
// registering accounts. Each method is registered with the ops
// registry under its wire name, carries its own argument migrations
// and, where submissions can be rejected outright, a pre-check that
// runs before anything is persisted.
//
// Handlers here run under the operation pipeline's replay contract:
// every mutation is a conditional create or a checkpointed step, so an
// execution that crashed anywhere can run again and converge on the
// same state and the same notifications.
package service

import (
	"context"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/viewfinder/viewfinder/notify"
	"github.com/viewfinder/viewfinder/ops"
	"github.com/viewfinder/viewfinder/state"
)

var logger = loggo.GetLogger("viewfinder.service")

// MaxViewpointFollowers caps the follower list of one viewpoint.
// Fan-out cost is linear in followers, so the cap bounds the work one
// operation can queue.
const MaxViewpointFollowers = 150

// Config holds the dependencies the methods share.
type Config struct {
	// Notify appends to follower notification logs.
	Notify *notify.Manager
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Notify == nil {
		return errors.NotValidf("nil Notify")
	}
	return nil
}

// RegisterAll registers every client-facing method with r.
func RegisterAll(r *ops.Registry, config Config) error {
	if err := config.Validate(); err != nil {
		return errors.Trace(err)
	}
	svc := &service{notify: config.Notify}
	r.Register("share_existing", ops.Method{
		Handler:    svc.shareExisting,
		Check:      svc.checkShareExisting,
		Migrations: shareMigrations,
	})
	r.Register("post_comment", ops.Method{
		Handler:    svc.postComment,
		Check:      svc.checkPostComment,
		Migrations: commentMigrations,
		Scrub:      scrubComment,
	})
	r.Register("add_followers", ops.Method{
		Handler: svc.addFollowers,
		Check:   svc.checkAddFollowers,
	})
	r.Register("register_user", ops.Method{
		Handler:    svc.registerUser,
		Check:      svc.checkRegisterUser,
		Migrations: registerMigrations,
	})
	r.Register("link_identity", ops.Method{
		Handler: svc.linkIdentity,
	})
	r.Register("update_followed", ops.Method{
		Handler: svc.updateFollowed,
		Check:   svc.checkUpdateFollowed,
	})
	return nil
}

// service carries the shared dependencies into the handlers.
type service struct {
	notify *notify.Manager
}

// opInfo derives the fan-out identity from the executing operation.
func opInfo(opCtx *ops.OpContext) notify.OpInfo {
	op := opCtx.Operation()
	return notify.OpInfo{
		UserID:   op.UserID(),
		DeviceID: op.DeviceID(),
		OpID:     op.ID(),
	}
}

// requireActiveFollower returns the follower row binding userID to the
// viewpoint, or Forbidden when there is none or it was removed. Every
// method that touches a viewpoint gates on it.
func requireActiveFollower(ctx context.Context, st *state.State, vpID string, userID int64) (*state.Follower, error) {
	f, err := st.GetFollower(ctx, vpID, userID)
	if errors.IsNotFound(err) {
		return nil, errors.Forbiddenf("user %d is not a follower of viewpoint %s", userID, vpID)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !f.Active() {
		return nil, errors.Forbiddenf("user %d was removed from viewpoint %s", userID, vpID)
	}
	return f, nil
}

// recordActivity writes the operation's activity row, keyed by the
// operation id so a replay finds the row it already wrote instead of
// bumping update_seq again.
func recordActivity(ctx context.Context, opCtx *ops.OpContext, vp *state.Viewpoint, name, json string) (*state.Activity, error) {
	op := opCtx.Operation()
	activity, err := opCtx.State().GetActivity(ctx, vp.ID(), op.ID())
	if err == nil {
		return activity, nil
	}
	if !errors.IsNotFound(err) {
		return nil, errors.Trace(err)
	}
	seq, err := vp.BumpUpdateSeq(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	activity, _, err = opCtx.State().CreateActivity(ctx, vp.ID(), op.ID(), state.NewActivity{
		Name:      name,
		UserID:    op.UserID(),
		Timestamp: op.Timestamp(),
		UpdateSeq: seq,
		JSON:      json,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return activity, nil
}

// authorityFor maps an identity key's scheme to the authority that
// verified it.
func authorityFor(key string) string {
	scheme, _, _ := strings.Cut(key, ":")
	switch scheme {
	case "FacebookGraph":
		return "Facebook"
	case "GoogleAccount":
		return "Google"
	default:
		return "Viewfinder"
	}
}
