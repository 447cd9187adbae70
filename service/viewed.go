// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package service

import (
	"context"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/notify"
	"github.com/viewfinder/viewfinder/ops"
)

// updateFollowedArgs are the arguments of update_followed: the user's
// own read cursor on a viewpoint.
type updateFollowedArgs struct {
	ViewpointID string `json:"viewpoint_id"`
	ViewedSeq   int64  `json:"viewed_seq"`
}

func (a updateFollowedArgs) validate() error {
	if a.ViewpointID == "" {
		return errors.BadRequestf("update_followed without viewpoint_id")
	}
	if a.ViewedSeq < 0 {
		return errors.BadRequestf("viewed_seq %d", a.ViewedSeq)
	}
	return nil
}

func (svc *service) checkUpdateFollowed(ctx context.Context, chk *ops.CheckContext) error {
	var args updateFollowedArgs
	if err := chk.Args(&args); err != nil {
		return errors.Trace(err)
	}
	if err := args.validate(); err != nil {
		return errors.Trace(err)
	}
	_, err := requireActiveFollower(ctx, chk.State(), args.ViewpointID, chk.UserID())
	return errors.Trace(err)
}

// updateFollowed moves the user's viewed cursor forward. The cursor is
// monotonic: a stale submission, or the replay of one that already
// applied, changes nothing but still records the self-notification so
// the user's other devices converge.
func (svc *service) updateFollowed(ctx context.Context, opCtx *ops.OpContext) error {
	var args updateFollowedArgs
	if err := opCtx.Args(&args); err != nil {
		return errors.Trace(err)
	}
	if err := args.validate(); err != nil {
		return errors.Trace(err)
	}
	f, err := opCtx.State().GetFollower(ctx, args.ViewpointID, opCtx.UserID())
	if errors.IsNotFound(err) {
		return errors.Forbiddenf("user %d is not a follower of viewpoint %s", opCtx.UserID(), args.ViewpointID)
	}
	if err != nil {
		return errors.Trace(err)
	}
	if args.ViewedSeq > f.ViewedSeq() {
		if err := f.SetViewedSeq(ctx, args.ViewedSeq); err != nil {
			return errors.Trace(err)
		}
	}

	seq := f.ViewedSeq()
	err = svc.notify.NotifyUser(ctx, opInfo(opCtx), notify.UserNotification{
		Name:        "update_followed",
		ViewpointID: args.ViewpointID,
		ViewedSeq:   seq,
		Inline: map[string]any{
			"viewpoint_id": args.ViewpointID,
			"viewed_seq":   seq,
		},
	})
	return errors.Trace(err)
}
