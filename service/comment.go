// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package service

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/core/message"
	"github.com/viewfinder/viewfinder/lock"
	"github.com/viewfinder/viewfinder/notify"
	"github.com/viewfinder/viewfinder/ops"
	"github.com/viewfinder/viewfinder/state"
)

// commentArgs are the arguments of post_comment. CommentID is
// client-allocated when the device wants a stable id; left empty, one
// is derived from the operation id.
type commentArgs struct {
	ViewpointID string `json:"viewpoint_id"`
	CommentID   string `json:"comment_id,omitempty"`
	AssetID     string `json:"asset_id,omitempty"`
	Message     string `json:"message"`
}

func (a commentArgs) validate() error {
	if a.ViewpointID == "" {
		return errors.BadRequestf("post_comment without viewpoint_id")
	}
	if a.Message == "" {
		return errors.BadRequestf("post_comment without message")
	}
	return nil
}

// commentMigrations lifts pre-inline documents, which abbreviated the
// message key.
var commentMigrations = []message.Migration{{
	To: message.VersionInlineComments,
	Apply: func(doc map[string]any) error {
		if msg, ok := doc["msg"]; ok {
			doc["message"] = msg
			delete(doc, "msg")
		}
		return nil
	},
}}

// scrubComment keeps comment text out of logs.
func scrubComment(doc map[string]any) {
	if _, ok := doc["message"]; ok {
		doc["message"] = "<scrubbed>"
	}
}

func (svc *service) checkPostComment(ctx context.Context, chk *ops.CheckContext) error {
	var args commentArgs
	if err := chk.Args(&args); err != nil {
		return errors.Trace(err)
	}
	if err := args.validate(); err != nil {
		return errors.Trace(err)
	}
	_, err := requireActiveFollower(ctx, chk.State(), args.ViewpointID, chk.UserID())
	return errors.Trace(err)
}

// commentInline is the notification payload of a short comment: the
// whole comment travels on the row and the device need not re-query.
type commentInline struct {
	CommentID   string `json:"comment_id"`
	ViewpointID string `json:"viewpoint_id"`
	UserID      int64  `json:"user_id"`
	AssetID     string `json:"asset_id,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	Message     string `json:"message"`
}

func (svc *service) postComment(ctx context.Context, opCtx *ops.OpContext) error {
	var args commentArgs
	if err := opCtx.Args(&args); err != nil {
		return errors.Trace(err)
	}
	if err := args.validate(); err != nil {
		return errors.Trace(err)
	}
	if err := opCtx.Locks().Acquire(ctx, lock.ResourceViewpoint, args.ViewpointID); err != nil {
		return errors.Trace(err)
	}
	st := opCtx.State()
	vp, err := st.GetViewpoint(ctx, args.ViewpointID)
	if err != nil {
		return errors.Trace(err)
	}

	commentID := args.CommentID
	if commentID == "" {
		commentID = "cm" + opCtx.Operation().ID()
	}
	cm, created, err := st.CreateComment(ctx, args.ViewpointID, commentID, state.NewComment{
		UserID:    opCtx.UserID(),
		AssetID:   args.AssetID,
		Timestamp: opCtx.Operation().Timestamp(),
		Message:   args.Message,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !created && cm.UserID() != opCtx.UserID() {
		return errors.AlreadyExistsf("comment %s on %s", commentID, args.ViewpointID)
	}

	activityJSON, err := json.Marshal(map[string]string{"comment_id": commentID})
	if err != nil {
		return errors.Trace(err)
	}
	activity, err := recordActivity(ctx, opCtx, vp, "post_comment", string(activityJSON))
	if err != nil {
		return errors.Trace(err)
	}
	if err := opCtx.TriggerFailpoint(ctx, "comment-before-fanout"); err != nil {
		return errors.Trace(err)
	}

	payload := notify.Payload{
		Inline: map[string]commentInline{"comment": {
			CommentID:   cm.ID(),
			ViewpointID: cm.ViewpointID(),
			UserID:      cm.UserID(),
			AssetID:     cm.AssetID(),
			Timestamp:   cm.Timestamp(),
			Message:     cm.Message(),
		}},
		Invalidate: &notify.Invalidate{
			Viewpoints: []notify.ViewpointInvalidation{{
				ViewpointID: args.ViewpointID,
				GetComments: true,
			}},
		},
	}
	err = svc.notify.NotifyFollowers(ctx, vp, activity, opInfo(opCtx), func(f *state.Follower) notify.Payload {
		return payload
	})
	return errors.Trace(err)
}
