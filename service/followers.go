// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package service

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/lock"
	"github.com/viewfinder/viewfinder/notify"
	"github.com/viewfinder/viewfinder/ops"
	"github.com/viewfinder/viewfinder/state"
)

// addFollowersArgs are the arguments of add_followers.
type addFollowersArgs struct {
	ViewpointID string  `json:"viewpoint_id"`
	FollowerIDs []int64 `json:"follower_ids"`
}

func (a addFollowersArgs) validate() error {
	if a.ViewpointID == "" {
		return errors.BadRequestf("add_followers without viewpoint_id")
	}
	if len(a.FollowerIDs) == 0 {
		return errors.BadRequestf("add_followers without follower_ids")
	}
	for _, id := range a.FollowerIDs {
		if id <= 0 {
			return errors.BadRequestf("follower id %d", id)
		}
	}
	return nil
}

// targets returns the distinct follower ids in ascending order, so
// replays touch rows in the same sequence.
func (a addFollowersArgs) targets() []int64 {
	seen := make(map[int64]bool, len(a.FollowerIDs))
	out := make([]int64, 0, len(a.FollowerIDs))
	for _, id := range a.FollowerIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// checkAddFollowers rejects additions the submitter may not make: they
// must follow the viewpoint themselves, every target must be a
// registered user, and the result must stay within the follower cap.
func (svc *service) checkAddFollowers(ctx context.Context, chk *ops.CheckContext) error {
	var args addFollowersArgs
	if err := chk.Args(&args); err != nil {
		return errors.Trace(err)
	}
	if err := args.validate(); err != nil {
		return errors.Trace(err)
	}
	st := chk.State()
	if _, err := requireActiveFollower(ctx, st, args.ViewpointID, chk.UserID()); err != nil {
		return errors.Trace(err)
	}
	for _, id := range args.targets() {
		if _, err := st.GetUser(ctx, id); errors.IsNotFound(err) {
			return errors.BadRequestf("unknown user %d", id)
		} else if err != nil {
			return errors.Trace(err)
		}
	}

	followers, err := st.Followers(ctx, args.ViewpointID)
	if err != nil {
		return errors.Trace(err)
	}
	active := 0
	activeSet := make(map[int64]bool, len(followers))
	for _, f := range followers {
		if f.Active() {
			active++
			activeSet[f.UserID()] = true
		}
	}
	added := 0
	for _, id := range args.targets() {
		if !activeSet[id] {
			added++
		}
	}
	if active+added > MaxViewpointFollowers {
		return errors.QuotaLimitExceededf("viewpoint %s would have %d followers, limit %d",
			args.ViewpointID, active+added, MaxViewpointFollowers)
	}
	return nil
}

func (svc *service) addFollowers(ctx context.Context, opCtx *ops.OpContext) error {
	var args addFollowersArgs
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

	targets := args.targets()
	newIDs := make(map[int64]bool, len(targets))
	for _, id := range targets {
		newIDs[id] = true
		f, created, err := st.AddFollower(ctx, args.ViewpointID, id, opCtx.UserID())
		if err != nil {
			return errors.Trace(err)
		}
		if !created && !f.Active() {
			// Adding back a removed follower revives the old row.
			if err := f.Restore(ctx); err != nil {
				return errors.Trace(err)
			}
		}
	}

	activityJSON, err := json.Marshal(map[string][]int64{"follower_ids": targets})
	if err != nil {
		return errors.Trace(err)
	}
	activity, err := recordActivity(ctx, opCtx, vp, "add_followers", string(activityJSON))
	if err != nil {
		return errors.Trace(err)
	}
	if err := opCtx.TriggerFailpoint(ctx, "add-followers-before-fanout"); err != nil {
		return errors.Trace(err)
	}

	// New followers see the viewpoint for the first time and must load
	// all of it; existing ones only refresh the follower list.
	err = svc.notify.NotifyFollowers(ctx, vp, activity, opInfo(opCtx), func(f *state.Follower) notify.Payload {
		vpInv := notify.ViewpointInvalidation{
			ViewpointID:  args.ViewpointID,
			GetFollowers: true,
		}
		if newIDs[f.UserID()] {
			vpInv.GetAttributes = true
			vpInv.GetActivities = true
			vpInv.GetEpisodes = true
			vpInv.GetComments = true
		}
		return notify.Payload{Invalidate: &notify.Invalidate{
			Viewpoints: []notify.ViewpointInvalidation{vpInv},
		}}
	})
	if err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("user %d added %d followers to %s", opCtx.UserID(), len(targets), args.ViewpointID)
	return nil
}
