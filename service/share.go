// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package service

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/core/message"
	"github.com/viewfinder/viewfinder/lock"
	"github.com/viewfinder/viewfinder/notify"
	"github.com/viewfinder/viewfinder/ops"
	"github.com/viewfinder/viewfinder/state"
)

// shareArgs are the arguments of share_existing: photos from episodes
// the user owns, shared into a viewpoint as new child episodes.
type shareArgs struct {
	ViewpointID string         `json:"viewpoint_id"`
	Episodes    []shareEpisode `json:"episodes"`
}

type shareEpisode struct {
	ExistingEpisodeID string   `json:"existing_episode_id"`
	NewEpisodeID      string   `json:"new_episode_id"`
	PhotoIDs          []string `json:"photo_ids"`
}

func (a shareArgs) validate() error {
	if a.ViewpointID == "" {
		return errors.BadRequestf("share_existing without viewpoint_id")
	}
	if len(a.Episodes) == 0 {
		return errors.BadRequestf("share_existing without episodes")
	}
	for _, ep := range a.Episodes {
		if ep.ExistingEpisodeID == "" || ep.NewEpisodeID == "" {
			return errors.BadRequestf("share_existing episode without ids")
		}
		if len(ep.PhotoIDs) == 0 {
			return errors.BadRequestf("share_existing episode %s without photos", ep.ExistingEpisodeID)
		}
	}
	return nil
}

// shareMigrations lifts pre-split documents: older clients sent the
// episode list in arrival order and relied on the server to sort it,
// which made replays of interleaved shares ambiguous.
var shareMigrations = []message.Migration{{
	To: message.VersionExplicitShareOrder,
	Apply: func(doc map[string]any) error {
		episodes, ok := doc["episodes"].([]any)
		if !ok {
			return nil
		}
		sort.SliceStable(episodes, func(i, j int) bool {
			mi, _ := episodes[i].(map[string]any)
			mj, _ := episodes[j].(map[string]any)
			ei, _ := mi["existing_episode_id"].(string)
			ej, _ := mj["existing_episode_id"].(string)
			return ei < ej
		})
		doc["episodes"] = episodes
		return nil
	},
}}

// checkShareExisting rejects shares the submitter may not make: they
// must follow the target viewpoint, own every source episode and name
// only photos those episodes contain.
func (svc *service) checkShareExisting(ctx context.Context, chk *ops.CheckContext) error {
	var args shareArgs
	if err := chk.Args(&args); err != nil {
		return errors.Trace(err)
	}
	if err := args.validate(); err != nil {
		return errors.Trace(err)
	}
	if _, err := requireActiveFollower(ctx, chk.State(), args.ViewpointID, chk.UserID()); err != nil {
		return errors.Trace(err)
	}
	for _, ep := range args.Episodes {
		src, err := chk.State().GetEpisode(ctx, ep.ExistingEpisodeID)
		if errors.IsNotFound(err) {
			return errors.BadRequestf("unknown episode %s", ep.ExistingEpisodeID)
		}
		if err != nil {
			return errors.Trace(err)
		}
		if src.UserID() != chk.UserID() {
			return errors.Forbiddenf("user %d does not own episode %s", chk.UserID(), ep.ExistingEpisodeID)
		}
		for _, photoID := range ep.PhotoIDs {
			if !src.HasPhoto(photoID) {
				return errors.BadRequestf("photo %s is not in episode %s", photoID, ep.ExistingEpisodeID)
			}
		}
	}
	return nil
}

// shareActivity is the payload recorded on the share's activity row.
type shareActivity struct {
	Episodes []shareActivityEpisode `json:"episodes"`
}

type shareActivityEpisode struct {
	EpisodeID string   `json:"episode_id"`
	PhotoIDs  []string `json:"photo_ids"`
}

func (svc *service) shareExisting(ctx context.Context, opCtx *ops.OpContext) error {
	var args shareArgs
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

	recorded := shareActivity{Episodes: make([]shareActivityEpisode, 0, len(args.Episodes))}
	for _, ep := range args.Episodes {
		src, err := st.GetEpisode(ctx, ep.ExistingEpisodeID)
		if err != nil {
			return errors.Trace(err)
		}
		target, created, err := st.CreateEpisode(ctx, ep.NewEpisodeID, state.NewEpisode{
			UserID:          opCtx.UserID(),
			ViewpointID:     args.ViewpointID,
			ParentEpisodeID: ep.ExistingEpisodeID,
			Timestamp:       src.Timestamp(),
		})
		if err != nil {
			return errors.Trace(err)
		}
		if !created && (target.ViewpointID() != args.ViewpointID || target.UserID() != opCtx.UserID()) {
			// Not our replay: the id collided with someone else's
			// episode. Client-allocated ids embed the device, so this
			// is a client bug, not contention.
			return errors.AlreadyExistsf("episode %s", ep.NewEpisodeID)
		}
		if err := target.AddPhotos(ctx, ep.PhotoIDs); err != nil {
			return errors.Trace(err)
		}
		recorded.Episodes = append(recorded.Episodes, shareActivityEpisode{
			EpisodeID: ep.NewEpisodeID,
			PhotoIDs:  ep.PhotoIDs,
		})
	}

	activityJSON, err := json.Marshal(recorded)
	if err != nil {
		return errors.Trace(err)
	}
	activity, err := recordActivity(ctx, opCtx, vp, "share_existing", string(activityJSON))
	if err != nil {
		return errors.Trace(err)
	}
	if err := opCtx.TriggerFailpoint(ctx, "share-before-fanout"); err != nil {
		return errors.Trace(err)
	}

	invalidate := &notify.Invalidate{
		Viewpoints: []notify.ViewpointInvalidation{{
			ViewpointID:   args.ViewpointID,
			GetActivities: true,
			GetEpisodes:   true,
		}},
	}
	for _, ep := range args.Episodes {
		invalidate.Episodes = append(invalidate.Episodes, notify.EpisodeInvalidation{
			EpisodeID:     ep.NewEpisodeID,
			GetAttributes: true,
			GetPhotos:     true,
		})
	}
	err = svc.notify.NotifyFollowers(ctx, vp, activity, opInfo(opCtx), func(f *state.Follower) notify.Payload {
		return notify.Payload{Invalidate: invalidate}
	})
	if err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("user %d shared %d episodes into %s", opCtx.UserID(), len(args.Episodes), args.ViewpointID)
	return nil
}
