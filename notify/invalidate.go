// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package notify

// Invalidate names the collections a device must re-query after a
// change too large (or too structural) to carry inline. The zero flags
// marshal away, so a stored block holds only what actually changed.
type Invalidate struct {
	Viewpoints []ViewpointInvalidation `json:"viewpoints,omitempty"`
	Episodes   []EpisodeInvalidation   `json:"episodes,omitempty"`
}

// ViewpointInvalidation flags the stale collections of one viewpoint.
type ViewpointInvalidation struct {
	ViewpointID   string `json:"viewpoint_id"`
	GetAttributes bool   `json:"get_attributes,omitempty"`
	GetFollowers  bool   `json:"get_followers,omitempty"`
	GetActivities bool   `json:"get_activities,omitempty"`
	GetEpisodes   bool   `json:"get_episodes,omitempty"`
	GetComments   bool   `json:"get_comments,omitempty"`
}

// EpisodeInvalidation flags the stale collections of one episode.
type EpisodeInvalidation struct {
	EpisodeID     string `json:"episode_id"`
	GetAttributes bool   `json:"get_attributes,omitempty"`
	GetPhotos     bool   `json:"get_photos,omitempty"`
}

// InvalidateViewpoint is the common whole-viewpoint invalidation:
// activities plus episodes.
func InvalidateViewpoint(vpID string) *Invalidate {
	return &Invalidate{
		Viewpoints: []ViewpointInvalidation{{
			ViewpointID:   vpID,
			GetActivities: true,
			GetEpisodes:   true,
		}},
	}
}
