// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package state

// These constants define the table and attribute names used by the
// backend's persistent rows. They *must* remain in sync with the doc
// structs in this package; the attribute names are also the wire
// names in the production table service.
const (
	operationTable    = "operation"
	notificationTable = "notification"
	allocatorTable    = "allocator"
	userTable         = "user"
	identityTable     = "identity"
	deviceTable       = "device"
	viewpointTable    = "viewpoint"
	followerTable     = "follower"
	episodeTable      = "episode"
	photoTable        = "photo"
	activityTable     = "activity"
	commentTable      = "comment"
)

const (
	// field* identify the attributes of an operation row.
	fieldDeviceID            = "device_id"
	fieldMethod              = "method"
	fieldJSON                = "json"
	fieldAttempts            = "attempts"
	fieldBackoff             = "backoff"
	fieldQuarantine          = "quarantine"
	fieldTimestamp           = "timestamp"
	fieldCheckpoint          = "checkpoint"
	fieldTriggeredFailpoints = "triggered_failpoints"

	// Notification attributes. fieldClearedTo lives only on the
	// per-user watermark row (notification id 0).
	fieldName           = "name"
	fieldSenderID       = "sender_id"
	fieldSenderDeviceID = "sender_device_id"
	fieldOpID           = "op_id"
	fieldViewpointID    = "viewpoint_id"
	fieldUpdateSeq      = "update_seq"
	fieldViewedSeq      = "viewed_seq"
	fieldActivityID     = "activity_id"
	fieldBadge          = "badge"
	fieldInvalidate     = "invalidate"
	fieldInline         = "inline"
	fieldClearedTo      = "cleared_to"

	// fieldNext is the single attribute of an allocator row.
	fieldNext = "next"

	// Account attributes (user, identity, device rows).
	fieldUserID     = "user_id"
	fieldEmail      = "email"
	fieldSignedUp   = "signed_up"
	fieldAuthority  = "authority"
	fieldPushToken  = "push_token"
	fieldLastAccess = "last_access"

	// Viewpoint, follower and activity attributes.
	fieldTitle        = "title"
	fieldLastActivity = "last_activity"
	fieldAddingUserID = "adding_user_id"
	fieldMuted        = "muted"
	fieldRemoved      = "removed"

	// Episode and photo attributes.
	fieldParentEpisodeID = "parent_ep_id"
	fieldPhotoIDs        = "photo_ids"
	fieldEpisodeID       = "episode_id"
	fieldAspect          = "aspect"
	fieldCaption         = "caption"

	// Comment attributes.
	fieldAssetID = "asset_id"
	fieldMessage = "message"
)
