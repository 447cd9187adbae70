// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package notify appends operation outcomes to follower notification
// logs and synthesizes the badge-clearing records devices see when
// they catch up.
//
// Appends run inside operation handlers, so everything here must be
// safe to replay: per-user ids stay dense through a conditional-create
// loop, and a replayed fan-out recognizes rows it already wrote by the
// operation id stamped on them.
package notify

import (
	"context"
	"encoding/json"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"

	"github.com/viewfinder/viewfinder/kv"
	"github.com/viewfinder/viewfinder/state"
)

var logger = loggo.GetLogger("viewfinder.notify")

// MaxInlineCommentLen caps the marshalled size of an inline payload.
// Anything larger reaches devices as an invalidation instead, keeping
// notification rows small.
const MaxInlineCommentLen = 512

// maxAppendAttempts bounds the conditional-create loop of one append.
// Each iteration loses only to a concurrent append for the same user,
// so in practice one or two attempts suffice.
const maxAppendAttempts = 10

// AlertTopic is the hub topic alert events are published on. A push
// gateway subscribes and forwards badges to devices.
const AlertTopic = "notify.alert"

// Alert is the event published for every appended notification.
type Alert struct {
	// UserID is the recipient.
	UserID int64
	// Badge is the recipient's unread count after the append.
	Badge int64
	// ViewpointID and ActivityID locate the change.
	ViewpointID string
	ActivityID  string
	// Name is the kind of change, for alert text.
	Name string
}

// OpInfo identifies the operation a fan-out runs under: the sending
// user and device, and the operation id the replay guard keys off.
type OpInfo struct {
	UserID   int64
	DeviceID int64
	OpID     string
}

// Payload is what one follower's notification carries. An Inline body
// that marshals within MaxInlineCommentLen is stored on the row by
// itself; an oversized one is dropped in favour of the Invalidate
// block, and the device re-queries.
type Payload struct {
	Inline     any
	Invalidate *Invalidate
}

// PayloadFunc produces the payload for one follower. Handlers use it
// to vary invalidations per recipient; most return the same payload
// for everyone.
type PayloadFunc func(f *state.Follower) Payload

// ManagerConfig holds a Manager's dependencies.
type ManagerConfig struct {
	// State reads followers and writes notification rows.
	State *state.State

	// Clock paces nothing here directly but pins the timestamps of
	// synthesized records to the same source the state uses.
	Clock clock.Clock

	// Hub, when set, receives an Alert per appended notification on
	// AlertTopic. Nil disables alert publication.
	Hub *pubsub.SimpleHub
}

// Validate returns an error if the config cannot be used.
func (config ManagerConfig) Validate() error {
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Manager is the notification fan-out engine.
type Manager struct {
	config ManagerConfig
}

// NewManager returns a Manager backed by the supplied config.
func NewManager(config ManagerConfig) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Manager{config: config}, nil
}

// NotifyFollowers appends one notification to the log of every active
// follower of the viewpoint, recording the given activity. Badges
// increment for every recipient except the sender; the sender still
// receives a row so their other devices refresh.
//
// The append is idempotent per operation: a follower whose latest
// notification already carries op's id is skipped, which is what makes
// replaying a crashed fan-out converge. The guard covers the latest
// row only, so handlers fan out at most once per operation.
func (m *Manager) NotifyFollowers(ctx context.Context, vp *state.Viewpoint, activity *state.Activity, op OpInfo, payloadFor PayloadFunc) error {
	followers, err := m.config.State.Followers(ctx, vp.ID())
	if err != nil {
		return errors.Annotatef(err, "reading followers of %s", vp.ID())
	}
	for _, f := range followers {
		if !f.Active() {
			continue
		}
		n, created, err := m.append(ctx, f.UserID(), op, record{
			name:        activity.Name(),
			viewpointID: activity.ViewpointID(),
			activityID:  activity.ID(),
			updateSeq:   activity.UpdateSeq(),
			viewedSeq:   f.ViewedSeq(),
			incBadge:    f.UserID() != op.UserID,
			payload:     payloadFor(f),
		})
		if err != nil {
			return errors.Annotatef(err, "notifying follower %d of %s", f.UserID(), vp.ID())
		}
		if created {
			m.publishAlert(f, n)
		}
	}
	return nil
}

// UserNotification describes a self-directed record: something the
// operating user's other devices need to hear about, with no badge
// change and no alert.
type UserNotification struct {
	Name        string
	ViewpointID string
	ViewedSeq   int64
	Inline      any
}

// NotifyUser appends one notification to the operating user's own log.
// The user made the change themselves, so nothing badges or alerts;
// the record exists so their other devices converge. The append is
// idempotent per operation, like a fan-out.
func (m *Manager) NotifyUser(ctx context.Context, op OpInfo, u UserNotification) error {
	_, _, err := m.append(ctx, op.UserID, op, record{
		name:        u.Name,
		viewpointID: u.ViewpointID,
		viewedSeq:   u.ViewedSeq,
		payload:     Payload{Inline: u.Inline},
	})
	return errors.Trace(err)
}

// record is one notification append, however its fields were sourced.
type record struct {
	name        string
	viewpointID string
	activityID  string
	updateSeq   int64
	viewedSeq   int64
	incBadge    bool
	payload     Payload
}

// append writes rec to userID's log under the next dense id. It
// reports created=false when the log's latest row already carries the
// operation's id, which is how a replayed append converges without
// delivering twice.
func (m *Manager) append(ctx context.Context, userID int64, op OpInfo, rec record) (*state.Notification, bool, error) {
	st := m.config.State
	inline, invalidate, err := rec.payload.encode()
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	cleared, err := st.NotificationWatermark(ctx, userID)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		var lastID, lastBadge int64
		latest, err := st.LatestNotification(ctx, userID)
		switch {
		case errors.IsNotFound(err):
		case err != nil:
			return nil, false, errors.Trace(err)
		default:
			if latest.OpID() == op.OpID {
				// A previous attempt of this operation already
				// delivered to this recipient.
				return latest, false, nil
			}
			lastID = latest.ID()
			if cleared < latest.ID() {
				lastBadge = latest.Badge()
			}
		}
		badge := lastBadge
		if rec.incBadge {
			badge++
		}
		n, err := st.CreateNotification(ctx, userID, lastID+1, state.NewNotification{
			Name:           rec.name,
			SenderID:       op.UserID,
			SenderDeviceID: op.DeviceID,
			OpID:           op.OpID,
			ViewpointID:    rec.viewpointID,
			UpdateSeq:      rec.updateSeq,
			ViewedSeq:      rec.viewedSeq,
			ActivityID:     rec.activityID,
			Badge:          badge,
			Invalidate:     invalidate,
			Inline:         inline,
		})
		if kv.IsConditionFailed(err) {
			// Lost the id to a concurrent append; re-read and retry.
			continue
		}
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		return n, true, nil
	}
	return nil, false, errors.Errorf("notification log of user %d too contended after %d attempts",
		userID, maxAppendAttempts)
}

// publishAlert hands the append to the push gateway via the hub.
// Muted followers keep accumulating badges but never alert.
func (m *Manager) publishAlert(f *state.Follower, n *state.Notification) {
	if m.config.Hub == nil || f.Muted() {
		return
	}
	_ = m.config.Hub.Publish(AlertTopic, Alert{
		UserID:      n.UserID(),
		Badge:       n.Badge(),
		ViewpointID: n.ViewpointID(),
		ActivityID:  n.ActivityID(),
		Name:        n.Name(),
	})
}

// encode renders the payload for storage. An inline body that fits is
// stored alone and the invalidation is dropped as redundant; an
// oversized body is demoted to its invalidation instead.
func (p Payload) encode() (inline, invalidate string, err error) {
	if p.Inline != nil {
		data, err := json.Marshal(p.Inline)
		if err != nil {
			return "", "", errors.Annotatef(err, "marshalling inline payload")
		}
		if len(data) <= MaxInlineCommentLen {
			return string(data), "", nil
		}
		if p.Invalidate == nil {
			return "", "", errors.Errorf("inline payload of %d bytes exceeds %d and carries no invalidation",
				len(data), MaxInlineCommentLen)
		}
	}
	if p.Invalidate != nil {
		data, err := json.Marshal(p.Invalidate)
		if err != nil {
			return "", "", errors.Annotatef(err, "marshalling invalidation")
		}
		invalidate = string(data)
	}
	return "", invalidate, nil
}

// ClearBadges is the synthesized record that tells a device to reset
// its badge. It rides at the end of a query page and is never stored.
type ClearBadges struct {
	// ID is the latest real notification id at synthesis time.
	ID int64
	// Badge is always 0.
	Badge int64
	// Timestamp is the synthesis time in UTC seconds.
	Timestamp int64
}

// Page is one ordered slice of a user's notification log.
type Page struct {
	Notifications []*state.Notification

	// ClearBadges is non-nil when the page reached the end of the log
	// and the recipient's badge should reset.
	ClearBadges *ClearBadges
}

// QueryNotifications returns up to limit notifications after the given
// id. When the page reaches the end of the log and unread badges are
// outstanding, a ClearBadges record is synthesized and the user's
// watermark advances so later queries stay quiet.
func (m *Manager) QueryNotifications(ctx context.Context, userID, after int64, limit int) (Page, error) {
	st := m.config.State
	notifications, err := st.NotificationsSince(ctx, userID, after, limit)
	if err != nil {
		return Page{}, errors.Trace(err)
	}
	page := Page{Notifications: notifications}
	if limit > 0 && len(notifications) == limit {
		// There may be more; no clearing until the device catches up.
		return page, nil
	}
	latest, err := st.LatestNotification(ctx, userID)
	if errors.IsNotFound(err) {
		return page, nil
	}
	if err != nil {
		return Page{}, errors.Trace(err)
	}
	if latest.Badge() == 0 {
		return page, nil
	}
	cleared, err := st.NotificationWatermark(ctx, userID)
	if err != nil {
		return Page{}, errors.Trace(err)
	}
	if cleared >= latest.ID() {
		return page, nil
	}
	if err := st.SetNotificationWatermark(ctx, userID, latest.ID()); err != nil {
		return Page{}, errors.Trace(err)
	}
	logger.Debugf("cleared badges of user %d through notification %d", userID, latest.ID())
	page.ClearBadges = &ClearBadges{
		ID:        latest.ID(),
		Timestamp: m.config.Clock.Now().Unix(),
	}
	return page, nil
}
