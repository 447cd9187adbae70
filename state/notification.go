// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/kv"
)

// watermarkID is the reserved notification id of the per-user badge
// watermark row. Real notifications count from 1, and queries start
// exclusive of 0, so the row never appears in a page.
const watermarkID = int64(0)

// notificationDoc holds the stored attributes of a notification row.
type notificationDoc struct {
	Name           string
	SenderID       int64
	SenderDeviceID int64
	Timestamp      int64
	OpID           string
	ViewpointID    string
	UpdateSeq      int64
	ViewedSeq      int64
	ActivityID     string
	Badge          int64
	Invalidate     string
	Inline         string
}

func (doc notificationDoc) attrs() kv.Attrs {
	attrs := kv.Attrs{
		fieldName:           doc.Name,
		fieldSenderID:       doc.SenderID,
		fieldSenderDeviceID: doc.SenderDeviceID,
		fieldTimestamp:      doc.Timestamp,
		fieldOpID:           doc.OpID,
		fieldBadge:          doc.Badge,
	}
	if doc.ViewpointID != "" {
		attrs[fieldViewpointID] = doc.ViewpointID
		attrs[fieldUpdateSeq] = doc.UpdateSeq
		attrs[fieldViewedSeq] = doc.ViewedSeq
	}
	if doc.ActivityID != "" {
		attrs[fieldActivityID] = doc.ActivityID
	}
	if doc.Invalidate != "" {
		attrs[fieldInvalidate] = doc.Invalidate
	}
	if doc.Inline != "" {
		attrs[fieldInline] = doc.Inline
	}
	return attrs
}

func notificationDocFromAttrs(attrs kv.Attrs) (notificationDoc, error) {
	if attrs.String(fieldName) == "" {
		return notificationDoc{}, errors.Errorf("notification row without name")
	}
	return notificationDoc{
		Name:           attrs.String(fieldName),
		SenderID:       attrs.Int64(fieldSenderID),
		SenderDeviceID: attrs.Int64(fieldSenderDeviceID),
		Timestamp:      attrs.Int64(fieldTimestamp),
		OpID:           attrs.String(fieldOpID),
		ViewpointID:    attrs.String(fieldViewpointID),
		UpdateSeq:      attrs.Int64(fieldUpdateSeq),
		ViewedSeq:      attrs.Int64(fieldViewedSeq),
		ActivityID:     attrs.String(fieldActivityID),
		Badge:          attrs.Int64(fieldBadge),
		Invalidate:     attrs.String(fieldInvalidate),
		Inline:         attrs.String(fieldInline),
	}, nil
}

// Notification is one stored row of a user's notification log.
type Notification struct {
	userID int64
	id     int64
	doc    notificationDoc
}

// UserID returns the recipient.
func (n *Notification) UserID() int64 { return n.userID }

// ID returns the per-user sequence number, dense from 1.
func (n *Notification) ID() int64 { return n.id }

// Name identifies the kind of change the notification reports.
func (n *Notification) Name() string { return n.doc.Name }

// SenderID returns the user whose operation produced the notification.
func (n *Notification) SenderID() int64 { return n.doc.SenderID }

// SenderDeviceID returns the device that submitted that operation.
func (n *Notification) SenderDeviceID() int64 { return n.doc.SenderDeviceID }

// Timestamp returns the append time in UTC seconds.
func (n *Notification) Timestamp() int64 { return n.doc.Timestamp }

// OpID returns the operation id the notification was appended under;
// the append replay guard keys off it.
func (n *Notification) OpID() string { return n.doc.OpID }

// ViewpointID returns the affected viewpoint, if any.
func (n *Notification) ViewpointID() string { return n.doc.ViewpointID }

// UpdateSeq returns the viewpoint's update sequence after the change.
func (n *Notification) UpdateSeq() int64 { return n.doc.UpdateSeq }

// ViewedSeq returns the recipient's viewed sequence at append time.
func (n *Notification) ViewedSeq() int64 { return n.doc.ViewedSeq }

// ActivityID returns the activity the change was recorded under.
func (n *Notification) ActivityID() string { return n.doc.ActivityID }

// Badge returns the recipient's badge count after this notification.
func (n *Notification) Badge() int64 { return n.doc.Badge }

// Invalidate returns the JSON invalidation block, if any.
func (n *Notification) Invalidate() string { return n.doc.Invalidate }

// Inline returns the JSON inline payload, if any.
func (n *Notification) Inline() string { return n.doc.Inline }

// NewNotification describes a notification row to append.
type NewNotification struct {
	Name           string
	SenderID       int64
	SenderDeviceID int64
	// Timestamp in UTC seconds; 0 stamps the current time.
	Timestamp   int64
	OpID        string
	ViewpointID string
	UpdateSeq   int64
	ViewedSeq   int64
	ActivityID  string
	Badge       int64
	Invalidate  string
	Inline      string
}

// CreateNotification inserts notification id for the user, failing
// with a condition error if the id is already taken. Allocating ids by
// retrying this insert at latest+1 is what keeps per-user ids dense.
func (st *State) CreateNotification(ctx context.Context, userID, id int64, p NewNotification) (*Notification, error) {
	if id <= watermarkID {
		return nil, errors.NotValidf("notification id %d", id)
	}
	if p.Name == "" {
		return nil, errors.NotValidf("notification without name")
	}
	if p.OpID == "" {
		return nil, errors.NotValidf("notification without operation id")
	}
	ts := p.Timestamp
	if ts == 0 {
		ts = st.now()
	}
	doc := notificationDoc{
		Name:           p.Name,
		SenderID:       p.SenderID,
		SenderDeviceID: p.SenderDeviceID,
		Timestamp:      ts,
		OpID:           p.OpID,
		ViewpointID:    p.ViewpointID,
		UpdateSeq:      p.UpdateSeq,
		ViewedSeq:      p.ViewedSeq,
		ActivityID:     p.ActivityID,
		Badge:          p.Badge,
		Invalidate:     p.Invalidate,
		Inline:         p.Inline,
	}
	err := st.putAttrs(ctx, notificationTable, kv.Key{Hash: userID, Range: id},
		doc.attrs(), kv.Expected{fieldName: kv.Absent()})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Notification{userID: userID, id: id, doc: doc}, nil
}

// LatestNotification returns the user's newest notification, or a
// NotFound error when the log is empty.
func (st *State) LatestNotification(ctx context.Context, userID int64) (*Notification, error) {
	items, err := st.rangeQuery(ctx, kv.Query{
		Table:   notificationTable,
		Hash:    userID,
		Reverse: true,
		Limit:   1,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(items) == 0 {
		return nil, errors.NotFoundf("notifications for user %d", userID)
	}
	id, ok := items[0].Key.Range.(int64)
	if !ok || id == watermarkID {
		return nil, errors.NotFoundf("notifications for user %d", userID)
	}
	doc, err := notificationDocFromAttrs(items[0].Attrs)
	if err != nil {
		return nil, errors.Annotatef(err, "notification %d for user %d", id, userID)
	}
	return &Notification{userID: userID, id: id, doc: doc}, nil
}

// NotificationsSince returns up to limit notifications with ids
// greater than after, in id order. after 0 reads from the front of
// the log.
func (st *State) NotificationsSince(ctx context.Context, userID, after int64, limit int) ([]*Notification, error) {
	items, err := st.rangeQuery(ctx, kv.Query{
		Table: notificationTable,
		Hash:  userID,
		Start: after,
		Limit: limit,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	notifications := make([]*Notification, 0, len(items))
	for _, it := range items {
		id, ok := it.Key.Range.(int64)
		if !ok {
			logger.Warningf("ignoring notification row with bad id key %v", it.Key)
			continue
		}
		doc, err := notificationDocFromAttrs(it.Attrs)
		if err != nil {
			logger.Warningf("ignoring bad notification row %v: %v", it.Key, err)
			continue
		}
		notifications = append(notifications, &Notification{userID: userID, id: id, doc: doc})
	}
	return notifications, nil
}

// NotificationWatermark returns the highest notification id through
// which the user's badges have been cleared; 0 when never cleared.
func (st *State) NotificationWatermark(ctx context.Context, userID int64) (int64, error) {
	attrs, err := st.getAttrs(ctx, notificationTable,
		kv.Key{Hash: userID, Range: watermarkID}, []string{fieldClearedTo})
	if errors.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Trace(err)
	}
	return attrs.Int64(fieldClearedTo), nil
}

// SetNotificationWatermark records that badges are cleared through
// the given notification id. Concurrent queries may race the write;
// the loser's value is at worst slightly stale, which only means one
// extra synthesized clear on the next query.
func (st *State) SetNotificationWatermark(ctx context.Context, userID, clearedTo int64) error {
	return errors.Trace(st.putAttrs(ctx, notificationTable,
		kv.Key{Hash: userID, Range: watermarkID},
		kv.Attrs{fieldClearedTo: clearedTo}, nil))
}
