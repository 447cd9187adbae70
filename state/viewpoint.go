// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/kv"
)

// viewpointDoc holds the stored attributes of a viewpoint row.
type viewpointDoc struct {
	Title        string
	OwnerID      int64
	UpdateSeq    int64
	LastActivity int64
}

func (doc viewpointDoc) attrs() kv.Attrs {
	return kv.Attrs{
		fieldTitle:        doc.Title,
		fieldUserID:       doc.OwnerID,
		fieldUpdateSeq:    doc.UpdateSeq,
		fieldLastActivity: doc.LastActivity,
	}
}

func viewpointDocFromAttrs(attrs kv.Attrs) (viewpointDoc, error) {
	if !attrs.Has(fieldUserID) {
		return viewpointDoc{}, errors.Errorf("viewpoint row without owner")
	}
	return viewpointDoc{
		Title:        attrs.String(fieldTitle),
		OwnerID:      attrs.Int64(fieldUserID),
		UpdateSeq:    attrs.Int64(fieldUpdateSeq),
		LastActivity: attrs.Int64(fieldLastActivity),
	}, nil
}

// Viewpoint is a shared container of episodes with a follower list.
type Viewpoint struct {
	st  *State
	id  string
	doc viewpointDoc
}

// ID returns the viewpoint id.
func (vp *Viewpoint) ID() string { return vp.id }

// Title returns the display title.
func (vp *Viewpoint) Title() string { return vp.doc.Title }

// OwnerID returns the creating user.
func (vp *Viewpoint) OwnerID() int64 { return vp.doc.OwnerID }

// UpdateSeq returns the viewpoint's structural revision counter.
func (vp *Viewpoint) UpdateSeq() int64 { return vp.doc.UpdateSeq }

// LastActivity returns the UTC second of the latest recorded change.
func (vp *Viewpoint) LastActivity() int64 { return vp.doc.LastActivity }

// BumpUpdateSeq advances the viewpoint's revision counter by one and
// stamps the activity time, returning the new revision. Callers hold
// the viewpoint lock, so contention here is cross-server only.
func (vp *Viewpoint) BumpUpdateSeq(ctx context.Context) (int64, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		next := vp.doc.UpdateSeq + 1
		err := vp.st.putAttrs(ctx, viewpointTable, kv.Key{Hash: vp.id},
			kv.Attrs{fieldUpdateSeq: next, fieldLastActivity: vp.st.now()},
			kv.Expected{fieldUpdateSeq: kv.Equals(vp.doc.UpdateSeq)})
		if kv.IsConditionFailed(err) {
			fresh, ferr := vp.st.GetViewpoint(ctx, vp.id)
			if ferr != nil {
				return 0, errors.Trace(ferr)
			}
			vp.doc = fresh.doc
			continue
		}
		if err != nil {
			return 0, errors.Annotatef(err, "bumping update_seq of viewpoint %s", vp.id)
		}
		vp.doc.UpdateSeq = next
		return next, nil
	}
	return 0, errors.Errorf("viewpoint %s too contended after %d attempts", vp.id, maxUpdateAttempts)
}

// NewViewpoint describes a viewpoint row to create.
type NewViewpoint struct {
	Title   string
	OwnerID int64
}

// CreateViewpoint inserts a viewpoint row. An existing row with the
// same id is returned unchanged with created == false, so replays of
// the creating operation are no-ops.
func (st *State) CreateViewpoint(ctx context.Context, vpID string, p NewViewpoint) (vp *Viewpoint, created bool, err error) {
	if vpID == "" {
		return nil, false, errors.NotValidf("empty viewpoint id")
	}
	doc := viewpointDoc{
		Title:        p.Title,
		OwnerID:      p.OwnerID,
		LastActivity: st.now(),
	}
	err = st.putAttrs(ctx, viewpointTable, kv.Key{Hash: vpID},
		doc.attrs(), kv.Expected{fieldUserID: kv.Absent()})
	if kv.IsConditionFailed(err) {
		existing, err := st.GetViewpoint(ctx, vpID)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return &Viewpoint{st: st, id: vpID, doc: doc}, true, nil
}

// GetViewpoint fetches one viewpoint row.
func (st *State) GetViewpoint(ctx context.Context, vpID string) (*Viewpoint, error) {
	attrs, err := st.getAttrs(ctx, viewpointTable, kv.Key{Hash: vpID}, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	doc, err := viewpointDocFromAttrs(attrs)
	if err != nil {
		return nil, errors.Annotatef(err, "viewpoint %s", vpID)
	}
	return &Viewpoint{st: st, id: vpID, doc: doc}, nil
}

// followerDoc holds the stored attributes of a follower row.
type followerDoc struct {
	AddingUserID int64
	ViewedSeq    int64
	Muted        bool
	Removed      bool
}

func (doc followerDoc) attrs() kv.Attrs {
	attrs := kv.Attrs{
		fieldAddingUserID: doc.AddingUserID,
		fieldViewedSeq:    doc.ViewedSeq,
	}
	if doc.Muted {
		attrs[fieldMuted] = true
	}
	if doc.Removed {
		attrs[fieldRemoved] = true
	}
	return attrs
}

func followerDocFromAttrs(attrs kv.Attrs) followerDoc {
	return followerDoc{
		AddingUserID: attrs.Int64(fieldAddingUserID),
		ViewedSeq:    attrs.Int64(fieldViewedSeq),
		Muted:        attrs.Bool(fieldMuted),
		Removed:      attrs.Bool(fieldRemoved),
	}
}

// Follower links a user to a viewpoint they receive updates from.
type Follower struct {
	st          *State
	viewpointID string
	userID      int64
	doc         followerDoc
}

// ViewpointID returns the followed viewpoint.
func (f *Follower) ViewpointID() string { return f.viewpointID }

// UserID returns the following user.
func (f *Follower) UserID() int64 { return f.userID }

// AddingUserID returns the user who added this follower.
func (f *Follower) AddingUserID() int64 { return f.doc.AddingUserID }

// ViewedSeq returns the viewpoint revision the follower has seen.
func (f *Follower) ViewedSeq() int64 { return f.doc.ViewedSeq }

// Muted reports whether the follower silenced alerts.
func (f *Follower) Muted() bool { return f.doc.Muted }

// Active reports whether the follower still receives updates.
func (f *Follower) Active() bool { return !f.doc.Removed }

// SetViewedSeq records the viewpoint revision the follower has seen.
func (f *Follower) SetViewedSeq(ctx context.Context, seq int64) error {
	err := f.st.putAttrs(ctx, followerTable,
		kv.Key{Hash: f.viewpointID, Range: f.userID},
		kv.Attrs{fieldViewedSeq: seq},
		kv.Expected{fieldAddingUserID: kv.Equals(f.doc.AddingUserID)})
	if err != nil {
		return errors.Annotatef(err, "updating viewed_seq of follower %d on %s", f.userID, f.viewpointID)
	}
	f.doc.ViewedSeq = seq
	return nil
}

// Restore clears the removed flag, resuming the follower's updates.
// Restoring an active follower is a no-op, so replays are harmless.
func (f *Follower) Restore(ctx context.Context) error {
	if !f.doc.Removed {
		return nil
	}
	err := f.st.putAttrs(ctx, followerTable,
		kv.Key{Hash: f.viewpointID, Range: f.userID},
		kv.Attrs{fieldRemoved: nil},
		kv.Expected{fieldAddingUserID: kv.Equals(f.doc.AddingUserID)})
	if err != nil {
		return errors.Annotatef(err, "restoring follower %d on %s", f.userID, f.viewpointID)
	}
	f.doc.Removed = false
	return nil
}

// AddFollower inserts a follower row; an existing row is returned
// unchanged with created == false.
func (st *State) AddFollower(ctx context.Context, vpID string, userID, addingUserID int64) (f *Follower, created bool, err error) {
	doc := followerDoc{AddingUserID: addingUserID}
	err = st.putAttrs(ctx, followerTable, kv.Key{Hash: vpID, Range: userID},
		doc.attrs(), kv.Expected{fieldAddingUserID: kv.Absent()})
	if kv.IsConditionFailed(err) {
		existing, err := st.GetFollower(ctx, vpID, userID)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return &Follower{st: st, viewpointID: vpID, userID: userID, doc: doc}, true, nil
}

// GetFollower fetches one follower row.
func (st *State) GetFollower(ctx context.Context, vpID string, userID int64) (*Follower, error) {
	attrs, err := st.getAttrs(ctx, followerTable, kv.Key{Hash: vpID, Range: userID}, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Follower{st: st, viewpointID: vpID, userID: userID, doc: followerDocFromAttrs(attrs)}, nil
}

// Followers returns every follower row of the viewpoint, removed ones
// included; filter with Active as needed.
func (st *State) Followers(ctx context.Context, vpID string) ([]*Follower, error) {
	items, err := st.rangeQuery(ctx, kv.Query{Table: followerTable, Hash: vpID})
	if err != nil {
		return nil, errors.Trace(err)
	}
	followers := make([]*Follower, 0, len(items))
	for _, it := range items {
		userID, ok := it.Key.Range.(int64)
		if !ok {
			logger.Warningf("ignoring follower row with bad user key %v", it.Key)
			continue
		}
		followers = append(followers, &Follower{
			st:          st,
			viewpointID: vpID,
			userID:      userID,
			doc:         followerDocFromAttrs(it.Attrs),
		})
	}
	return followers, nil
}

// activityDoc holds the stored attributes of an activity row.
type activityDoc struct {
	Name      string
	UserID    int64
	Timestamp int64
	UpdateSeq int64
	JSON      string
}

func (doc activityDoc) attrs() kv.Attrs {
	return kv.Attrs{
		fieldName:      doc.Name,
		fieldUserID:    doc.UserID,
		fieldTimestamp: doc.Timestamp,
		fieldUpdateSeq: doc.UpdateSeq,
		fieldJSON:      doc.JSON,
	}
}

func activityDocFromAttrs(attrs kv.Attrs) (activityDoc, error) {
	if attrs.String(fieldName) == "" {
		return activityDoc{}, errors.Errorf("activity row without name")
	}
	return activityDoc{
		Name:      attrs.String(fieldName),
		UserID:    attrs.Int64(fieldUserID),
		Timestamp: attrs.Int64(fieldTimestamp),
		UpdateSeq: attrs.Int64(fieldUpdateSeq),
		JSON:      attrs.String(fieldJSON),
	}, nil
}

// Activity is the durable record of one structural change to a
// viewpoint; notifications point at it.
type Activity struct {
	viewpointID string
	id          string
	doc         activityDoc
}

// ViewpointID returns the changed viewpoint.
func (a *Activity) ViewpointID() string { return a.viewpointID }

// ID returns the activity id, unique within the viewpoint.
func (a *Activity) ID() string { return a.id }

// Name identifies the kind of change.
func (a *Activity) Name() string { return a.doc.Name }

// UserID returns the acting user.
func (a *Activity) UserID() int64 { return a.doc.UserID }

// Timestamp returns the change time in UTC seconds.
func (a *Activity) Timestamp() int64 { return a.doc.Timestamp }

// UpdateSeq returns the viewpoint revision the change produced.
func (a *Activity) UpdateSeq() int64 { return a.doc.UpdateSeq }

// JSON returns the activity payload.
func (a *Activity) JSON() string { return a.doc.JSON }

// NewActivity describes an activity row to create.
type NewActivity struct {
	Name      string
	UserID    int64
	Timestamp int64
	UpdateSeq int64
	JSON      string
}

// CreateActivity inserts an activity row; an existing row with the
// same id is returned unchanged with created == false, which is what
// makes replaying the recording operation harmless.
func (st *State) CreateActivity(ctx context.Context, vpID, activityID string, p NewActivity) (a *Activity, created bool, err error) {
	if p.Name == "" {
		return nil, false, errors.NotValidf("activity without name")
	}
	ts := p.Timestamp
	if ts == 0 {
		ts = st.now()
	}
	doc := activityDoc{
		Name:      p.Name,
		UserID:    p.UserID,
		Timestamp: ts,
		UpdateSeq: p.UpdateSeq,
		JSON:      p.JSON,
	}
	err = st.putAttrs(ctx, activityTable, kv.Key{Hash: vpID, Range: activityID},
		doc.attrs(), kv.Expected{fieldName: kv.Absent()})
	if kv.IsConditionFailed(err) {
		existing, err := st.GetActivity(ctx, vpID, activityID)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return &Activity{viewpointID: vpID, id: activityID, doc: doc}, true, nil
}

// GetActivity fetches one activity row.
func (st *State) GetActivity(ctx context.Context, vpID, activityID string) (*Activity, error) {
	attrs, err := st.getAttrs(ctx, activityTable, kv.Key{Hash: vpID, Range: activityID}, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	doc, err := activityDocFromAttrs(attrs)
	if err != nil {
		return nil, errors.Annotatef(err, "activity %s on %s", activityID, vpID)
	}
	return &Activity{viewpointID: vpID, id: activityID, doc: doc}, nil
}
