// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/kv"
)

// commentDoc holds the stored attributes of a comment row.
type commentDoc struct {
	UserID    int64
	AssetID   string
	Timestamp int64
	Message   string
}

func (doc commentDoc) attrs() kv.Attrs {
	attrs := kv.Attrs{
		fieldUserID:    doc.UserID,
		fieldTimestamp: doc.Timestamp,
		fieldMessage:   doc.Message,
	}
	if doc.AssetID != "" {
		attrs[fieldAssetID] = doc.AssetID
	}
	return attrs
}

func commentDocFromAttrs(attrs kv.Attrs) (commentDoc, error) {
	if !attrs.Has(fieldUserID) {
		return commentDoc{}, errors.Errorf("comment row without author")
	}
	return commentDoc{
		UserID:    attrs.Int64(fieldUserID),
		AssetID:   attrs.String(fieldAssetID),
		Timestamp: attrs.Int64(fieldTimestamp),
		Message:   attrs.String(fieldMessage),
	}, nil
}

// Comment is one message posted to a viewpoint, optionally attached to
// an asset like a photo.
type Comment struct {
	viewpointID string
	id          string
	doc         commentDoc
}

// ViewpointID returns the commented viewpoint.
func (cm *Comment) ViewpointID() string { return cm.viewpointID }

// ID returns the comment id, unique within the viewpoint.
func (cm *Comment) ID() string { return cm.id }

// UserID returns the author.
func (cm *Comment) UserID() int64 { return cm.doc.UserID }

// AssetID returns the commented asset, or "" for the viewpoint itself.
func (cm *Comment) AssetID() string { return cm.doc.AssetID }

// Timestamp returns the posting time in UTC seconds.
func (cm *Comment) Timestamp() int64 { return cm.doc.Timestamp }

// Message returns the comment text.
func (cm *Comment) Message() string { return cm.doc.Message }

// NewComment describes a comment row to create.
type NewComment struct {
	UserID    int64
	AssetID   string
	Timestamp int64
	Message   string
}

// CreateComment inserts a comment row; an existing row with the same
// id is returned unchanged with created == false, so replays of the
// posting operation are no-ops.
func (st *State) CreateComment(ctx context.Context, vpID, commentID string, p NewComment) (cm *Comment, created bool, err error) {
	if commentID == "" {
		return nil, false, errors.NotValidf("empty comment id")
	}
	if p.Message == "" {
		return nil, false, errors.NotValidf("comment without message")
	}
	ts := p.Timestamp
	if ts == 0 {
		ts = st.now()
	}
	doc := commentDoc{
		UserID:    p.UserID,
		AssetID:   p.AssetID,
		Timestamp: ts,
		Message:   p.Message,
	}
	err = st.putAttrs(ctx, commentTable, kv.Key{Hash: vpID, Range: commentID},
		doc.attrs(), kv.Expected{fieldUserID: kv.Absent()})
	if kv.IsConditionFailed(err) {
		existing, err := st.GetComment(ctx, vpID, commentID)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return &Comment{viewpointID: vpID, id: commentID, doc: doc}, true, nil
}

// GetComment fetches one comment row.
func (st *State) GetComment(ctx context.Context, vpID, commentID string) (*Comment, error) {
	attrs, err := st.getAttrs(ctx, commentTable, kv.Key{Hash: vpID, Range: commentID}, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	doc, err := commentDocFromAttrs(attrs)
	if err != nil {
		return nil, errors.Annotatef(err, "comment %s on %s", commentID, vpID)
	}
	return &Comment{viewpointID: vpID, id: commentID, doc: doc}, nil
}

// Comments returns every comment of the viewpoint in comment id order.
func (st *State) Comments(ctx context.Context, vpID string) ([]*Comment, error) {
	items, err := st.rangeQuery(ctx, kv.Query{Table: commentTable, Hash: vpID})
	if err != nil {
		return nil, errors.Trace(err)
	}
	comments := make([]*Comment, 0, len(items))
	for _, it := range items {
		commentID, ok := it.Key.Range.(string)
		if !ok {
			logger.Warningf("ignoring comment row with bad id key %v", it.Key)
			continue
		}
		doc, err := commentDocFromAttrs(it.Attrs)
		if err != nil {
			logger.Warningf("ignoring bad comment row %v: %v", it.Key, err)
			continue
		}
		comments = append(comments, &Comment{viewpointID: vpID, id: commentID, doc: doc})
	}
	return comments, nil
}
