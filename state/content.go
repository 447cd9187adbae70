// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/kv"
)

// episodeDoc holds the stored attributes of an episode row.
type episodeDoc struct {
	UserID          int64
	ViewpointID     string
	ParentEpisodeID string
	Timestamp       int64
	PhotoIDs        []string
}

func (doc episodeDoc) attrs() kv.Attrs {
	attrs := kv.Attrs{
		fieldUserID:      doc.UserID,
		fieldViewpointID: doc.ViewpointID,
		fieldTimestamp:   doc.Timestamp,
	}
	if doc.ParentEpisodeID != "" {
		attrs[fieldParentEpisodeID] = doc.ParentEpisodeID
	}
	if len(doc.PhotoIDs) > 0 {
		attrs[fieldPhotoIDs] = doc.PhotoIDs
	}
	return attrs
}

func episodeDocFromAttrs(attrs kv.Attrs) (episodeDoc, error) {
	if !attrs.Has(fieldUserID) {
		return episodeDoc{}, errors.Errorf("episode row without owner")
	}
	return episodeDoc{
		UserID:          attrs.Int64(fieldUserID),
		ViewpointID:     attrs.String(fieldViewpointID),
		ParentEpisodeID: attrs.String(fieldParentEpisodeID),
		Timestamp:       attrs.Int64(fieldTimestamp),
		PhotoIDs:        attrs.StringSet(fieldPhotoIDs),
	}, nil
}

// Episode groups photos shot together; shared episodes carry a parent
// pointer back to the episode they were shared from.
type Episode struct {
	st  *State
	id  string
	doc episodeDoc
}

// ID returns the episode id.
func (e *Episode) ID() string { return e.id }

// UserID returns the owning user.
func (e *Episode) UserID() int64 { return e.doc.UserID }

// ViewpointID returns the viewpoint the episode belongs to.
func (e *Episode) ViewpointID() string { return e.doc.ViewpointID }

// ParentEpisodeID returns the episode this one was shared from, or "".
func (e *Episode) ParentEpisodeID() string { return e.doc.ParentEpisodeID }

// Timestamp returns the episode's capture time in UTC seconds.
func (e *Episode) Timestamp() int64 { return e.doc.Timestamp }

// PhotoIDs returns the photos in the episode.
func (e *Episode) PhotoIDs() []string {
	return append([]string(nil), e.doc.PhotoIDs...)
}

// HasPhoto reports whether the photo is already in the episode.
func (e *Episode) HasPhoto(photoID string) bool {
	for _, id := range e.doc.PhotoIDs {
		if id == photoID {
			return true
		}
	}
	return false
}

// AddPhotos merges photo ids into the episode. Replays that add the
// same photos again write nothing.
func (e *Episode) AddPhotos(ctx context.Context, photoIDs []string) error {
	merged := set.NewStrings(e.doc.PhotoIDs...)
	before := merged.Size()
	for _, id := range photoIDs {
		merged.Add(id)
	}
	if merged.Size() == before {
		return nil
	}
	values := merged.SortedValues()
	err := e.st.putAttrs(ctx, episodeTable, kv.Key{Hash: e.id},
		kv.Attrs{fieldPhotoIDs: values},
		kv.Expected{fieldUserID: kv.Equals(e.doc.UserID)})
	if err != nil {
		return errors.Annotatef(err, "adding photos to episode %s", e.id)
	}
	e.doc.PhotoIDs = values
	return nil
}

// NewEpisode describes an episode row to create.
type NewEpisode struct {
	UserID          int64
	ViewpointID     string
	ParentEpisodeID string
	Timestamp       int64
	PhotoIDs        []string
}

// CreateEpisode inserts an episode row; an existing row with the same
// id is returned unchanged with created == false.
func (st *State) CreateEpisode(ctx context.Context, episodeID string, p NewEpisode) (e *Episode, created bool, err error) {
	if episodeID == "" {
		return nil, false, errors.NotValidf("empty episode id")
	}
	ts := p.Timestamp
	if ts == 0 {
		ts = st.now()
	}
	doc := episodeDoc{
		UserID:          p.UserID,
		ViewpointID:     p.ViewpointID,
		ParentEpisodeID: p.ParentEpisodeID,
		Timestamp:       ts,
		PhotoIDs:        set.NewStrings(p.PhotoIDs...).SortedValues(),
	}
	err = st.putAttrs(ctx, episodeTable, kv.Key{Hash: episodeID},
		doc.attrs(), kv.Expected{fieldUserID: kv.Absent()})
	if kv.IsConditionFailed(err) {
		existing, err := st.GetEpisode(ctx, episodeID)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return &Episode{st: st, id: episodeID, doc: doc}, true, nil
}

// GetEpisode fetches one episode row.
func (st *State) GetEpisode(ctx context.Context, episodeID string) (*Episode, error) {
	attrs, err := st.getAttrs(ctx, episodeTable, kv.Key{Hash: episodeID}, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	doc, err := episodeDocFromAttrs(attrs)
	if err != nil {
		return nil, errors.Annotatef(err, "episode %s", episodeID)
	}
	return &Episode{st: st, id: episodeID, doc: doc}, nil
}

// photoDoc holds the stored attributes of a photo row.
type photoDoc struct {
	UserID    int64
	EpisodeID string
	Aspect    string
	Timestamp int64
	Caption   string
}

func (doc photoDoc) attrs() kv.Attrs {
	attrs := kv.Attrs{
		fieldUserID:    doc.UserID,
		fieldEpisodeID: doc.EpisodeID,
		fieldTimestamp: doc.Timestamp,
	}
	if doc.Aspect != "" {
		attrs[fieldAspect] = doc.Aspect
	}
	if doc.Caption != "" {
		attrs[fieldCaption] = doc.Caption
	}
	return attrs
}

func photoDocFromAttrs(attrs kv.Attrs) (photoDoc, error) {
	if !attrs.Has(fieldUserID) {
		return photoDoc{}, errors.Errorf("photo row without owner")
	}
	return photoDoc{
		UserID:    attrs.Int64(fieldUserID),
		EpisodeID: attrs.String(fieldEpisodeID),
		Aspect:    attrs.String(fieldAspect),
		Timestamp: attrs.Int64(fieldTimestamp),
		Caption:   attrs.String(fieldCaption),
	}, nil
}

// Photo is one stored photo record; image blobs live elsewhere.
type Photo struct {
	id  string
	doc photoDoc
}

// ID returns the photo id.
func (p *Photo) ID() string { return p.id }

// UserID returns the owning user.
func (p *Photo) UserID() int64 { return p.doc.UserID }

// EpisodeID returns the episode the photo was uploaded into.
func (p *Photo) EpisodeID() string { return p.doc.EpisodeID }

// Aspect returns the aspect ratio as uploaded, or "".
func (p *Photo) Aspect() string { return p.doc.Aspect }

// Timestamp returns the capture time in UTC seconds.
func (p *Photo) Timestamp() int64 { return p.doc.Timestamp }

// Caption returns the user caption, or "".
func (p *Photo) Caption() string { return p.doc.Caption }

// NewPhoto describes a photo row to create.
type NewPhoto struct {
	UserID    int64
	EpisodeID string
	Aspect    string
	Timestamp int64
	Caption   string
}

// CreatePhoto inserts a photo row; an existing row with the same id
// is returned unchanged with created == false.
func (st *State) CreatePhoto(ctx context.Context, photoID string, p NewPhoto) (photo *Photo, created bool, err error) {
	if photoID == "" {
		return nil, false, errors.NotValidf("empty photo id")
	}
	ts := p.Timestamp
	if ts == 0 {
		ts = st.now()
	}
	doc := photoDoc{
		UserID:    p.UserID,
		EpisodeID: p.EpisodeID,
		Aspect:    p.Aspect,
		Timestamp: ts,
		Caption:   p.Caption,
	}
	err = st.putAttrs(ctx, photoTable, kv.Key{Hash: photoID},
		doc.attrs(), kv.Expected{fieldUserID: kv.Absent()})
	if kv.IsConditionFailed(err) {
		existing, err := st.GetPhoto(ctx, photoID)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return &Photo{id: photoID, doc: doc}, true, nil
}

// GetPhoto fetches one photo row.
func (st *State) GetPhoto(ctx context.Context, photoID string) (*Photo, error) {
	attrs, err := st.getAttrs(ctx, photoTable, kv.Key{Hash: photoID}, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	doc, err := photoDocFromAttrs(attrs)
	if err != nil {
		return nil, errors.Annotatef(err, "photo %s", photoID)
	}
	return &Photo{id: photoID, doc: doc}, nil
}

// GetPhotos fetches many photo rows at once; ids with no row are
// simply missing from the result, in the manner of the underlying
// batch get.
func (st *State) GetPhotos(ctx context.Context, photoIDs []string) ([]*Photo, error) {
	keys := make([]kv.Key, len(photoIDs))
	for i, id := range photoIDs {
		keys[i] = kv.Key{Hash: id}
	}
	items, err := st.batchGet(ctx, photoTable, keys, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	photos := make([]*Photo, 0, len(items))
	for _, it := range items {
		id, ok := it.Key.Hash.(string)
		if !ok {
			logger.Warningf("ignoring photo row with bad key %v", it.Key)
			continue
		}
		doc, err := photoDocFromAttrs(it.Attrs)
		if err != nil {
			logger.Warningf("ignoring bad photo row %v: %v", it.Key, err)
			continue
		}
		photos = append(photos, &Photo{id: id, doc: doc})
	}
	return photos, nil
}
