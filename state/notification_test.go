// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package state_test

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinder/viewfinder/kv"
	"github.com/viewfinder/viewfinder/state"
)

type notificationSuite struct {
	stateSuite
}

var _ = gc.Suite(&notificationSuite{})

func (s *notificationSuite) create(c *gc.C, userID, id int64, badge int64) *state.Notification {
	n, err := s.state.CreateNotification(context.Background(), userID, id, state.NewNotification{
		Name:           "share_existing",
		SenderID:       1,
		SenderDeviceID: 3,
		OpID:           "a3a1",
		ViewpointID:    "v1",
		UpdateSeq:      id,
		Badge:          badge,
	})
	c.Assert(err, jc.ErrorIsNil)
	return n
}

func (s *notificationSuite) TestCreateRoundTrip(c *gc.C) {
	n, err := s.state.CreateNotification(context.Background(), 7, 1, state.NewNotification{
		Name:           "share_existing",
		SenderID:       1,
		SenderDeviceID: 3,
		OpID:           "a3a1",
		ViewpointID:    "v1",
		UpdateSeq:      4,
		ViewedSeq:      2,
		ActivityID:     "a3a1",
		Badge:          1,
		Invalidate:     `{"viewpoints":[{"viewpoint_id":"v1"}]}`,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n.ID(), gc.Equals, int64(1))
	c.Check(n.Timestamp(), gc.Equals, epoch.Unix())

	got, err := s.state.LatestNotification(context.Background(), 7)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Name(), gc.Equals, "share_existing")
	c.Check(got.SenderID(), gc.Equals, int64(1))
	c.Check(got.SenderDeviceID(), gc.Equals, int64(3))
	c.Check(got.OpID(), gc.Equals, "a3a1")
	c.Check(got.ViewpointID(), gc.Equals, "v1")
	c.Check(got.UpdateSeq(), gc.Equals, int64(4))
	c.Check(got.ViewedSeq(), gc.Equals, int64(2))
	c.Check(got.ActivityID(), gc.Equals, "a3a1")
	c.Check(got.Badge(), gc.Equals, int64(1))
	c.Check(got.Invalidate(), gc.Equals, `{"viewpoints":[{"viewpoint_id":"v1"}]}`)
	c.Check(got.Inline(), gc.Equals, "")
}

func (s *notificationSuite) TestCreateValidates(c *gc.C) {
	_, err := s.state.CreateNotification(context.Background(), 7, 0, state.NewNotification{
		Name: "n", OpID: "a3a1",
	})
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	_, err = s.state.CreateNotification(context.Background(), 7, 1, state.NewNotification{OpID: "a3a1"})
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	_, err = s.state.CreateNotification(context.Background(), 7, 1, state.NewNotification{Name: "n"})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *notificationSuite) TestCreateTakenID(c *gc.C) {
	s.create(c, 7, 1, 1)
	_, err := s.state.CreateNotification(context.Background(), 7, 1, state.NewNotification{
		Name: "post_comment", OpID: "a3a2",
	})
	c.Check(kv.IsConditionFailed(err), jc.IsTrue)
}

func (s *notificationSuite) TestLatestEmpty(c *gc.C) {
	_, err := s.state.LatestNotification(context.Background(), 7)
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *notificationSuite) TestLatestIgnoresWatermark(c *gc.C) {
	// A user whose badges have been cleared but who has no real
	// notifications yet still reads as empty.
	c.Assert(s.state.SetNotificationWatermark(context.Background(), 7, 0), jc.ErrorIsNil)
	_, err := s.state.LatestNotification(context.Background(), 7)
	c.Check(err, jc.Satisfies, errors.IsNotFound)

	s.create(c, 7, 1, 1)
	got, err := s.state.LatestNotification(context.Background(), 7)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.ID(), gc.Equals, int64(1))
}

func (s *notificationSuite) TestSincePagesInOrder(c *gc.C) {
	for id := int64(1); id <= 5; id++ {
		s.create(c, 7, id, id)
	}
	s.create(c, 8, 1, 1)

	page, err := s.state.NotificationsSince(context.Background(), 7, 0, 3)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(page, gc.HasLen, 3)
	c.Check(page[0].ID(), gc.Equals, int64(1))
	c.Check(page[2].ID(), gc.Equals, int64(3))

	page, err = s.state.NotificationsSince(context.Background(), 7, 3, 3)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(page, gc.HasLen, 2)
	c.Check(page[0].ID(), gc.Equals, int64(4))
	c.Check(page[1].ID(), gc.Equals, int64(5))
}

func (s *notificationSuite) TestSinceSkipsWatermarkRow(c *gc.C) {
	c.Assert(s.state.SetNotificationWatermark(context.Background(), 7, 2), jc.ErrorIsNil)
	s.create(c, 7, 1, 1)

	page, err := s.state.NotificationsSince(context.Background(), 7, 0, 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(page, gc.HasLen, 1)
	c.Check(page[0].ID(), gc.Equals, int64(1))
}

func (s *notificationSuite) TestWatermark(c *gc.C) {
	cleared, err := s.state.NotificationWatermark(context.Background(), 7)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cleared, gc.Equals, int64(0))

	c.Assert(s.state.SetNotificationWatermark(context.Background(), 7, 5), jc.ErrorIsNil)
	cleared, err = s.state.NotificationWatermark(context.Background(), 7)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cleared, gc.Equals, int64(5))

	// Later clears move it forward.
	c.Assert(s.state.SetNotificationWatermark(context.Background(), 7, 9), jc.ErrorIsNil)
	cleared, err = s.state.NotificationWatermark(context.Background(), 7)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cleared, gc.Equals, int64(9))
}
