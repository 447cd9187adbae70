// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package message_test

import (
	"encoding/json"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/viewfinder/viewfinder/core/message"
)

type messageSuite struct{}

var _ = gc.Suite(&messageSuite{})

func splitNames() message.Migration {
	return message.Migration{
		To: message.VersionSplitNames,
		Apply: func(doc map[string]any) error {
			name, _ := doc["name"].(string)
			delete(doc, "name")
			doc["given_name"] = name
			return nil
		},
	}
}

func (s *messageSuite) TestMigrateAppliesPendingStepsInOrder(c *gc.C) {
	var applied []message.Version
	record := func(to message.Version) message.Migration {
		return message.Migration{To: to, Apply: func(doc map[string]any) error {
			applied = append(applied, to)
			return nil
		}}
	}
	// Deliberately registered out of order.
	migrations := []message.Migration{
		record(message.VersionInlineComments),
		record(message.VersionSplitNames),
		record(message.VersionExplicitShareOrder),
	}
	got, err := message.Migrate(map[string]any{}, message.VersionSplitNames, migrations)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.Equals, message.MaxVersion)
	c.Check(applied, jc.DeepEquals, []message.Version{
		message.VersionExplicitShareOrder,
		message.VersionInlineComments,
	})
}

func (s *messageSuite) TestMigrateRewritesDoc(c *gc.C) {
	doc := map[string]any{"name": "Ben Franklin"}
	_, err := message.Migrate(doc, message.VersionOriginal, []message.Migration{splitNames()})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(doc, jc.DeepEquals, map[string]any{"given_name": "Ben Franklin"})
}

func (s *messageSuite) TestMigrateCurrentDocUntouched(c *gc.C) {
	doc := map[string]any{"given_name": "Ben"}
	got, err := message.Migrate(doc, message.MaxVersion, []message.Migration{splitNames()})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.Equals, message.MaxVersion)
	c.Check(doc, jc.DeepEquals, map[string]any{"given_name": "Ben"})
}

func (s *messageSuite) TestMigrateRejectsOutOfRangeVersions(c *gc.C) {
	_, err := message.Migrate(map[string]any{}, 0, nil)
	c.Check(err, jc.Satisfies, errors.IsNotSupported)
	_, err = message.Migrate(map[string]any{}, message.MaxVersion+1, nil)
	c.Check(err, jc.Satisfies, errors.IsNotSupported)
}

func (s *messageSuite) TestMigrateAnnotatesFailure(c *gc.C) {
	boom := message.Migration{
		To:    message.VersionSplitNames,
		Apply: func(doc map[string]any) error { return errors.New("boom") },
	}
	_, err := message.Migrate(map[string]any{}, message.VersionOriginal, []message.Migration{boom})
	c.Check(err, gc.ErrorMatches, "migrating message to version 2: boom")
}

func (s *messageSuite) TestExtractHeaders(c *gc.C) {
	var doc map[string]any
	err := json.Unmarshal([]byte(`{
		"headers": {"version": 4, "op_id": "a1a7", "op_timestamp": 1300000000, "synchronous": true},
		"viewpoint_id": "v123"
	}`), &doc)
	c.Assert(err, jc.ErrorIsNil)

	h, err := message.ExtractHeaders(doc)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(h, jc.DeepEquals, message.Headers{
		Version:     message.VersionInlineComments,
		OpID:        "a1a7",
		OpTimestamp: 1300000000,
		Synchronous: true,
	})
	c.Check(doc, jc.DeepEquals, map[string]any{"viewpoint_id": "v123"})
}

func (s *messageSuite) TestExtractHeadersMissing(c *gc.C) {
	_, err := message.ExtractHeaders(map[string]any{"viewpoint_id": "v123"})
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	_, err = message.ExtractHeaders(map[string]any{"headers": map[string]any{}})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}
