// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package testing holds the helpers shared by the backend's test
// suites.
package testing

import (
	jujutesting "github.com/juju/testing"
)

// BaseSuite is the root suite for the backend's tests: it isolates
// the test from the host environment and captures log output for
// failure reports. Suites that touch storage or time layer a store
// fake and a test clock on top.
type BaseSuite struct {
	jujutesting.IsolationSuite
}
