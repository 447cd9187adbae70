// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// viewfinderd runs the operation pipeline for one server process: it
// drains user operation queues, sweeps for failed operations and
// abandoned locks, and fans completed operations out to follower
// notification logs. Request decoding and delivery engines live in
// front of and behind it; this daemon owns everything in between.
package main

import (
	"fmt"
	"os"

	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("viewfinder.cmd.viewfinderd")

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs the daemon and returns its exit code. Split from main so
// tests can drive it.
func Main(args []string) int {
	d := newDaemon()
	if err := d.init(args); err != nil {
		fmt.Fprintf(os.Stderr, "viewfinderd: %v\n", err)
		return 2
	}
	if err := d.run(); err != nil {
		logger.Errorf("%v", err)
		fmt.Fprintf(os.Stderr, "viewfinderd: %v\n", err)
		return 1
	}
	return 0
}
