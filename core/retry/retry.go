// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package retry provides the bounded-retry policy the pipeline wraps
// around fallible calls, most importantly substrate reads and writes.
//
// A Policy decides only whether and when a call runs again; what to do
// with the final outcome stays at the call site, which runs strictly
// after Call returns. There is deliberately no "retry after success"
// hook: a caller that wants to re-examine a successful result captures
// it in the closure and returns a retryable error.
package retry

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	jujuretry "github.com/juju/retry"
)

// Policy bounds the retry behaviour of a fallible call. The zero
// value retries every failure forever with near-zero delay; real uses
// set the bounds they need.
type Policy struct {
	// MaxTries caps the total number of attempts; <= 0 means
	// unlimited.
	MaxTries int

	// Timeout caps the elapsed time across all attempts and the
	// sleeps between them; 0 means no deadline.
	Timeout time.Duration

	// MinDelay is the sleep before the first retry. Later sleeps
	// double, with uniform jitter when MaxDelay is set.
	MinDelay time.Duration

	// MaxDelay caps the sleep between attempts; 0 means uncapped.
	MaxDelay time.Duration

	// RetryError reports whether a failure is worth retrying. A nil
	// RetryError retries every failure; errors it rejects return to
	// the caller immediately.
	RetryError func(error) bool

	// Notify, when set, observes each failed attempt.
	Notify func(err error, attempt int)
}

// Call invokes f under the policy, sleeping on clk between attempts,
// until f succeeds, the policy is exhausted, or ctx is done. When the
// policy gives up the error of the final attempt is returned; when
// ctx ends the wait, ctx's error is.
func (p Policy) Call(ctx context.Context, clk clock.Clock, f func(context.Context) error) error {
	attempts := p.MaxTries
	if attempts <= 0 {
		attempts = jujuretry.UnlimitedAttempts
	}
	delay := p.MinDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	backoff := jujuretry.DoubleDelay
	if p.MaxDelay > 0 {
		backoff = jujuretry.ExpBackoff(delay, p.MaxDelay, 2.0, true)
	}
	args := jujuretry.CallArgs{
		Func:        func() error { return f(ctx) },
		Clock:       clk,
		Attempts:    attempts,
		Delay:       delay,
		MaxDelay:    p.MaxDelay,
		MaxDuration: p.Timeout,
		BackoffFunc: backoff,
		Stop:        ctx.Done(),
	}
	if p.RetryError != nil {
		args.IsFatalError = func(err error) bool {
			return !p.RetryError(err)
		}
	}
	if p.Notify != nil {
		args.NotifyFunc = p.Notify
	}
	err := jujuretry.Call(args)
	switch {
	case err == nil:
		return nil
	case jujuretry.IsAttemptsExceeded(err), jujuretry.IsDurationExceeded(err):
		return errors.Trace(jujuretry.LastError(err))
	case jujuretry.IsRetryStopped(err):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Trace(ctxErr)
		}
		return errors.Trace(err)
	}
	return errors.Trace(err)
}
