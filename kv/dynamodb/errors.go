// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package dynamodb

import (
	"context"
	stderrors "errors"
	"net"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/kv"
)

// transientCodes are the DynamoDB error codes a retry may clear:
// throttling in its several spellings, and server-side faults.
var transientCodes = set.NewStrings(
	"ProvisionedThroughputExceededException",
	"ThrottlingException",
	"Throttling",
	"RequestThrottled",
	"RequestLimitExceeded",
	"SlowDown",
	"LimitExceededException",
	"InternalServerError",
	"InternalError",
	"ServiceUnavailable",
	"TransactionConflictException",
)

// translate maps an SDK error onto the kv contract: failed conditional
// writes become ErrConditionFailed, throttling and server faults are
// marked transient, and everything else passes through traced.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Trace(err)
	}
	var conditionFailed *types.ConditionalCheckFailedException
	if stderrors.As(err, &conditionFailed) {
		return errors.Wrap(err, kv.ErrConditionFailed)
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) && transientCodes.Contains(apiErr.ErrorCode()) {
		return kv.MarkTransient(err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return kv.MarkTransient(err)
	}
	return errors.Trace(err)
}
