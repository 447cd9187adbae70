// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package state

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/kv"
)

// AllocateOpNum hands out the next operation number for the device
// via a conditional increment on the device's allocator row. Numbers
// start at 1; a number lost to a competing increment is simply
// skipped, which leaves a gap in the sequence but never a duplicate.
func (st *State) AllocateOpNum(ctx context.Context, deviceID int64) (int64, error) {
	key := kv.Key{Hash: allocatorCounterID(deviceID)}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		attrs, err := st.getAttrs(ctx, allocatorTable, key, []string{fieldNext})
		if errors.IsNotFound(err) {
			err := st.putAttrs(ctx, allocatorTable, key,
				kv.Attrs{fieldNext: int64(2)},
				kv.Expected{fieldNext: kv.Absent()})
			if kv.IsConditionFailed(err) {
				continue
			}
			if err != nil {
				return 0, errors.Trace(err)
			}
			return 1, nil
		}
		if err != nil {
			return 0, errors.Trace(err)
		}
		next := attrs.Int64(fieldNext)
		if next < 1 {
			return 0, errors.Errorf("allocator row %v holds bad counter %d", key, next)
		}
		err = st.putAttrs(ctx, allocatorTable, key,
			kv.Attrs{fieldNext: next + 1},
			kv.Expected{fieldNext: kv.Equals(next)})
		if kv.IsConditionFailed(err) {
			continue
		}
		if err != nil {
			return 0, errors.Trace(err)
		}
		return next, nil
	}
	return 0, errors.Errorf("allocator row %v too contended after %d attempts", key, maxUpdateAttempts)
}

func allocatorCounterID(deviceID int64) string {
	return fmt.Sprintf("dev:%d", deviceID)
}
