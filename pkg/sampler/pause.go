// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampler

import (
	"context"
	"runtime"
	"time"
)

// spinThreshold is the interval below which the sampler spins instead of
// sleeping.
const spinThreshold = time.Millisecond

// pause waits between two capture rounds. It returns ctx.Err() as soon as ctx
// is done.
func pause(ctx context.Context, interval time.Duration) error {
	switch {
	case interval <= 0:
		runtime.Gosched()
		return ctx.Err()

	case interval < spinThreshold:
		deadline := time.Now().Add(interval)
		for time.Now().Before(deadline) {
			if err := ctx.Err(); err != nil {
				return err
			}
			runtime.Gosched()
		}
		return ctx.Err()

	default:
		// Capturing takes time too, so only 9/10 of the interval is slept.
		timer := time.NewTimer(interval * 9 / 10)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}
