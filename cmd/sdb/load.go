// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"crypto/sha256"
	"math/rand/v2"
	"time"

	"github.com/go-logr/logr"

	"github.com/yfractal/sdb/internal/workload"
)

// generateLoad submits jobs to pool at the given rate until ctx is done.
// Each job hashes a buffer for a random number of rounds so that worker
// stacks vary between samples.
func generateLoad(ctx context.Context, pool *workload.Pool, every time.Duration, logger logr.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var traceID uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			traceID++
			rounds := 1000 + rand.IntN(20000)
			err := pool.Submit(ctx, workload.Job{
				TraceID: traceID,
				Fn: func(ctx context.Context) error {
					return hashRounds(ctx, rounds)
				},
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.V(1).Info("failed to submit job", "traceID", traceID, "error", err.Error())
			}
		}
	}
}

func hashRounds(ctx context.Context, rounds int) error {
	var sum [sha256.Size]byte
	for i := 0; i < rounds; i++ {
		if i%1000 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		sum = sha256.Sum256(sum[:])
	}
	return nil
}
