// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package channel holds small channel plumbing helpers.
package channel

import "sync"

// Merge fans the inputs into a single channel. Values keep their order within
// one input. The output is buffered to the largest input capacity and is
// closed once every input has been closed and drained.
func Merge[T any](inputs ...<-chan T) <-chan T {
	buf := 0
	for _, ch := range inputs {
		buf = max(buf, cap(ch))
	}
	out := make(chan T, buf)

	var wg sync.WaitGroup
	wg.Add(len(inputs))
	for _, ch := range inputs {
		go func() {
			defer wg.Done()
			for v := range ch {
				out <- v
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
