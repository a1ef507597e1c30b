// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	a := make(chan int, 3)
	b := make(chan int)

	out := Merge[int](a, b)
	require.Equal(t, 3, cap(out))

	go func() {
		defer close(a)
		for i := 1; i <= 3; i++ {
			a <- i
		}
	}()
	go func() {
		defer close(b)
		for i := 10; i <= 12; i++ {
			b <- i
		}
	}()

	var fromA, fromB []int
	for v := range out {
		if v < 10 {
			fromA = append(fromA, v)
		} else {
			fromB = append(fromB, v)
		}
	}

	assert.Equal(t, []int{1, 2, 3}, fromA, "order within an input is kept")
	assert.Equal(t, []int{10, 11, 12}, fromB)
}

func TestMerge_NoInputs(t *testing.T) {
	out := Merge[string]()
	_, ok := <-out
	assert.False(t, ok, "merging nothing yields a closed channel")
}
