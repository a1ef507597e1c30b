// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampler

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yfractal/sdb/pkg/scanner"
)

// Frame is one stack frame, as symbolized by the runtime.
type Frame struct {
	Function string
	File     string
	Line     int64
}

// Sample is the stack of one thread at one point in time.
type Sample struct {
	Time       time.Time
	SessionID  uuid.UUID
	ThreadID   scanner.ThreadID
	ThreadName string
	NativeID   int64
	TraceID    uint64

	// Frames are ordered leaf first.
	Frames []Frame

	// Count is the number of goroutines that shared this stack. It is 1
	// unless the runtime merged identical stacks.
	Count int64
}

// FunctionNames returns the function of each frame, leaf first.
func (s Sample) FunctionNames() []string {
	names := make([]string, 0, len(s.Frames))
	for _, f := range s.Frames {
		names = append(names, f.Function)
	}
	return names
}

// String renders the stack the way the debug log prints it.
func (s Sample) String() string {
	return "[" + strings.Join(s.FunctionNames(), ", ") + "]"
}

// Sink receives every captured sample.
type Sink interface {
	Emit(sample Sample) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(sample Sample) error

func (f SinkFunc) Emit(sample Sample) error {
	return f(sample)
}
