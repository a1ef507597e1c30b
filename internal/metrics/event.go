// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the payload of an Event.
type EventType string

const (
	// EventTypeSample carries a *sampler.Sample.
	EventTypeSample EventType = "sample"
	// EventTypeSession carries a *SessionEvent.
	EventTypeSession EventType = "session"
)

// Event is one item flowing from the profiler to the consumers.
//
// Data depends on EventType:
//   - *sampler.Sample for EventTypeSample
//   - *SessionEvent for EventTypeSession
type Event struct {
	Timestamp time.Time
	Source    string // e.g. "sampler", "config"
	Hostname  string
	PID       int
	Worker    int // worker index, 0 outside of a cluster

	EventType EventType
	Data      any
}

// SessionEvent reports a scan session starting or stopping.
type SessionEvent struct {
	SessionID uuid.UUID
	Filter    string
	Interval  time.Duration
	Stopped   bool
}

// Publisher routes events to consumers.
type Publisher interface {
	Publish(event Event) error
	PublishBatch(events []Event) error
}
