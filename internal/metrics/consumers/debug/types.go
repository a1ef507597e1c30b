// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import "time"

// LogEntry represents a structured log entry for JSON output
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Level     string         `json:"level"`
	Consumer  string         `json:"consumer"`
	Message   string         `json:"message"`
	Event     *EventSummary  `json:"event,omitempty"`
	Stack     []string       `json:"stack,omitempty"`
	Stats     *ConsumerStats `json:"stats,omitempty"`
}

// EventSummary provides a condensed view of an event for logging
type EventSummary struct {
	EventType  string `json:"event_type"`
	Source     string `json:"source"`
	Hostname   string `json:"hostname,omitempty"`
	PID        int    `json:"pid,omitempty"`
	Worker     int    `json:"worker,omitempty"`
	Session    string `json:"session,omitempty"`
	Thread     string `json:"thread,omitempty"`
	ThreadID   uint64 `json:"thread_id,omitempty"`
	NativeID   int64  `json:"native_id,omitempty"`
	TraceID    uint64 `json:"trace_id,omitempty"`
	FrameCount int    `json:"frame_count,omitempty"`
}

// ConsumerStats provides runtime statistics for the debug consumer
type ConsumerStats struct {
	EventsProcessed uint64            `json:"events_processed"`
	ErrorsCount     uint64            `json:"errors_count"`
	Uptime          time.Duration     `json:"uptime"`
	EventsByType    map[string]uint64 `json:"events_by_type"`
	SamplesByThread map[string]uint64 `json:"samples_by_thread"`
}
