// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/yfractal/sdb/internal/metrics"
	"github.com/yfractal/sdb/pkg/sampler"
)

const (
	consumerName = "debug"
)

// Compile-time check that Consumer implements metrics.Consumer
var _ metrics.Consumer = (*Consumer)(nil)

// Consumer logs every event it receives. Samples are printed as their stack,
// leaf first.
type Consumer struct {
	config Config
	logger logr.Logger

	healthy   atomic.Bool
	lastError atomic.Pointer[error]

	eventsProcessed atomic.Uint64
	errorsCount     atomic.Uint64
	startTime       time.Time

	statsMutex      sync.RWMutex
	eventsByType    map[string]*atomic.Uint64
	samplesByThread map[string]*atomic.Uint64
}

func NewConsumer(config Config, logger logr.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	consumer := &Consumer{
		config:          config,
		logger:          logger.WithName("debug-consumer"),
		startTime:       time.Now(),
		eventsByType:    make(map[string]*atomic.Uint64),
		samplesByThread: make(map[string]*atomic.Uint64),
	}

	consumer.healthy.Store(true)
	return consumer, nil
}

func (c *Consumer) Name() string {
	return consumerName
}

// HandleEvent logs the event immediately.
func (c *Consumer) HandleEvent(event metrics.Event) error {
	if err := c.processEvent(event); err != nil {
		c.logger.Error(err, "Failed to process event",
			"event_type", event.EventType,
			"source", event.Source)
		c.errorsCount.Add(1)
		c.lastError.Store(&err)
		return err
	}
	return nil
}

func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting debug consumer",
		"log_level", c.config.LogLevel,
		"log_format", c.config.LogFormat,
		"max_frames", c.config.MaxFrames)
	return nil
}

func (c *Consumer) Health() metrics.ConsumerHealth {
	var lastErr error
	if errPtr := c.lastError.Load(); errPtr != nil {
		lastErr = *errPtr
	}

	return metrics.ConsumerHealth{
		Healthy:     c.healthy.Load(),
		LastError:   lastErr,
		EventsCount: c.eventsProcessed.Load(),
		ErrorsCount: c.errorsCount.Load(),
	}
}

func (c *Consumer) processEvent(event metrics.Event) error {
	if !c.config.ShouldLogEventType(string(event.EventType)) {
		return nil
	}

	summary, stack, err := c.summarize(event)
	if err != nil {
		return err
	}
	if summary.Thread != "" && !c.config.ShouldLogThread(summary.Thread) {
		return nil
	}

	c.updateStats(summary)
	processed := c.eventsProcessed.Add(1)
	withStats := c.config.StatsEvery > 0 && processed%c.config.StatsEvery == 0

	if c.config.LogFormat == LogFormatJSON {
		return c.logEventJSON(summary, stack, withStats)
	}
	c.logEventText(summary, stack)
	if withStats {
		c.logStatsText()
	}
	return nil
}

func (c *Consumer) summarize(event metrics.Event) (*EventSummary, []string, error) {
	summary := &EventSummary{
		EventType: string(event.EventType),
		Source:    event.Source,
		Hostname:  event.Hostname,
		PID:       event.PID,
		Worker:    event.Worker,
	}

	switch data := event.Data.(type) {
	case *sampler.Sample:
		summary.Session = data.SessionID.String()
		summary.Thread = data.ThreadName
		summary.ThreadID = uint64(data.ThreadID)
		summary.NativeID = data.NativeID
		summary.TraceID = data.TraceID
		summary.FrameCount = len(data.Frames)
		return summary, c.formatStack(data.Frames), nil
	case *metrics.SessionEvent:
		summary.Session = data.SessionID.String()
		return summary, nil, nil
	default:
		return nil, nil, fmt.Errorf("unexpected %s event payload %T", event.EventType, event.Data)
	}
}

func (c *Consumer) formatStack(frames []sampler.Frame) []string {
	if c.config.LogLevel < LogLevelDetails {
		return nil
	}
	if c.config.MaxFrames > 0 && len(frames) > c.config.MaxFrames {
		frames = frames[:c.config.MaxFrames]
	}

	stack := make([]string, 0, len(frames))
	for _, f := range frames {
		if c.config.LogLevel >= LogLevelVerbose && f.File != "" {
			stack = append(stack, fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line))
			continue
		}
		stack = append(stack, f.Function)
	}
	return stack
}

func (c *Consumer) updateStats(summary *EventSummary) {
	c.statsMutex.Lock()
	defer c.statsMutex.Unlock()

	increment(c.eventsByType, summary.EventType)
	if summary.Thread != "" {
		increment(c.samplesByThread, summary.Thread)
	}
}

func increment(counters map[string]*atomic.Uint64, key string) {
	if counter, exists := counters[key]; exists {
		counter.Add(1)
		return
	}
	counter := &atomic.Uint64{}
	counter.Store(1)
	counters[key] = counter
}

func (c *Consumer) logEventJSON(summary *EventSummary, stack []string, withStats bool) error {
	entry := LogEntry{
		Level:    "INFO",
		Consumer: consumerName,
		Message:  "Profiler event received",
		Event:    summary,
		Stack:    stack,
	}
	if c.config.IncludeTimestamp {
		entry.Timestamp = time.Now()
	}
	if withStats {
		entry.Stats = c.getStats()
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	c.logger.Info(string(jsonBytes))
	return nil
}

func (c *Consumer) logEventText(summary *EventSummary, stack []string) {
	var parts []string

	parts = append(parts, fmt.Sprintf("Event: %s", summary.EventType))
	if summary.Thread != "" {
		parts = append(parts, fmt.Sprintf("Thread: %s#%d", summary.Thread, summary.ThreadID))
	}

	if c.config.LogLevel >= LogLevelDetails {
		if summary.Source != "" {
			parts = append(parts, fmt.Sprintf("Source: %s", summary.Source))
		}
		if summary.Worker != 0 {
			parts = append(parts, fmt.Sprintf("Worker: %d", summary.Worker))
		}
		if stack != nil {
			parts = append(parts, "["+strings.Join(stack, ", ")+"]")
		}
	} else if summary.FrameCount > 0 {
		parts = append(parts, fmt.Sprintf("Frames: %d", summary.FrameCount))
	}

	if c.config.LogLevel >= LogLevelVerbose {
		if summary.Session != "" {
			parts = append(parts, fmt.Sprintf("Session: %s", summary.Session))
		}
		if summary.TraceID != 0 {
			parts = append(parts, fmt.Sprintf("Trace: %d", summary.TraceID))
		}
		if summary.NativeID != 0 {
			parts = append(parts, fmt.Sprintf("TID: %d", summary.NativeID))
		}
	}

	message := strings.Join(parts, " | ")
	if c.config.IncludeTimestamp {
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		message = fmt.Sprintf("[%s] %s", timestamp, message)
	}

	c.logger.Info(message)
}

func (c *Consumer) getStats() *ConsumerStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()

	eventsByType := make(map[string]uint64, len(c.eventsByType))
	for t, counter := range c.eventsByType {
		eventsByType[t] = counter.Load()
	}

	samplesByThread := make(map[string]uint64, len(c.samplesByThread))
	for name, counter := range c.samplesByThread {
		samplesByThread[name] = counter.Load()
	}

	return &ConsumerStats{
		EventsProcessed: c.eventsProcessed.Load(),
		ErrorsCount:     c.errorsCount.Load(),
		Uptime:          time.Since(c.startTime),
		EventsByType:    eventsByType,
		SamplesByThread: samplesByThread,
	}
}

func (c *Consumer) logStatsText() {
	stats := c.getStats()
	c.logger.Info("Debug consumer stats",
		"events_processed", stats.EventsProcessed,
		"errors", stats.ErrorsCount,
		"uptime", stats.Uptime,
		"threads", len(stats.SamplesByThread))
}
