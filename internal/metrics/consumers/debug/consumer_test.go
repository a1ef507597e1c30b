// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import (
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yfractal/sdb/internal/metrics"
	"github.com/yfractal/sdb/pkg/sampler"
)

type captured struct {
	mu    sync.Mutex
	lines []string
}

func (c *captured) logger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lines = append(c.lines, args)
	}, funcr.Options{})
}

func (c *captured) all() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}

func sampleEvent(thread string) metrics.Event {
	return metrics.Event{
		Source:    "sampler",
		Worker:    2,
		EventType: metrics.EventTypeSample,
		Data: &sampler.Sample{
			ThreadID:   7,
			ThreadName: thread,
			TraceID:    1234,
			Frames: []sampler.Frame{
				{Function: "runtime.gopark", File: "proc.go", Line: 10},
				{Function: "main.handle", File: "main.go", Line: 20},
				{Function: "main.serve", File: "main.go", Line: 30},
			},
			Count: 1,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{name: "default", config: DefaultConfig()},
		{name: "bad level", config: Config{LogLevel: 5, LogFormat: LogFormatText}, wantErr: ErrInvalidLogLevel},
		{name: "bad format", config: Config{LogFormat: "xml"}, wantErr: ErrInvalidLogFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}

	_, err := ParseLogLevel("loud")
	assert.ErrorIs(t, err, ErrInvalidLogLevel)
	lvl, err := ParseLogLevel("verbose")
	require.NoError(t, err)
	assert.Equal(t, LogLevelVerbose, lvl)
}

func TestConsumer_TextOutput(t *testing.T) {
	out := &captured{}
	cfg := DefaultConfig()
	cfg.IncludeTimestamp = false
	cfg.MaxFrames = 2
	c, err := NewConsumer(cfg, out.logger())
	require.NoError(t, err)

	require.NoError(t, c.HandleEvent(sampleEvent("srv tp 001")))

	logged := out.all()
	assert.Contains(t, logged, "Thread: srv tp 001#7")
	assert.Contains(t, logged, "[runtime.gopark, main.handle]")
	assert.NotContains(t, logged, "main.serve")
	assert.Contains(t, logged, "Worker: 2")
	assert.Equal(t, uint64(1), c.Health().EventsCount)
}

func TestConsumer_VerboseJSON(t *testing.T) {
	out := &captured{}
	cfg := DefaultConfig()
	cfg.LogLevel = LogLevelVerbose
	cfg.LogFormat = LogFormatJSON
	cfg.StatsEvery = 1
	c, err := NewConsumer(cfg, out.logger())
	require.NoError(t, err)

	require.NoError(t, c.HandleEvent(sampleEvent("srv tp 001")))

	logged := out.all()
	assert.Contains(t, logged, "main.handle (main.go:20)")
	assert.Contains(t, logged, "trace_id")
	assert.Contains(t, logged, "samples_by_thread")
}

func TestConsumer_Filters(t *testing.T) {
	out := &captured{}
	cfg := DefaultConfig()
	cfg.ThreadFilter = []string{"srv tp 001"}
	cfg.EventTypeFilter = []string{string(metrics.EventTypeSample)}
	c, err := NewConsumer(cfg, out.logger())
	require.NoError(t, err)

	require.NoError(t, c.HandleEvent(sampleEvent("reactor")))
	require.NoError(t, c.HandleEvent(metrics.Event{EventType: metrics.EventTypeSession, Data: &metrics.SessionEvent{}}))
	assert.Zero(t, c.Health().EventsCount)

	require.NoError(t, c.HandleEvent(sampleEvent("srv tp 001")))
	assert.Equal(t, uint64(1), c.Health().EventsCount)
}

func TestConsumer_UnexpectedPayload(t *testing.T) {
	c, err := NewConsumer(DefaultConfig(), logr.Discard())
	require.NoError(t, err)

	err = c.HandleEvent(metrics.Event{EventType: metrics.EventTypeSample, Data: "not a sample"})
	require.Error(t, err)

	health := c.Health()
	assert.Equal(t, uint64(1), health.ErrorsCount)
	assert.Error(t, health.LastError)
}
