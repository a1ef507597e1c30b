// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sampler captures the stacks of registered goroutines.
//
// GoroutineSampler implements scanner.Sampler on top of the runtime's
// goroutine profile. Every goroutine started through scanner.Spawn carries
// the scanner labels, which is how its stack is found in the profile.
// Goroutines started by a thread body inherit those labels; their stacks are
// told apart by the thread's entry function and dropped.
package sampler

import (
	"bytes"
	"context"
	"fmt"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/pprof/profile"
	"github.com/google/uuid"

	"github.com/yfractal/sdb/pkg/scanner"
)

var _ scanner.Sampler = (*GoroutineSampler)(nil)

const defaultMaxFrames = 64

type captureFunc func() (*profile.Profile, error)

// captureGoroutines returns the labelled goroutine profile of the process.
func captureGoroutines() (*profile.Profile, error) {
	p := pprof.Lookup("goroutine")
	if p == nil {
		return nil, fmt.Errorf("goroutine profile not available")
	}
	var buf bytes.Buffer
	if err := p.WriteTo(&buf, 0); err != nil {
		return nil, fmt.Errorf("writing goroutine profile: %w", err)
	}
	prof, err := profile.Parse(&buf)
	if err != nil {
		return nil, fmt.Errorf("parsing goroutine profile: %w", err)
	}
	return prof, nil
}

// Stats are the cumulative counters of a GoroutineSampler.
type Stats struct {
	Rounds      uint64
	Samples     uint64
	EmitErrors  uint64
	Unmatched   uint64
	LastRoundAt time.Time
}

// GoroutineSampler samples the goroutines of a scan set repeatedly until
// the pass context is done.
type GoroutineSampler struct {
	sink      Sink
	logger    logr.Logger
	maxFrames int
	capture   captureFunc

	rounds      atomic.Uint64
	samples     atomic.Uint64
	emitErrors  atomic.Uint64
	unmatched   atomic.Uint64
	lastRoundAt atomic.Pointer[time.Time]
}

type Option func(s *GoroutineSampler)

func WithLogger(logger logr.Logger) Option {
	return func(s *GoroutineSampler) {
		s.logger = logger
	}
}

// WithMaxFrames truncates stacks to the n innermost frames.
func WithMaxFrames(n int) Option {
	return func(s *GoroutineSampler) {
		s.maxFrames = n
	}
}

func New(sink Sink, opts ...Option) *GoroutineSampler {
	s := &GoroutineSampler{
		sink:      sink,
		logger:    logr.Discard(),
		maxFrames: defaultMaxFrames,
		capture:   captureGoroutines,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithName("sampler")
	return s
}

// Pull implements scanner.Sampler. Cancellation of ctx ends the pass
// normally; only capture failures are returned.
func (s *GoroutineSampler) Pull(ctx context.Context, threads []*scanner.Thread, interval time.Duration) error {
	if len(threads) == 0 {
		<-ctx.Done()
		return nil
	}

	index := make(map[string]*scanner.Thread, len(threads))
	for _, t := range threads {
		index[t.ID().String()] = t
	}

	var sessionID string
	if session, ok := scanner.SessionFromContext(ctx); ok {
		sessionID = session.ID.String()
	}
	s.logger.V(1).Info("pull pass started", "threads", len(threads), "interval", interval, "session", sessionID)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.round(ctx, index); err != nil {
			return err
		}
		if err := pause(ctx, interval); err != nil {
			return nil
		}
	}
}

// round captures one goroutine profile and emits a sample per scanned
// thread found in it.
func (s *GoroutineSampler) round(ctx context.Context, index map[string]*scanner.Thread) error {
	prof, err := s.capture()
	if err != nil {
		return fmt.Errorf("capture round failed: %w", err)
	}

	now := time.Now()
	if prof.TimeNanos != 0 {
		now = time.Unix(0, prof.TimeNanos)
	}

	var sessionID uuid.UUID
	if session, ok := scanner.SessionFromContext(ctx); ok {
		sessionID = session.ID
	}

	for _, ps := range prof.Sample {
		ids := ps.Label[scanner.LabelThreadID]
		if len(ids) == 0 {
			continue
		}
		thread, ok := index[ids[0]]
		if !ok || !ownStack(thread, ps) {
			s.unmatched.Add(1)
			continue
		}

		sample := Sample{
			Time:       now,
			SessionID:  sessionID,
			ThreadID:   thread.ID(),
			ThreadName: thread.Name(),
			NativeID:   thread.NativeID(),
			TraceID:    thread.TraceID(),
			Frames:     s.frames(ps),
			Count:      1,
		}
		if len(ps.Value) > 0 {
			sample.Count = ps.Value[0]
		}

		s.samples.Add(1)
		if err := s.sink.Emit(sample); err != nil {
			s.emitErrors.Add(1)
			s.logger.V(1).Info("failed to emit sample", "thread", thread.Name(), "error", err)
		}
	}

	s.rounds.Add(1)
	s.lastRoundAt.Store(&now)
	return nil
}

// truncatedDepth is the smallest stack the runtime may have cut short in a
// goroutine profile.
const truncatedDepth = 32

// ownStack reports whether ps is the stack of thread itself rather than of a
// goroutine started by its body, which inherits the thread labels. A stack
// cut at the profile depth limit has lost its entry frame and is kept.
func ownStack(thread *scanner.Thread, ps *profile.Sample) bool {
	entry := thread.EntryFunction()
	if entry == "" {
		return true
	}
	root, complete := rootFunction(ps)
	if root == entry {
		return true
	}
	return !complete && len(ps.Location) >= truncatedDepth
}

// rootFunction returns the outermost function of ps below runtime.goexit.
// complete is false when the stack does not reach runtime.goexit.
func rootFunction(ps *profile.Sample) (root string, complete bool) {
	for i := len(ps.Location) - 1; i >= 0; i-- {
		lines := ps.Location[i].Line
		for j := len(lines) - 1; j >= 0; j-- {
			if lines[j].Function == nil {
				continue
			}
			name := lines[j].Function.Name
			if name == scanner.GoexitFunction {
				complete = true
				continue
			}
			return name, complete
		}
	}
	return "", complete
}

func (s *GoroutineSampler) frames(ps *profile.Sample) []Frame {
	frames := make([]Frame, 0, len(ps.Location))
	for _, loc := range ps.Location {
		// Inlined calls share a location; Line is ordered callee first.
		for _, line := range loc.Line {
			if s.maxFrames > 0 && len(frames) >= s.maxFrames {
				return frames
			}
			var fr Frame
			if line.Function != nil {
				fr.Function = line.Function.Name
				fr.File = line.Function.Filename
			}
			fr.Line = line.Line
			frames = append(frames, fr)
		}
	}
	return frames
}

func (s *GoroutineSampler) Stats() Stats {
	st := Stats{
		Rounds:     s.rounds.Load(),
		Samples:    s.samples.Load(),
		EmitErrors: s.emitErrors.Load(),
		Unmatched:  s.unmatched.Load(),
	}
	if t := s.lastRoundAt.Load(); t != nil {
		st.LastRoundAt = *t
	}
	return st
}
