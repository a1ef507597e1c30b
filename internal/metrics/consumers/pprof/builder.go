// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pprof

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/pprof/profile"

	"github.com/yfractal/sdb/pkg/sampler"
)

type funcKey struct {
	name string
	file string
}

type locKey struct {
	fn   *profile.Function
	line int64
}

// builder aggregates samples into one profile. Samples of the same thread
// with the same stack are merged and their counts added.
type builder struct {
	start     time.Time
	prof      *profile.Profile
	functions map[funcKey]*profile.Function
	locations map[locKey]*profile.Location
	samples   map[string]*profile.Sample
}

func newBuilder(start time.Time) *builder {
	return &builder{
		start: start,
		prof: &profile.Profile{
			SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
			PeriodType: &profile.ValueType{Type: "wall", Unit: "nanoseconds"},
			Period:     1,
			TimeNanos:  start.UnixNano(),
		},
		functions: make(map[funcKey]*profile.Function),
		locations: make(map[locKey]*profile.Location),
		samples:   make(map[string]*profile.Sample),
	}
}

func (b *builder) stacks() int {
	return len(b.samples)
}

// add merges s into the profile. It reports false when s has a new stack
// and the profile already holds maxStacks of them.
func (b *builder) add(s *sampler.Sample, maxStacks int) bool {
	key := sampleKey(s)
	if existing, ok := b.samples[key]; ok {
		existing.Value[0] += s.Count
		return true
	}
	if len(b.samples) >= maxStacks {
		return false
	}

	locs := make([]*profile.Location, 0, len(s.Frames))
	for _, f := range s.Frames {
		locs = append(locs, b.location(f))
	}

	ps := &profile.Sample{
		Location: locs,
		Value:    []int64{s.Count},
		Label: map[string][]string{
			"thread_name": {s.ThreadName},
			"thread_id":   {s.ThreadID.String()},
		},
	}
	if s.TraceID != 0 {
		ps.NumLabel = map[string][]int64{"trace_id": {int64(s.TraceID)}}
	}
	b.samples[key] = ps
	b.prof.Sample = append(b.prof.Sample, ps)
	return true
}

func (b *builder) location(f sampler.Frame) *profile.Location {
	fk := funcKey{name: f.Function, file: f.File}
	fn, ok := b.functions[fk]
	if !ok {
		fn = &profile.Function{
			ID:         uint64(len(b.prof.Function) + 1),
			Name:       f.Function,
			SystemName: f.Function,
			Filename:   f.File,
		}
		b.prof.Function = append(b.prof.Function, fn)
		b.functions[fk] = fn
	}

	lk := locKey{fn: fn, line: f.Line}
	loc, ok := b.locations[lk]
	if !ok {
		loc = &profile.Location{
			ID:   uint64(len(b.prof.Location) + 1),
			Line: []profile.Line{{Function: fn, Line: f.Line}},
		}
		b.prof.Location = append(b.prof.Location, loc)
		b.locations[lk] = loc
	}
	return loc
}

func (b *builder) finish(end time.Time, comments ...string) (*profile.Profile, error) {
	b.prof.DurationNanos = end.Sub(b.start).Nanoseconds()
	b.prof.Comments = comments
	if err := b.prof.CheckValid(); err != nil {
		return nil, err
	}
	return b.prof, nil
}

func sampleKey(s *sampler.Sample) string {
	var sb strings.Builder
	sb.WriteString(s.ThreadID.String())
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatUint(s.TraceID, 10))
	for _, f := range s.Frames {
		sb.WriteByte('|')
		sb.WriteString(f.Function)
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatInt(f.Line, 10))
	}
	return sb.String()
}
