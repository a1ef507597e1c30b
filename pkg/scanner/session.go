// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one scanning request: the filter selecting threads and the
// interval the sampler waits between captures. A Session is never modified;
// starting a new one replaces it.
type Session struct {
	ID        uuid.UUID
	Filter    Filter
	Interval  time.Duration
	StartedAt time.Time
}

// NewSession validates interval and builds a session with a fresh id.
func NewSession(filter Filter, interval time.Duration) (*Session, error) {
	if interval < 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidInterval, interval)
	}
	if filter.Match == nil {
		return nil, fmt.Errorf("filter %s has no predicate", filter)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	return &Session{
		ID:        id,
		Filter:    filter,
		Interval:  interval,
		StartedAt: time.Now(),
	}, nil
}

// Spec returns the portable description of the session.
func (s *Session) Spec() SessionSpec {
	return SessionSpec{
		FilterKind: s.Filter.Kind,
		FilterArg:  s.Filter.Arg,
		Interval:   s.Interval,
	}
}

// SessionSpec describes a session well enough to restart it in another
// process. Only filters registered with RegisterFilter survive the trip.
type SessionSpec struct {
	FilterKind string        `json:"filter_kind"`
	FilterArg  string        `json:"filter_arg,omitempty"`
	Interval   time.Duration `json:"interval"`
}

// Session rebuilds the described session with a fresh ID.
func (s SessionSpec) Session() (*Session, error) {
	filter, err := LookupFilter(s.FilterKind, s.FilterArg)
	if err != nil {
		return nil, err
	}
	return NewSession(filter, s.Interval)
}

// Encode returns s in the form carried by the SDB_SESSION variable.
func (s SessionSpec) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode session spec: %w", err)
	}
	return string(data), nil
}

// DecodeSessionSpec parses a value produced by SessionSpec.Encode.
func DecodeSessionSpec(value string) (SessionSpec, error) {
	var spec SessionSpec
	if err := json.Unmarshal([]byte(value), &spec); err != nil {
		return SessionSpec{}, fmt.Errorf("failed to decode session spec: %w", err)
	}
	return spec, nil
}

type sessionKey struct{}

// ContextWithSession returns a copy of ctx carrying s.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session a sampler pass belongs to.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
