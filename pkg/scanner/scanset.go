// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner

import (
	"github.com/go-logr/logr"
)

// ScanSet is the registry filtered by a session, as of one recompute.
type ScanSet struct {
	Threads    []*Thread
	Session    *Session
	Generation uint64
}

// Len returns the number of selected threads.
func (s ScanSet) Len() int { return len(s.Threads) }

// Contains reports whether t is selected.
func (s ScanSet) Contains(t *Thread) bool {
	for _, candidate := range s.Threads {
		if candidate == t {
			return true
		}
	}
	return false
}

func (s ScanSet) sameMembers(other ScanSet) bool {
	if len(s.Threads) != len(other.Threads) {
		return false
	}
	for i := range s.Threads {
		if s.Threads[i] != other.Threads[i] {
			return false
		}
	}
	return true
}

// armer receives every scan set that must reach the sampler.
type armer interface {
	Arm(set ScanSet)
	Disarm()
}

// calculator derives the scan set. All of its state is guarded by the
// registry lock: every method is called from inside Registry.Do or from
// RegistryChanged.
type calculator struct {
	logger     logr.Logger
	session    *Session
	current    ScanSet
	generation uint64
	target     armer
}

func newCalculator(logger logr.Logger) *calculator {
	return &calculator{logger: logger.WithName("scanset")}
}

// RegistryChanged implements Observer.
func (c *calculator) RegistryChanged(live []*Thread) {
	if c.session == nil {
		return
	}
	c.recompute(live, false)
}

// setSession replaces the session and recomputes. A nil session clears the
// scan set and disarms the target.
func (c *calculator) setSession(s *Session, live []*Thread) {
	c.session = s
	if s == nil {
		c.generation++
		c.current = ScanSet{Generation: c.generation}
		if c.target != nil {
			c.target.Disarm()
		}
		return
	}
	c.recompute(live, true)
}

// setTarget changes where scan sets are published. The current set is
// published immediately when a session exists.
func (c *calculator) setTarget(target armer, live []*Thread) {
	c.target = target
	if c.session != nil {
		c.recompute(live, true)
	}
}

// recompute filters live with the session predicate. Unless force is set,
// a result with unchanged membership is not published.
func (c *calculator) recompute(live []*Thread, force bool) {
	selected := make([]*Thread, 0, len(live))
	for _, t := range live {
		if c.session.Filter.Match(t) {
			selected = append(selected, t)
		}
	}

	c.generation++
	next := ScanSet{
		Threads:    selected,
		Session:    c.session,
		Generation: c.generation,
	}
	changed := force || !next.sameMembers(c.current)
	c.current = next

	if !changed {
		c.logger.V(2).Info("scan set unchanged", "generation", next.Generation, "threads", next.Len())
		return
	}
	c.logger.V(1).Info("scan set recomputed",
		"generation", next.Generation,
		"threads", next.Len(),
		"live", len(live),
		"filter", c.session.Filter.String())

	if c.target != nil {
		c.target.Arm(next)
	}
}
