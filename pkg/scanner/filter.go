// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Predicate decides whether a thread is sampled. It runs inside the registry
// critical section: it must be pure, must not block and must only look at
// the thread's own metadata.
type Predicate func(t *Thread) bool

// Filter is a named Predicate. Kind and Arg describe it well enough to be
// rebuilt in another process through LookupFilter; filters built with
// CustomFilter cannot be rebuilt.
type Filter struct {
	Kind  string
	Arg   string
	Match Predicate
}

func (f Filter) String() string {
	if f.Arg == "" {
		return f.Kind
	}
	return fmt.Sprintf("%s(%q)", f.Kind, f.Arg)
}

// Portable reports whether the filter can be rebuilt from Kind and Arg.
func (f Filter) Portable() bool {
	return f.CheckPortable() == nil
}

// CheckPortable returns why the filter cannot be rebuilt from Kind and Arg, or
// nil when it can.
func (f Filter) CheckPortable() error {
	_, err := LookupFilter(f.Kind, f.Arg)
	return err
}

const (
	FilterKindAll          = "all"
	FilterKindNameContains = "name-contains"
	FilterKindNamePrefix   = "name-prefix"
	FilterKindCustom       = "custom"

	// WorkerPoolThreadMarker is the name fragment carried by request handling
	// threads of the worker pool.
	WorkerPoolThreadMarker = "srv tp"
)

// FilterFactory builds a Filter of one kind from its argument.
type FilterFactory func(arg string) (Filter, error)

var (
	filtersMu    sync.RWMutex
	filters      = make(map[string]FilterFactory)
	filterLogger = stdr.New(log.New(os.Stderr, "[scanner.filters] ", log.LstdFlags))
)

func init() {
	RegisterFilter(FilterKindAll, func(string) (Filter, error) {
		return AllThreads(), nil
	})
	RegisterFilter(FilterKindNameContains, func(arg string) (Filter, error) {
		if arg == "" {
			return Filter{}, fmt.Errorf("%s filter needs a non-empty substring", FilterKindNameContains)
		}
		return NameContains(arg), nil
	})
	RegisterFilter(FilterKindNamePrefix, func(arg string) (Filter, error) {
		if arg == "" {
			return Filter{}, fmt.Errorf("%s filter needs a non-empty prefix", FilterKindNamePrefix)
		}
		return NamePrefix(arg), nil
	})
}

// RegisterFilter adds a filter factory under kind. It is meant to be called
// from init functions and panics if kind is already registered.
func RegisterFilter(kind string, factory FilterFactory) {
	filtersMu.Lock()
	defer filtersMu.Unlock()

	if _, exists := filters[kind]; exists {
		panic(fmt.Sprintf("filter %s already registered", kind))
	}
	filters[kind] = factory
	filterLogger.V(1).Info("registered filter", "kind", kind)
}

// LookupFilter builds the filter registered under kind.
func LookupFilter(kind, arg string) (Filter, error) {
	filtersMu.RLock()
	factory, exists := filters[kind]
	filtersMu.RUnlock()

	if !exists {
		return Filter{}, fmt.Errorf("%w: %s", ErrUnknownFilter, kind)
	}
	f, err := factory(arg)
	if err != nil {
		return Filter{}, fmt.Errorf("failed to build %s filter: %w", kind, err)
	}
	return f, nil
}

// FilterKinds returns the registered filter kinds, sorted.
func FilterKinds() []string {
	filtersMu.RLock()
	defer filtersMu.RUnlock()

	kinds := make([]string, 0, len(filters))
	for kind := range filters {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// SetFilterLogger replaces the logger used by the filter registry.
func SetFilterLogger(logger logr.Logger) {
	filtersMu.Lock()
	defer filtersMu.Unlock()
	filterLogger = logger
}

// AllThreads selects every registered thread.
func AllThreads() Filter {
	return Filter{
		Kind:  FilterKindAll,
		Match: func(*Thread) bool { return true },
	}
}

// NameContains selects threads whose name contains sub.
func NameContains(sub string) Filter {
	return Filter{
		Kind:  FilterKindNameContains,
		Arg:   sub,
		Match: func(t *Thread) bool { return strings.Contains(t.Name(), sub) },
	}
}

// NamePrefix selects threads whose name starts with prefix.
func NamePrefix(prefix string) Filter {
	return Filter{
		Kind:  FilterKindNamePrefix,
		Arg:   prefix,
		Match: func(t *Thread) bool { return strings.HasPrefix(t.Name(), prefix) },
	}
}

// WorkerPoolThreads selects the request handling threads of the worker pool.
func WorkerPoolThreads() Filter {
	return NameContains(WorkerPoolThreadMarker)
}

// CustomFilter wraps an arbitrary predicate. name is only used for logging.
func CustomFilter(name string, match Predicate) Filter {
	return Filter{
		Kind:  FilterKindCustom,
		Arg:   name,
		Match: match,
	}
}
