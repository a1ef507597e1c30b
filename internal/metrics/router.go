// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/yfractal/sdb/pkg/sampler"
)

var (
	_ Publisher    = (*Router)(nil)
	_ sampler.Sink = (*Router)(nil)
)

var (
	// ErrRouterClosed is returned when attempting to publish to a closed router
	ErrRouterClosed = errors.New("event router is closed")
)

// Origin is stamped on every event the router builds from a sample.
type Origin struct {
	Hostname string
	PID      int
	Worker   int
}

// LocalOrigin describes the current process.
func LocalOrigin(worker int) Origin {
	hostname, _ := os.Hostname()
	return Origin{Hostname: hostname, PID: os.Getpid(), Worker: worker}
}

// Router delivers events to every registered consumer. It also implements
// sampler.Sink so a sampler can publish into it directly.
type Router struct {
	logger    logr.Logger
	origin    Origin
	mu        sync.RWMutex
	consumers map[string]Consumer
	closed    bool

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewRouter(origin Origin, logger logr.Logger) *Router {
	return &Router{
		logger:    logger.WithName("event-router"),
		origin:    origin,
		consumers: make(map[string]Consumer),
	}
}

// Start blocks until ctx is cancelled, then closes the router.
func (r *Router) Start(ctx context.Context) error {
	r.logger.Info("Starting event router")

	<-ctx.Done()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.logger.Info("Event router shutdown")
	return nil
}

// RegisterConsumer adds a consumer to receive events. The consumer must
// already be started.
func (r *Router) RegisterConsumer(consumer Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := consumer.Name()
	if _, exists := r.consumers[name]; exists {
		return fmt.Errorf("consumer %s already registered", name)
	}

	r.consumers[name] = consumer
	r.logger.Info("Consumer registered", "consumer", name)
	return nil
}

func (r *Router) UnregisterConsumer(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.consumers[name]; !exists {
		return fmt.Errorf("consumer %s not found", name)
	}

	delete(r.consumers, name)
	r.logger.Info("Consumer unregistered", "consumer", name)
	return nil
}

// Publish hands event to every consumer. A failing consumer does not stop
// delivery to the others; the last error is returned.
func (r *Router) Publish(event Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrRouterClosed
	}

	r.published.Add(1)
	var lastErr error
	for name, consumer := range r.consumers {
		if err := consumer.HandleEvent(event); err != nil {
			r.logger.V(1).Info("Failed to handle event in consumer",
				"consumer", name, "error", err)
			r.failed.Add(1)
			lastErr = err
		}
	}

	return lastErr
}

func (r *Router) PublishBatch(events []Event) error {
	for _, event := range events {
		if err := r.Publish(event); err != nil {
			return err
		}
	}
	return nil
}

// Emit implements sampler.Sink.
func (r *Router) Emit(sample sampler.Sample) error {
	return r.Publish(r.newEvent("sampler", EventTypeSample, sample.Time, &sample))
}

// PublishSession reports a session change to the consumers.
func (r *Router) PublishSession(source string, session SessionEvent) error {
	return r.Publish(r.newEvent(source, EventTypeSession, time.Now(), &session))
}

func (r *Router) newEvent(source string, eventType EventType, ts time.Time, data any) Event {
	return Event{
		Timestamp: ts,
		Source:    source,
		Hostname:  r.origin.Hostname,
		PID:       r.origin.PID,
		Worker:    r.origin.Worker,
		EventType: eventType,
		Data:      data,
	}
}

// GetStats returns router statistics
func (r *Router) GetStats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	consumerStats := make(map[string]ConsumerHealth, len(r.consumers))
	for name, consumer := range r.consumers {
		consumerStats[name] = consumer.Health()
	}

	return RouterStats{
		ConsumerCount: len(r.consumers),
		Published:     r.published.Load(),
		Failed:        r.failed.Load(),
		Consumers:     consumerStats,
	}
}

// RouterStats contains metrics about the event router
type RouterStats struct {
	ConsumerCount int
	Published     uint64
	Failed        uint64
	Consumers     map[string]ConsumerHealth
}
