// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package promcollector exposes the profiler, sampler and export router
// counters as Prometheus metrics.
package promcollector

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yfractal/sdb/internal/metrics"
	"github.com/yfractal/sdb/pkg/sampler"
	"github.com/yfractal/sdb/pkg/scanner"
)

const namespace = "sdb"

type ProfilerSource interface {
	Stats() scanner.Stats
}

type SamplerSource interface {
	Stats() sampler.Stats
}

type RouterSource interface {
	GetStats() metrics.RouterStats
}

var (
	threadsDesc = prometheus.NewDesc(
		namespace+"_threads",
		"Number of live registered threads",
		nil, nil,
	)
	scanSetDesc = prometheus.NewDesc(
		namespace+"_scan_set_threads",
		"Number of threads in the current scan set",
		nil, nil,
	)
	generationDesc = prometheus.NewDesc(
		namespace+"_scan_set_generation",
		"Generation of the last published scan set",
		nil, nil,
	)
	registeredDesc = prometheus.NewDesc(
		namespace+"_threads_registered_total",
		"Total number of thread registrations",
		nil, nil,
	)
	deregisteredDesc = prometheus.NewDesc(
		namespace+"_threads_deregistered_total",
		"Total number of thread deregistrations",
		nil, nil,
	)
	sessionDesc = prometheus.NewDesc(
		namespace+"_session_active",
		"Whether a scan session is active",
		[]string{"filter"}, nil,
	)
	intervalDesc = prometheus.NewDesc(
		namespace+"_session_interval_seconds",
		"Sampling interval of the active scan session",
		nil, nil,
	)
	forkStateDesc = prometheus.NewDesc(
		namespace+"_fork_state",
		"Fork lifecycle state of this process",
		[]string{"state"}, nil,
	)
	schedulerStateDesc = prometheus.NewDesc(
		namespace+"_scheduler_state",
		"State of the sampler scheduler",
		[]string{"state"}, nil,
	)
	armsDesc = prometheus.NewDesc(
		namespace+"_scheduler_arms_total",
		"Total number of scan sets handed to the scheduler",
		nil, nil,
	)
	passesDesc = prometheus.NewDesc(
		namespace+"_scheduler_passes_total",
		"Total number of sampler passes",
		nil, nil,
	)
	passFailuresDesc = prometheus.NewDesc(
		namespace+"_scheduler_pass_failures_total",
		"Total number of failed sampler passes",
		nil, nil,
	)
	abortsDesc = prometheus.NewDesc(
		namespace+"_scheduler_session_aborts_total",
		"Total number of sessions aborted after repeated failures",
		nil, nil,
	)
	lastPassDesc = prometheus.NewDesc(
		namespace+"_scheduler_last_pass_seconds",
		"Duration of the last completed sampler pass",
		nil, nil,
	)
	roundsDesc = prometheus.NewDesc(
		namespace+"_sampler_rounds_total",
		"Total number of stack sampling rounds",
		nil, nil,
	)
	samplesDesc = prometheus.NewDesc(
		namespace+"_sampler_samples_total",
		"Total number of stack samples emitted",
		nil, nil,
	)
	emitErrorsDesc = prometheus.NewDesc(
		namespace+"_sampler_emit_errors_total",
		"Total number of samples the sink rejected",
		nil, nil,
	)
	unmatchedDesc = prometheus.NewDesc(
		namespace+"_sampler_unmatched_total",
		"Total number of captured goroutines outside the scan set",
		nil, nil,
	)
	publishedDesc = prometheus.NewDesc(
		namespace+"_export_events_total",
		"Total number of events published to export consumers",
		nil, nil,
	)
	publishFailedDesc = prometheus.NewDesc(
		namespace+"_export_failures_total",
		"Total number of events at least one consumer failed to handle",
		nil, nil,
	)
	consumerHealthyDesc = prometheus.NewDesc(
		namespace+"_export_consumer_healthy",
		"Whether an export consumer is healthy",
		[]string{"consumer"}, nil,
	)
	consumerEventsDesc = prometheus.NewDesc(
		namespace+"_export_consumer_events_total",
		"Total number of events handled per export consumer",
		[]string{"consumer"}, nil,
	)
	consumerErrorsDesc = prometheus.NewDesc(
		namespace+"_export_consumer_errors_total",
		"Total number of errors per export consumer",
		[]string{"consumer"}, nil,
	)
)

var (
	forkStates      = []scanner.ForkState{scanner.ForkUnforked, scanner.ForkParentAwaitingFork, scanner.ForkWorker}
	schedulerStates = []scanner.State{scanner.StateIdle, scanner.StateArmed, scanner.StateRunning, scanner.StateStopping, scanner.StateStopped}
)

// Collector is a prometheus.Collector reading the counters of its sources on
// every scrape. Nil sources are skipped.
type Collector struct {
	profiler ProfilerSource
	sampler  SamplerSource
	router   RouterSource
}

func NewCollector(profiler ProfilerSource, sampler SamplerSource, router RouterSource) *Collector {
	return &Collector{profiler: profiler, sampler: sampler, router: router}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	if c.profiler != nil {
		for _, d := range []*prometheus.Desc{
			threadsDesc, scanSetDesc, generationDesc, registeredDesc, deregisteredDesc,
			sessionDesc, intervalDesc, forkStateDesc, schedulerStateDesc,
			armsDesc, passesDesc, passFailuresDesc, abortsDesc, lastPassDesc,
		} {
			ch <- d
		}
	}
	if c.sampler != nil {
		for _, d := range []*prometheus.Desc{roundsDesc, samplesDesc, emitErrorsDesc, unmatchedDesc} {
			ch <- d
		}
	}
	if c.router != nil {
		for _, d := range []*prometheus.Desc{
			publishedDesc, publishFailedDesc, consumerHealthyDesc, consumerEventsDesc, consumerErrorsDesc,
		} {
			ch <- d
		}
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.profiler != nil {
		c.collectProfiler(ch)
	}
	if c.sampler != nil {
		st := c.sampler.Stats()
		ch <- prometheus.MustNewConstMetric(roundsDesc, prometheus.CounterValue, float64(st.Rounds))
		ch <- prometheus.MustNewConstMetric(samplesDesc, prometheus.CounterValue, float64(st.Samples))
		ch <- prometheus.MustNewConstMetric(emitErrorsDesc, prometheus.CounterValue, float64(st.EmitErrors))
		ch <- prometheus.MustNewConstMetric(unmatchedDesc, prometheus.CounterValue, float64(st.Unmatched))
	}
	if c.router != nil {
		c.collectRouter(ch)
	}
}

func (c *Collector) collectProfiler(ch chan<- prometheus.Metric) {
	st := c.profiler.Stats()

	ch <- prometheus.MustNewConstMetric(threadsDesc, prometheus.GaugeValue, float64(st.Threads))
	ch <- prometheus.MustNewConstMetric(scanSetDesc, prometheus.GaugeValue, float64(st.ScanSetSize))
	ch <- prometheus.MustNewConstMetric(generationDesc, prometheus.GaugeValue, float64(st.Generation))
	ch <- prometheus.MustNewConstMetric(registeredDesc, prometheus.CounterValue, float64(st.Registered))
	ch <- prometheus.MustNewConstMetric(deregisteredDesc, prometheus.CounterValue, float64(st.Deregistered))

	if st.Session != nil {
		ch <- prometheus.MustNewConstMetric(sessionDesc, prometheus.GaugeValue, 1, st.Session.Filter.Kind)
		ch <- prometheus.MustNewConstMetric(intervalDesc, prometheus.GaugeValue, st.Session.Interval.Seconds())
	}

	for _, s := range forkStates {
		ch <- prometheus.MustNewConstMetric(forkStateDesc, prometheus.GaugeValue, boolValue(s == st.ForkState), s.String())
	}

	sched := st.Scheduler
	for _, s := range schedulerStates {
		ch <- prometheus.MustNewConstMetric(schedulerStateDesc, prometheus.GaugeValue, boolValue(s == sched.State), s.String())
	}
	ch <- prometheus.MustNewConstMetric(armsDesc, prometheus.CounterValue, float64(sched.Arms))
	ch <- prometheus.MustNewConstMetric(passesDesc, prometheus.CounterValue, float64(sched.Passes))
	ch <- prometheus.MustNewConstMetric(passFailuresDesc, prometheus.CounterValue, float64(sched.Failures))
	ch <- prometheus.MustNewConstMetric(abortsDesc, prometheus.CounterValue, float64(sched.SessionAborts))
	ch <- prometheus.MustNewConstMetric(lastPassDesc, prometheus.GaugeValue, sched.LastPassDuration.Seconds())
}

func (c *Collector) collectRouter(ch chan<- prometheus.Metric) {
	st := c.router.GetStats()

	ch <- prometheus.MustNewConstMetric(publishedDesc, prometheus.CounterValue, float64(st.Published))
	ch <- prometheus.MustNewConstMetric(publishFailedDesc, prometheus.CounterValue, float64(st.Failed))
	for name, h := range st.Consumers {
		ch <- prometheus.MustNewConstMetric(consumerHealthyDesc, prometheus.GaugeValue, boolValue(h.Healthy), name)
		ch <- prometheus.MustNewConstMetric(consumerEventsDesc, prometheus.CounterValue, float64(h.EventsCount), name)
		ch <- prometheus.MustNewConstMetric(consumerErrorsDesc, prometheus.CounterValue, float64(h.ErrorsCount), name)
	}
}

// Handler registers c on a fresh registry, together with the Go runtime and
// process collectors, and returns the HTTP handler serving it.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
