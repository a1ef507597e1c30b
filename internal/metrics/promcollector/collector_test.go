// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package promcollector_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yfractal/sdb/internal/metrics"
	"github.com/yfractal/sdb/internal/metrics/promcollector"
	"github.com/yfractal/sdb/pkg/sampler"
	"github.com/yfractal/sdb/pkg/scanner"
)

type profilerStats scanner.Stats

func (s profilerStats) Stats() scanner.Stats { return scanner.Stats(s) }

type samplerStats sampler.Stats

func (s samplerStats) Stats() sampler.Stats { return sampler.Stats(s) }

type routerStats metrics.RouterStats

func (s routerStats) GetStats() metrics.RouterStats { return metrics.RouterStats(s) }

func scrape(t *testing.T, c *promcollector.Collector) string {
	t.Helper()

	h, err := promcollector.Handler(c)
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollector_AllSources(t *testing.T) {
	session, err := scanner.NewSession(scanner.WorkerPoolThreads(), 2*time.Millisecond)
	require.NoError(t, err)

	c := promcollector.NewCollector(
		profilerStats{
			Threads:      5,
			ScanSetSize:  3,
			Generation:   7,
			Session:      session,
			ForkState:    scanner.ForkWorker,
			Registered:   9,
			Deregistered: 4,
			Scheduler: scanner.SchedulerStats{
				State:         scanner.StateRunning,
				Arms:          7,
				Passes:        6,
				Failures:      1,
				SessionAborts: 0,
			},
		},
		samplerStats{Rounds: 100, Samples: 300, EmitErrors: 2, Unmatched: 50},
		routerStats{
			ConsumerCount: 1,
			Published:     300,
			Failed:        2,
			Consumers: map[string]metrics.ConsumerHealth{
				"pprof": {Healthy: false, LastError: errors.New("full"), EventsCount: 298, ErrorsCount: 2},
			},
		},
	)

	body := scrape(t, c)

	for _, line := range []string{
		"sdb_threads 5",
		"sdb_scan_set_threads 3",
		"sdb_scan_set_generation 7",
		"sdb_threads_registered_total 9",
		"sdb_threads_deregistered_total 4",
		`sdb_session_active{filter="name-contains"} 1`,
		"sdb_session_interval_seconds 0.002",
		`sdb_fork_state{state="worker"} 1`,
		`sdb_fork_state{state="unforked"} 0`,
		`sdb_scheduler_state{state="running"} 1`,
		`sdb_scheduler_state{state="idle"} 0`,
		"sdb_scheduler_arms_total 7",
		"sdb_scheduler_passes_total 6",
		"sdb_scheduler_pass_failures_total 1",
		"sdb_sampler_rounds_total 100",
		"sdb_sampler_samples_total 300",
		"sdb_sampler_emit_errors_total 2",
		"sdb_sampler_unmatched_total 50",
		"sdb_export_events_total 300",
		"sdb_export_failures_total 2",
		`sdb_export_consumer_healthy{consumer="pprof"} 0`,
		`sdb_export_consumer_events_total{consumer="pprof"} 298`,
		`sdb_export_consumer_errors_total{consumer="pprof"} 2`,
		"go_goroutines",
	} {
		assert.Contains(t, body, line)
	}
}

func TestCollector_NoSession(t *testing.T) {
	c := promcollector.NewCollector(profilerStats{}, nil, nil)
	body := scrape(t, c)

	assert.Contains(t, body, "sdb_threads 0")
	assert.NotContains(t, body, "sdb_session_active")
	assert.NotContains(t, body, "sdb_sampler_rounds_total")
	assert.NotContains(t, body, "sdb_export_events_total")
}

func TestCollector_Describe(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(promcollector.NewCollector(profilerStats{}, samplerStats{}, routerStats{})))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
