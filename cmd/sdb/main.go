// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command sdb runs a demo server whose worker pool is continuously sampled
// by the in-process stack profiler. With cluster.workers set it becomes a
// master supervising that many worker processes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"

	"github.com/yfractal/sdb/internal/cluster"
	"github.com/yfractal/sdb/internal/config"
	"github.com/yfractal/sdb/internal/control"
	"github.com/yfractal/sdb/internal/metrics"
	"github.com/yfractal/sdb/internal/metrics/consumers/debug"
	"github.com/yfractal/sdb/internal/metrics/consumers/pprof"
	"github.com/yfractal/sdb/internal/metrics/promcollector"
	"github.com/yfractal/sdb/internal/workload"
	"github.com/yfractal/sdb/pkg/sampler"
	"github.com/yfractal/sdb/pkg/scanner"
)

var (
	setupLog logr.Logger

	// CLI Options (alphabetical order)
	development bool
	jobEvery    time.Duration
	lockThreads bool
	metricsAddr string
	poolSize    int
	verbosity   int
	workers     int
)

func init() {
	flag.BoolVar(&development, "development", false,
		"Use the human readable development log encoder")
	flag.DurationVar(&jobEvery, "job-interval", 5*time.Millisecond,
		"How often the demo load generator submits a job. Set to 0 to disable the load generator")
	flag.BoolVar(&lockThreads, "lock-os-threads", false,
		"Pin every worker of the pool to its own OS thread")
	flag.StringVar(&metricsAddr, "metrics-bind-address", "",
		"The address the Prometheus endpoint binds to. Overrides metrics.addr of the config file")
	flag.IntVar(&poolSize, "pool-size", 4,
		"Number of worker threads of the demo pool")
	flag.IntVar(&verbosity, "v", -1,
		"Log verbosity. Overrides logging.verbosity of the config file")
	flag.IntVar(&workers, "workers", -1,
		"Number of worker processes. Overrides cluster.workers of the config file")
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLog := stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName("setup")
	cfg, watcher, err := config.LoadDefault(bootLog)
	if err != nil {
		bootLog.Error(err, "unable to load configuration", "path", config.Path())
		os.Exit(1)
	}
	applyFlags(&cfg)

	logger, syncLogs, err := newLogger(cfg.Logging)
	if err != nil {
		bootLog.Error(err, "unable to create logger")
		os.Exit(1)
	}
	defer syncLogs()
	setupLog = logger.WithName("setup")
	scanner.SetFilterLogger(logger.WithName("filters"))

	if err := run(ctx, cfg, watcher, logger); err != nil {
		setupLog.Error(err, "problem running sdb")
		syncLogs()
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config) {
	if workers >= 0 {
		cfg.Cluster.Workers = workers
	}
	if verbosity >= 0 {
		cfg.Logging.Verbosity = verbosity
	}
	if development {
		cfg.Logging.Development = true
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
}

func run(ctx context.Context, cfg config.Config, watcher *config.FSWatcher, logger logr.Logger) error {
	if watcher != nil {
		defer func() {
			if err := watcher.Close(); err != nil {
				setupLog.Error(err, "unable to close config watcher")
			}
		}()
	}

	workerIndex, isWorker := cluster.WorkerIndex()
	isMaster := cfg.Cluster.Workers > 0 && !isWorker

	// Setup export pipeline
	router := metrics.NewRouter(metrics.LocalOrigin(workerIndex), logger)
	go func() {
		if err := router.Start(ctx); err != nil {
			setupLog.Error(err, "event router stopped")
		}
	}()
	stopConsumers, err := setupConsumers(ctx, cfg.Export, router, logger)
	if err != nil {
		return err
	}
	defer stopConsumers()

	// Setup profiler
	goroutineSampler := sampler.New(router, sampler.WithLogger(logger))
	prof, err := scanner.New(goroutineSampler,
		scanner.WithLogger(logger),
		scanner.WithSchedulerOptions(
			scanner.WithMaxConsecutiveFailures(cfg.Scan.MaxConsecutiveFailures),
		),
	)
	if err != nil {
		return fmt.Errorf("unable to create profiler: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Cluster.ShutdownTimeout)
		defer cancel()
		if err := prof.Close(shutdownCtx); err != nil {
			setupLog.Error(err, "unable to stop profiler")
		}
	}()

	if cfg.Metrics.Addr != "" {
		shutdownMetrics, err := serveMetrics(cfg.Metrics, promcollector.NewCollector(prof, goroutineSampler, router))
		if err != nil {
			return err
		}
		defer shutdownMetrics()
	}

	ctrl := control.NewController(prof, router, logger)

	if isMaster {
		if err := ctrl.ApplyAsMaster(ctx, prof, cfg.Scan); err != nil {
			return err
		}
		if watcher != nil {
			go ctrl.Run(ctx, watcher.Watch())
		}
		return runMaster(ctx, cfg.Cluster, prof, logger)
	}

	if isWorker {
		worker, workerCtx, err := cluster.StartWorker(ctx, prof, logger)
		if err != nil {
			return fmt.Errorf("unable to start worker: %w", err)
		}
		ctx = workerCtx
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Cluster.ShutdownTimeout)
			defer cancel()
			if err := worker.Shutdown(shutdownCtx); err != nil {
				setupLog.Error(err, "unable to shut worker down")
			}
		}()
		ctrl.Adopt(cfg.Scan)
	} else if err := ctrl.Apply(cfg.Scan); err != nil {
		return err
	}

	if watcher != nil {
		go ctrl.Run(ctx, watcher.Watch())
	}

	return serve(ctx, cfg, prof, logger)
}

func runMaster(ctx context.Context, cfg config.ClusterConfig, prof *scanner.Profiler, logger logr.Logger) error {
	master, err := cluster.NewMaster(prof, cluster.Config{
		Workers:           cfg.Workers,
		MaxRestarts:       cfg.MaxRestarts,
		RestartBackoffMax: cfg.RestartBackoffMax,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("unable to create cluster master: %w", err)
	}

	setupLog.Info("starting master", "workers", cfg.Workers)
	return master.Run(ctx)
}

// serve runs the demo worker pool until ctx is done.
func serve(ctx context.Context, cfg config.Config, prof *scanner.Profiler, logger logr.Logger) error {
	poolCfg := workload.DefaultConfig()
	poolCfg.Size = poolSize
	poolCfg.LockOSThread = lockThreads

	pool, err := workload.NewPool(prof, poolCfg, logger)
	if err != nil {
		return fmt.Errorf("unable to create worker pool: %w", err)
	}
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("unable to start worker pool: %w", err)
	}

	var loadGen *scanner.Thread
	if jobEvery > 0 {
		loadGen = prof.Go(ctx, "load generator", func(ctx context.Context) error {
			return generateLoad(ctx, pool, jobEvery, logger.WithName("load"))
		})
	}

	setupLog.Info("serving", "pool", poolCfg.Name, "workers", poolCfg.Size, "session", sessionID(prof))
	<-ctx.Done()
	setupLog.Info("shutting down", "cause", context.Cause(ctx))

	if loadGen != nil {
		<-loadGen.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Cluster.ShutdownTimeout)
	defer cancel()
	return pool.Close(shutdownCtx)
}

func setupConsumers(ctx context.Context, cfg config.ExportConfig, router *metrics.Router, logger logr.Logger) (func(), error) {
	stop := func() {}

	// Register Debug consumer if enabled
	if debug.IsEnabled() || cfg.Debug.Enabled {
		debugConfig, err := debugConsumerConfig(cfg.Debug)
		if err != nil {
			return stop, fmt.Errorf("invalid debug consumer config: %w", err)
		}
		debugConsumer, err := debug.NewConsumer(debugConfig, logger)
		if err != nil {
			return stop, fmt.Errorf("unable to create debug consumer: %w", err)
		}
		if err := debugConsumer.Start(ctx); err != nil {
			return stop, fmt.Errorf("unable to start debug consumer: %w", err)
		}
		if err := router.RegisterConsumer(debugConsumer); err != nil {
			return stop, fmt.Errorf("unable to register debug consumer: %w", err)
		}
		setupLog.Info("Debug consumer started and registered")
	}

	// Register pprof file consumer if enabled
	if pprof.IsEnabled() || cfg.Pprof.Enabled {
		pprofConfig := pprof.GetConfigFromFlags()
		if !pprof.IsEnabled() {
			pprofConfig.Dir = cfg.Pprof.Dir
			pprofConfig.FlushInterval = cfg.Pprof.FlushInterval
		}
		pprofConsumer, err := pprof.NewConsumer(pprofConfig, logger)
		if err != nil {
			return stop, fmt.Errorf("unable to create pprof consumer: %w", err)
		}
		if err := pprofConsumer.Start(ctx); err != nil {
			return stop, fmt.Errorf("unable to start pprof consumer: %w", err)
		}
		if err := router.RegisterConsumer(pprofConsumer); err != nil {
			pprofConsumer.Stop()
			return stop, fmt.Errorf("unable to register pprof consumer: %w", err)
		}
		stop = pprofConsumer.Stop
		setupLog.Info("pprof consumer started and registered", "dir", pprofConfig.Dir)
	}

	return stop, nil
}

func debugConsumerConfig(cfg config.DebugExportConfig) (debug.Config, error) {
	if debug.IsEnabled() {
		return debug.GetConfigFromFlags()
	}

	debugConfig := debug.DefaultConfig()
	level, err := debug.ParseLogLevel(cfg.Level)
	if err != nil {
		return debug.Config{}, err
	}
	debugConfig.LogLevel = level
	debugConfig.LogFormat = debug.LogFormat(cfg.Format)
	return debugConfig, debugConfig.Validate()
}

func serveMetrics(cfg config.MetricsConfig, collector *promcollector.Collector) (func(), error) {
	handler, err := promcollector.Handler(collector)
	if err != nil {
		return nil, fmt.Errorf("unable to register metrics collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, handler)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		setupLog.Info("serving metrics", "addr", cfg.Addr, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			setupLog.Error(err, "metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			setupLog.Error(err, "unable to stop metrics server")
		}
	}, nil
}

func sessionID(prof *scanner.Profiler) string {
	if s := prof.Session(); s != nil {
		return s.ID.String()
	}
	return "none"
}
