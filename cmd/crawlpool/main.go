// Package main is the process entry point for the scheduler core: it
// wires Snapshotter -> SystemStatus -> BrowserPool -> AutoscaledPool
// together and exposes /healthz and /metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/Rorqualx/crawlpool/internal/autoscale"
	"github.com/Rorqualx/crawlpool/internal/browserpool"
	"github.com/Rorqualx/crawlpool/internal/config"
	"github.com/Rorqualx/crawlpool/internal/metrics"
	"github.com/Rorqualx/crawlpool/internal/middleware"
	"github.com/Rorqualx/crawlpool/internal/snapshot"
	"github.com/Rorqualx/crawlpool/internal/status"
	"github.com/Rorqualx/crawlpool/internal/ticker"
	"github.com/Rorqualx/crawlpool/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("crawlpool %s\n", version.Full())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	metrics.SetBuildInfo(version.Full(), version.GoVersion())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap := snapshot.New(snapshot.Options{
		MemorySampleInterval:    cfg.MemorySampleInterval,
		EventLoopSampleInterval: cfg.EventLoopSampleInterval,
		SamplingHistory:         cfg.SamplingHistory,
		MinFreeMemoryRatio:      cfg.MinFreeMemoryRatio,
		MaxBlockedRatio:         cfg.MaxBlockedRatio,
		MaxMemoryBytes:          uint64(cfg.MaxMemoryMB) * 1024 * 1024,
		Logger:                  logger,
	})
	if err := snap.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start snapshotter")
	}
	defer snap.Stop()

	stopCPU := make(chan struct{})
	go runCPUProducer(snap, stopCPU, logger)
	defer close(stopCPU)

	sysStatus := status.New(snap, status.Options{
		CurrentHistory:              cfg.CurrentHistory,
		MaxMemoryOverloadedRatio:    cfg.MaxMemoryOverloadedRatio,
		MaxEventLoopOverloadedRatio: cfg.MaxEventLoopOverloadedRatio,
		MaxCPUOverloadedRatio:       cfg.MaxCPUOverloadedRatio,
		MaxClientOverloadedRatio:    cfg.MaxClientOverloadedRatio,
	})

	pool, err := browserpool.New(browserpool.Options{
		MaxTabsPerBrowser:      cfg.MaxTabsPerBrowser,
		KillInstanceAfter:      cfg.KillInstanceAfter,
		InstanceKillerInterval: cfg.InstanceKillerInterval,
		ProcessKillTimeout:     cfg.ProcessKillTimeout,
		Launch: &browserpool.RodLauncher{
			Logger: logger,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build browser pool")
	}
	pool.Start(ctx)
	defer pool.Shutdown(context.Background())

	work := &keepWarmWork{pool: pool, logger: logger}

	scheduler, err := autoscale.New(work, sysStatus, autoscale.Options{
		MinConcurrency:          cfg.MinConcurrency,
		MaxConcurrency:          cfg.MaxConcurrency,
		DesiredConcurrency:      cfg.DesiredConcurrency,
		DesiredConcurrencyRatio: cfg.DesiredConcurrencyRatio,
		ScaleUpStepRatio:        cfg.ScaleUpStepRatio,
		ScaleDownStepRatio:      cfg.ScaleDownStepRatio,
		MaybeRunInterval:        cfg.MaybeRunInterval,
		AutoscaleInterval:       cfg.AutoscaleInterval,
		LoggingInterval:         cfg.LoggingInterval,
		Logger:                  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build scheduler")
	}

	schedulerDone := make(chan error, 1)
	go func() { schedulerDone <- scheduler.Run(ctx) }()

	if watcher, err := config.NewWatcher(cfg, logger); err != nil {
		logger.Warn().Err(err).Msg("config: hot-reload watcher unavailable")
	} else if watcher != nil {
		watcher.OnReload = func(c *config.Config) {
			if err := scheduler.SetBounds(c.MinConcurrency, c.MaxConcurrency); err != nil {
				logger.Warn().Err(err).Msg("config: rejected hot-reloaded concurrency bounds")
			}
			scheduler.SetScaleRatios(c.DesiredConcurrencyRatio, c.ScaleUpStepRatio, c.ScaleDownStepRatio)
			pool.SetMaxTabsPerBrowser(c.MaxTabsPerBrowser)
		}
		stopWatcher := make(chan struct{})
		go watcher.Run(stopWatcher)
		defer close(stopWatcher)
	}

	stopMetricsCollector := make(chan struct{})
	go metrics.StartProcessCollector(5*time.Second, stopMetricsCollector)
	defer close(stopMetricsCollector)

	statsTicker := ticker.New(5*time.Second, func(context.Context) {
		poolStats := pool.Stats()
		metrics.UpdateBrowserPool(poolStats.Active, poolStats.Retired)
		metrics.UpdateBrowserLifecycle(poolStats.LaunchCount, poolStats.KillCount, poolStats.LaunchErrors)
		metrics.UpdateConcurrency(scheduler.CurrentConcurrency(), scheduler.DesiredConcurrency())
	})
	go statsTicker.Run(ctx)

	srv := buildServer(cfg.Host, cfg.Port, logger)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-schedulerDone:
		if err != nil {
			logger.Error().Err(err).Msg("scheduler exited with error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	scheduler.Abort()
	cancel()
	<-schedulerDone
}

func buildServer(host string, port int, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	chain := middleware.Chain(middleware.Recovery, middleware.Logging, middleware.Timeout(5*time.Second))

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: chain(mux),
	}
}

func setupLogging(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// runCPUProducer samples host CPU utilization on its own timer and pushes
// it into the Snapshotter as KindCPU telemetry, the same "external
// producer" role a crawl-time client-saturation probe would play for
// KindClient.
func runCPUProducer(snap *snapshot.Snapshotter, stop <-chan struct{}, logger zerolog.Logger) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			percents, err := cpu.Percent(0, false)
			if err != nil || len(percents) == 0 {
				logger.Warn().Err(err).Msg("cpu telemetry sample failed")
				continue
			}
			ratio := percents[0] / 100
			snap.PushCPU(snapshot.Snapshot{
				Overloaded:   ratio > 0.8,
				CPUUsedRatio: ratio,
			})
			metrics.UpdateOverload("cpu", ratio > 0.8)
		}
	}
}

// keepWarmWork is a minimal autoscale.WorkSource that opens and closes a
// browser tab on every run. It stands in for a real crawling policy
// (explicitly out of scope) while still exercising the full
// Snapshotter -> SystemStatus -> BrowserPool -> AutoscaledPool pipeline
// end to end.
type keepWarmWork struct {
	pool   *browserpool.Pool
	logger zerolog.Logger
}

func (w *keepWarmWork) RunTask(ctx context.Context) error {
	id := uuid.NewString()
	start := time.Now()
	page, err := w.pool.NewPage(ctx)
	if err != nil {
		metrics.RecordTask("error", time.Since(start))
		w.logger.Warn().Str("correlation_id", id).Err(err).Msg("keep-warm task failed to open a page")
		return err
	}
	defer page.Close()

	metrics.RecordTask("ok", time.Since(start))
	w.logger.Debug().Str("correlation_id", id).Dur("duration", time.Since(start)).Msg("keep-warm task completed")
	return nil
}

func (w *keepWarmWork) IsTaskReady(ctx context.Context) (bool, error) {
	return true, nil
}

func (w *keepWarmWork) IsFinished(ctx context.Context) (bool, error) {
	return false, nil
}
