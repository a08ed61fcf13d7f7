// Package metrics provides Prometheus metrics for the scheduler core.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksRun counts tasks the AutoscaledPool has run, by outcome.
	TasksRun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlpool_tasks_run_total",
			Help: "Total number of scheduled tasks run, by outcome",
		},
		[]string{"outcome"},
	)

	// TaskDuration tracks task run duration.
	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawlpool_task_duration_seconds",
			Help:    "Task run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// ConcurrencyCurrent shows the AutoscaledPool's current concurrency.
	ConcurrencyCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlpool_concurrency_current",
			Help: "Current number of in-flight tasks",
		},
	)

	// ConcurrencyDesired shows the AutoscaledPool's desired concurrency.
	ConcurrencyDesired = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlpool_concurrency_desired",
			Help: "Desired concurrency as sized by the autoscale loop",
		},
	)

	// BrowserPoolActive shows the number of active browser instances.
	BrowserPoolActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlpool_browser_pool_active",
			Help: "Number of active browser instances",
		},
	)

	// BrowserPoolRetired shows the number of retired, draining instances.
	BrowserPoolRetired = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlpool_browser_pool_retired",
			Help: "Number of retired browser instances awaiting kill",
		},
	)

	// BrowserLaunches tracks the cumulative count of browser processes
	// launched. A Gauge rather than a Counter since the pool itself owns
	// the authoritative atomic counter (browserpool.Stats.LaunchCount);
	// this mirrors that value rather than being incremented independently.
	BrowserLaunches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlpool_browser_launches_total",
			Help: "Total browser processes launched",
		},
	)

	// BrowserLaunchErrors tracks the cumulative count of failed launches.
	BrowserLaunchErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlpool_browser_launch_errors_total",
			Help: "Total browser launch failures",
		},
	)

	// BrowserKills tracks the cumulative count of browser processes killed.
	BrowserKills = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlpool_browser_kills_total",
			Help: "Total browser processes killed",
		},
	)

	// SystemOverloaded reports the current overload decision per resource
	// kind (1 = overloaded, 0 = not).
	SystemOverloaded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlpool_system_overloaded",
			Help: "Current overload decision by resource kind",
		},
		[]string{"kind"},
	)

	// MemoryUsageBytes shows current process memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlpool_memory_usage_bytes",
			Help: "Current process memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlpool_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlpool_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksRun,
		TaskDuration,
		ConcurrencyCurrent,
		ConcurrencyDesired,
		BrowserPoolActive,
		BrowserPoolRetired,
		BrowserLaunches,
		BrowserLaunchErrors,
		BrowserKills,
		SystemOverloaded,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartProcessCollector starts a goroutine that periodically updates
// Go-runtime metrics (memory, goroutine count).
func StartProcessCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateProcessMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateProcessMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordTask records the outcome and duration of a completed task.
func RecordTask(outcome string, duration time.Duration) {
	TasksRun.WithLabelValues(outcome).Inc()
	TaskDuration.Observe(duration.Seconds())
}

// UpdateConcurrency updates the current/desired concurrency gauges.
func UpdateConcurrency(current, desired int) {
	ConcurrencyCurrent.Set(float64(current))
	ConcurrencyDesired.Set(float64(desired))
}

// UpdateBrowserPool updates the browser pool composition gauges.
func UpdateBrowserPool(active, retired int) {
	BrowserPoolActive.Set(float64(active))
	BrowserPoolRetired.Set(float64(retired))
}

// UpdateBrowserLifecycle mirrors the browser pool's cumulative
// launch/kill/error counters, sourced from browserpool.Pool.Stats.
func UpdateBrowserLifecycle(launches, kills, launchErrors int64) {
	BrowserLaunches.Set(float64(launches))
	BrowserKills.Set(float64(kills))
	BrowserLaunchErrors.Set(float64(launchErrors))
}

// UpdateOverload sets the per-kind overload gauge.
func UpdateOverload(kind string, overloaded bool) {
	v := 0.0
	if overloaded {
		v = 1
	}
	SystemOverloaded.WithLabelValues(kind).Set(v)
}
