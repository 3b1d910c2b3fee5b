// Copyright 2025 Deckhand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deckhand-io/deckhand/pkg/logger"
	"github.com/deckhand-io/deckhand/pkg/sentry"
)

const (
	// Component labels.
	ComponentCoordinator      = "coordinator"
	ComponentScheduler        = "scheduler"
	ComponentPipeline         = "pipeline"
	ComponentWorkerSupervisor = "worker_supervisor"
	ComponentLogStream        = "log_stream"
	ComponentStateStore       = "state_store"
	ComponentBacklog          = "backlog"
	ComponentConfigManager    = "config_manager"
	ComponentFilesystem       = "filesystem"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "deckhand"
	subsystem = "core"

	// Error counters.
	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	// Run timing.
	runDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_duration_milliseconds",
			Help:      "Time taken by one worker run (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.95: 0.01,
				0.99: 0.01,
			},
		},
		[]string{"flow", "status"},
	)

	// Scheduler occupancy.
	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_runs",
			Help:      "Number of worker runs currently in flight",
		},
	)

	queuedCards = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queued_cards",
			Help:      "Number of cards accepted but not yet dispatched",
		},
	)

	deferredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "enqueue_deferred_total",
			Help:      "Total number of enqueue requests deferred for backpressure",
		},
	)

	retriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_scheduled_total",
			Help:      "Total number of delayed retries scheduled",
		},
	)

	// Filesystem operation metrics.
	filesystemOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "filesystem_ops_total",
			Help:      "Total number of filesystem operations by type",
		},
		[]string{"operation"},
	)

	filesystemOpsDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "filesystem_ops_duration_seconds",
			Help:      "Duration of filesystem operations in seconds",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// SetupMetricsEndpoint starts an HTTP server to expose metrics
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeFatal, logger.For("metrics"))
		}
	}()

	return server
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// InitErrorCounter initializes the error counter for a component.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

// ObserveRunDuration records the duration of one finished worker run.
func ObserveRunDuration(flow, status string, duration time.Duration) {
	runDuration.WithLabelValues(flow, status).Observe(float64(duration.Milliseconds()))
}

// SetSchedulerOccupancy updates the active-run and queue-depth gauges.
func SetSchedulerOccupancy(running, queued int) {
	activeRuns.Set(float64(running))
	queuedCards.Set(float64(queued))
}

// IncDeferred counts one backpressure deferral.
func IncDeferred() {
	deferredTotal.Inc()
}

// IncRetryScheduled counts one scheduled delayed retry.
func IncRetryScheduled() {
	retriesScheduled.Inc()
}

// RecordFilesystemOp records a filesystem operation metric.
func RecordFilesystemOp(operation string, duration time.Duration) {
	filesystemOpsTotal.WithLabelValues(operation).Inc()
	filesystemOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
