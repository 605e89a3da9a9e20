// Copyright 2025 Tom Barlow
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

// Package metrics exposes Prometheus metrics for the scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobsTotal tracks completed jobs by status and error kind.
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simfleet_jobs_total",
			Help: "Total completed jobs by status and error kind",
		},
		[]string{"status", "error_kind"},
	)

	// jobsRunning tracks jobs currently in the running state.
	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simfleet_jobs_running",
			Help: "Number of jobs currently running",
		},
	)

	// jobDuration tracks end-to-end job durations.
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simfleet_job_duration_seconds",
			Help:    "End-to-end job duration by worker slot",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"worker"},
	)

	// consolidationConflicts tracks refused consolidations.
	consolidationConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simfleet_consolidation_conflicts_total",
			Help: "Total consolidations refused because the destination artifact existed",
		},
	)

	// remoteDispatchErrors tracks remote dispatch failures by worker.
	remoteDispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simfleet_remote_dispatch_errors_total",
			Help: "Total remote dispatch failures by worker slot",
		},
		[]string{"worker"},
	)
)

// RecordJobStart marks a job entering the running state.
func RecordJobStart() {
	jobsRunning.Inc()
}

// RecordJobDone records a finished job.
func RecordJobDone(worker string, success bool, errorKind string, duration time.Duration) {
	jobsRunning.Dec()
	status := "success"
	if !success {
		status = "failure"
	}
	jobsTotal.WithLabelValues(status, errorKind).Inc()
	jobDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

// RecordConsolidationConflict counts a refused consolidation.
func RecordConsolidationConflict() {
	consolidationConflicts.Inc()
}

// RecordRemoteDispatchError counts a remote dispatch failure.
func RecordRemoteDispatchError(worker string) {
	remoteDispatchErrors.WithLabelValues(worker).Inc()
}
