// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports sync stage timings and session results to Prometheus.
package metrics

import (
	"context"
	"strings"

	"github.com/mobiletoly/go-twosync/twosync"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is a twosync.StageMetricsRecorder backed by Prometheus collectors
type Recorder struct {
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	records       *prometheus.CounterVec
	issues        *prometheus.CounterVec
	sessions      *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with reg. Dots in
// namespace and subsystem become underscores.
func NewRecorder(reg prometheus.Registerer, namespace, subsystem string) *Recorder {
	if subsystem == "" {
		subsystem = "sync"
	}
	namespace = strings.ReplaceAll(namespace, ".", "_")
	subsystem = strings.ReplaceAll(subsystem, ".", "_")

	r := &Recorder{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_duration_seconds",
			Help:      "sync pipeline stage duration",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"direction", "entity_type", "stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_errors_total",
			Help:      "stages that ended with an infrastructure error",
		}, []string{"direction", "entity_type", "stage"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_total",
			Help:      "records processed per session outcome",
		}, []string{"entity_type", "outcome"}),
		issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "issues_total",
			Help:      "per-record sync issues",
		}, []string{"direction", "entity_type", "reason"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_total",
			Help:      "sync sessions by final state",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(r.stageDuration, r.stageErrors, r.records, r.issues, r.sessions)
	}
	return r
}

func (r *Recorder) ObserveStage(_ context.Context, timing twosync.StageTiming) {
	labels := prometheus.Labels{
		"direction":   string(timing.Direction),
		"entity_type": string(timing.EntityType),
		"stage":       timing.Stage,
	}
	r.stageDuration.With(labels).Observe(timing.Duration.Seconds())
	if timing.Error {
		r.stageErrors.With(labels).Inc()
	}
}

// ObserveResult counts the outcome of a finished session. A nil result
// counts an aborted session.
func (r *Recorder) ObserveResult(res *twosync.Result) {
	if res == nil {
		r.sessions.WithLabelValues(string(twosync.StateAborted)).Inc()
		return
	}
	r.sessions.WithLabelValues(string(twosync.StateCompleted)).Inc()
	for _, t := range res.Types() {
		st := res.StatsFor(t)
		r.records.WithLabelValues(string(t), "fetched").Add(float64(st.Fetched))
		r.records.WithLabelValues(string(t), "inserted").Add(float64(st.Inserted))
		r.records.WithLabelValues(string(t), "updated").Add(float64(st.Updated))
		r.records.WithLabelValues(string(t), "skipped").Add(float64(st.Skipped))
	}
	for _, is := range res.Issues {
		r.issues.WithLabelValues(string(is.Direction), string(is.EntityType), is.Reason).Inc()
	}
}

var _ twosync.StageMetricsRecorder = (*Recorder)(nil)
