// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"time"
)

const (
	MetricsStageSession   = "session"
	MetricsStageFetch     = "fetch"
	MetricsStageConvert   = "convert"
	MetricsStageResolve   = "resolve"
	MetricsStageApply     = "apply"
	MetricsStageDeferred  = "deferred"
	MetricsStageWatermark = "watermark"
)

// StageTiming describes one measured pipeline stage
type StageTiming struct {
	Direction  Direction
	EntityType EntityType
	Stage      string
	Duration   time.Duration
	Count      int
	Issues     int
	Error      bool
}

// StageMetricsRecorder receives stage timings
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (m *Manager) stageTimingEnabled() bool {
	return m.opts.StageMetrics != nil || m.opts.LogStageTimings
}

func (m *Manager) stageStart() time.Time {
	if !m.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (m *Manager) observeStage(ctx context.Context, dir Direction, t EntityType, stage string, start time.Time, count, issues int, hadError bool) {
	if start.IsZero() {
		return
	}

	timing := StageTiming{
		Direction:  dir,
		EntityType: t,
		Stage:      stage,
		Duration:   time.Since(start),
		Count:      count,
		Issues:     issues,
		Error:      hadError,
	}

	if m.opts.StageMetrics != nil {
		m.opts.StageMetrics.ObserveStage(ctx, timing)
	}
	if m.opts.LogStageTimings {
		m.logger.Debug("Stage timing",
			"direction", timing.Direction,
			"entity_type", timing.EntityType,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"issues", timing.Issues,
			"error", timing.Error,
		)
	}
}
