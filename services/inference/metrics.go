// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Inference Servers
// =============================================================================

var (
	// serverStartsTotal counts server start attempts by model and outcome.
	// Labels: model_id, outcome (started, early_exit, startup_timeout, died)
	serverStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "armada",
		Subsystem: "inference",
		Name:      "server_starts_total",
		Help:      "Inference server start attempts by model and outcome",
	}, []string{"model_id", "outcome"})

	// serverStartupSeconds measures spawn-to-ready latency.
	// Labels: model_id
	serverStartupSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "armada",
		Subsystem: "inference",
		Name:      "server_startup_seconds",
		Help:      "Time from subprocess spawn to readiness line",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	}, []string{"model_id"})

	// callDurationSeconds measures chat completion latency by model and status.
	// Labels: model_id, status (success, error)
	callDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "armada",
		Subsystem: "inference",
		Name:      "call_duration_seconds",
		Help:      "Duration of chat completion calls",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"model_id", "status"})

	// callErrorsTotal counts call failures by model and error kind.
	// Labels: model_id, kind (NOT_RUNNING, NOT_READY, HTTP_ERROR, TIMEOUT, DECODE_ERROR)
	callErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "armada",
		Subsystem: "inference",
		Name:      "call_errors_total",
		Help:      "Chat completion failures by model and error kind",
	}, []string{"model_id", "kind"})
)

func recordServerStart(modelID string) {
	serverStartsTotal.WithLabelValues(modelID, "started").Inc()
}

func recordServerReady(modelID string, startup time.Duration) {
	serverStartupSeconds.WithLabelValues(modelID).Observe(startup.Seconds())
}

func recordServerFailure(modelID, outcome string) {
	serverStartsTotal.WithLabelValues(modelID, outcome).Inc()
}

func observeCall(modelID string, d time.Duration, err error) {
	if err == nil {
		callDurationSeconds.WithLabelValues(modelID, "success").Observe(d.Seconds())
		return
	}
	callDurationSeconds.WithLabelValues(modelID, "error").Observe(d.Seconds())
	kind := string(KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	callErrorsTotal.WithLabelValues(modelID, kind).Inc()
}
