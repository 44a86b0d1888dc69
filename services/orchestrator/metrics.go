// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the query path. The in-process aggregator serves
// the dashboard; these serve ops scrapes.
var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "armada",
		Subsystem: "orchestrator",
		Name:      "queries_total",
		Help:      "Queries processed, by mode and outcome.",
	}, []string{"mode", "outcome"})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "armada",
		Subsystem: "orchestrator",
		Name:      "query_duration_seconds",
		Help:      "End-to-end query latency.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"mode"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "armada",
		Subsystem: "orchestrator",
		Name:      "cache_lookups_total",
		Help:      "Simple-mode response cache lookups.",
	}, []string{"result"})
)

func observeQuery(mode Mode, err error, took time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = string(CodeOf(err))
	}
	queriesTotal.WithLabelValues(string(mode), outcome).Inc()
	queryDuration.WithLabelValues(string(mode)).Observe(took.Seconds())
}

func observeCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
	} else {
		cacheLookups.WithLabelValues("miss").Inc()
	}
}
