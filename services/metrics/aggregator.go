// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics implements the bounded in-memory time-series store backing
// the observability UI: per-type ring buffers, range queries with
// downsampling, percentile summaries, and per-model breakdowns.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Types
// =============================================================================

// MetricType identifies one time series family.
type MetricType string

const (
	MetricResponseTime      MetricType = "response_time"
	MetricTokensPerSecond   MetricType = "tokens_per_second"
	MetricCacheHitRate      MetricType = "cache_hit_rate"
	MetricComplexityScore   MetricType = "complexity_score"
	MetricCGRAGRetrievalTime MetricType = "cgrag_retrieval_time"
	MetricModelLoad         MetricType = "model_load"
)

// AllMetricTypes lists every valid metric type in stable order.
var AllMetricTypes = []MetricType{
	MetricResponseTime,
	MetricTokensPerSecond,
	MetricCacheHitRate,
	MetricComplexityScore,
	MetricCGRAGRetrievalTime,
	MetricModelLoad,
}

// ParseMetricType validates a wire metric-type string.
func ParseMetricType(s string) (MetricType, error) {
	for _, t := range AllMetricTypes {
		if string(t) == strings.ToLower(strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown metric type %q", s)
}

// PointMetadata tags a sample for filtered queries.
type PointMetadata struct {
	ModelID   string `json:"modelId,omitempty"`
	Tier      string `json:"tier,omitempty"`
	QueryMode string `json:"queryMode,omitempty"`
}

// Point is one time-series sample.
type Point struct {
	Timestamp time.Time     `json:"timestamp"`
	Value     float64       `json:"value"`
	Metadata  PointMetadata `json:"metadata"`
}

// Filters narrows a query; zero fields match everything.
type Filters struct {
	ModelID   string
	Tier      string
	QueryMode string
}

func (f Filters) matches(p Point) bool {
	if f.ModelID != "" && p.Metadata.ModelID != f.ModelID {
		return false
	}
	if f.Tier != "" && p.Metadata.Tier != f.Tier {
		return false
	}
	if f.QueryMode != "" && p.Metadata.QueryMode != f.QueryMode {
		return false
	}
	return true
}

// Range is a supported query window.
type Range string

const (
	Range1H  Range = "1h"
	Range6H  Range = "6h"
	Range24H Range = "24h"
	Range7D  Range = "7d"
	Range30D Range = "30d"
)

// ParseRange validates a wire range string.
func ParseRange(s string) (Range, error) {
	switch Range(strings.ToLower(strings.TrimSpace(s))) {
	case Range1H:
		return Range1H, nil
	case Range6H:
		return Range6H, nil
	case Range24H:
		return Range24H, nil
	case Range7D:
		return Range7D, nil
	case Range30D:
		return Range30D, nil
	default:
		return "", fmt.Errorf("unknown range %q (expected 1h|6h|24h|7d|30d)", s)
	}
}

// Duration returns the wall-clock span of the range.
func (r Range) Duration() time.Duration {
	switch r {
	case Range1H:
		return time.Hour
	case Range6H:
		return 6 * time.Hour
	case Range24H:
		return 24 * time.Hour
	case Range7D:
		return 7 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// bucket returns the downsampling bucket width: raw for short ranges,
// 10-minute means for 24h, 1-hour means for 7d/30d.
func (r Range) bucket() time.Duration {
	switch r {
	case Range1H, Range6H:
		return 0
	case Range24H:
		return 10 * time.Minute
	default:
		return time.Hour
	}
}

// Summary holds the descriptive statistics of a filtered window.
type Summary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// =============================================================================
// Aggregator
// =============================================================================

// ringCapacity bounds each per-type series. At one sample per query this is
// weeks of history for any realistic local workload.
const ringCapacity = 500_000

// defaultRetention is the TTL safety net; the ring usually evicts first.
const defaultRetention = 30 * 24 * time.Hour

// ring is a fixed-capacity circular buffer of points in insertion order,
// which by construction is timestamp order.
type ring struct {
	mu    sync.Mutex
	buf   []Point
	head  int // index of oldest
	count int
}

func newRing() *ring { return &ring{buf: make([]Point, 0, 1024)} }

// append adds a point, evicting the oldest at capacity. O(1).
func (r *ring) append(p Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < ringCapacity {
		r.buf = append(r.buf, p)
		r.count = len(r.buf)
		return
	}
	r.buf[r.head] = p
	r.head = (r.head + 1) % ringCapacity
}

// snapshotSince returns points at or after cutoff matching f, oldest first.
func (r *ring) snapshotSince(cutoff time.Time, f Filters) []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Point{}
	n := len(r.buf)
	for i := 0; i < n; i++ {
		p := r.buf[(r.head+i)%n]
		if p.Timestamp.Before(cutoff) || !f.matches(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// len returns the stored sample count.
func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// dropOlderThan removes samples before cutoff. Called by the TTL sweep.
func (r *ring) dropOlderThan(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.buf)
	if n == 0 {
		return 0
	}
	kept := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		p := r.buf[(r.head+i)%n]
		if !p.Timestamp.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	removed := n - len(kept)
	r.buf = kept
	r.head = 0
	return removed
}

// Aggregator is the bounded time-series store.
//
// Thread Safety: safe for concurrent use; one lock per metric type keeps the
// append path sub-millisecond under concurrent readers.
type Aggregator struct {
	rings     map[MetricType]*ring
	retention time.Duration
	// displayName resolves a model id to a friendly name for breakdowns.
	// Nil means raw ids are used.
	displayName func(modelID string) string
}

// NewAggregator creates an Aggregator with one ring per known metric type.
func NewAggregator(displayName func(string) string) *Aggregator {
	rings := make(map[MetricType]*ring, len(AllMetricTypes))
	for _, t := range AllMetricTypes {
		rings[t] = newRing()
	}
	return &Aggregator{rings: rings, retention: defaultRetention, displayName: displayName}
}

// Record appends a sample stamped with the current time. Unknown types are
// logged and ignored: recording is a side effect that must never fail a query.
func (a *Aggregator) Record(t MetricType, value float64, md PointMetadata) {
	r, ok := a.rings[t]
	if !ok {
		slog.Warn("ignoring sample for unknown metric type", "type", t)
		return
	}
	r.append(Point{Timestamp: time.Now().UTC(), Value: value, Metadata: md})
}

// Count returns the stored sample count for one type.
func (a *Aggregator) Count(t MetricType) int {
	if r, ok := a.rings[t]; ok {
		return r.len()
	}
	return 0
}

// Query returns the (optionally downsampled) series for a range and filters.
func (a *Aggregator) Query(t MetricType, rng Range, f Filters) []Point {
	r, ok := a.rings[t]
	if !ok {
		return nil
	}
	pts := r.snapshotSince(time.Now().UTC().Add(-rng.Duration()), f)
	if b := rng.bucket(); b > 0 {
		return downsample(pts, b)
	}
	return pts
}

// Summarize computes min/max/avg and sorted percentiles over the filtered
// window. Returns a zero-count Summary when the window is empty.
func (a *Aggregator) Summarize(t MetricType, rng Range, f Filters) Summary {
	r, ok := a.rings[t]
	if !ok {
		return Summary{}
	}
	pts := r.snapshotSince(time.Now().UTC().Add(-rng.Duration()), f)
	return summarize(pts)
}

// AlignedSeries is one metric's bucketed series for a comparison chart.
type AlignedSeries struct {
	Metric MetricType `json:"metric"`
	Points []Point    `json:"points"`
}

// Compare returns multiple metrics bucketed onto identical boundaries so the
// UI can draw them as one multi-line chart. Short ranges are forced onto
// 1-minute buckets since raw samples from different metrics do not align.
func (a *Aggregator) Compare(types []MetricType, rng Range) []AlignedSeries {
	bucket := rng.bucket()
	if bucket == 0 {
		bucket = time.Minute
	}
	cutoff := time.Now().UTC().Add(-rng.Duration())
	out := make([]AlignedSeries, 0, len(types))
	for _, t := range types {
		r, ok := a.rings[t]
		if !ok {
			continue
		}
		out = append(out, AlignedSeries{
			Metric: t,
			Points: downsample(r.snapshotSince(cutoff, Filters{}), bucket),
		})
	}
	return out
}

// ModelBreakdown is one model's summary within a window.
type ModelBreakdown struct {
	ModelID     string  `json:"modelId"`
	DisplayName string  `json:"displayName"`
	Summary     Summary `json:"summary"`
}

// Breakdown groups the window by model id and summarizes each group.
func (a *Aggregator) Breakdown(t MetricType, rng Range) []ModelBreakdown {
	r, ok := a.rings[t]
	if !ok {
		return nil
	}
	pts := r.snapshotSince(time.Now().UTC().Add(-rng.Duration()), Filters{})
	byModel := map[string][]Point{}
	for _, p := range pts {
		if p.Metadata.ModelID == "" {
			continue
		}
		byModel[p.Metadata.ModelID] = append(byModel[p.Metadata.ModelID], p)
	}
	out := make([]ModelBreakdown, 0, len(byModel))
	for id, group := range byModel {
		b := ModelBreakdown{ModelID: id, DisplayName: id, Summary: summarize(group)}
		if a.displayName != nil {
			if name := a.displayName(id); name != "" {
				b.DisplayName = name
			}
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// RunCleanup sweeps expired samples every interval until ctx is cancelled.
// The ring bound is the primary eviction mechanism; this is the safety net.
func (a *Aggregator) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-a.retention)
			total := 0
			for _, r := range a.rings {
				total += r.dropOlderThan(cutoff)
			}
			if total > 0 {
				slog.Debug("metric TTL sweep", "removed", total)
			}
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// downsample buckets points to fixed boundaries; bucket timestamp is the
// bucket start, bucket value is the mean.
func downsample(pts []Point, bucket time.Duration) []Point {
	if len(pts) == 0 {
		return pts
	}
	type acc struct {
		sum   float64
		count int
	}
	buckets := map[int64]*acc{}
	for _, p := range pts {
		k := p.Timestamp.UnixNano() / int64(bucket)
		a, ok := buckets[k]
		if !ok {
			a = &acc{}
			buckets[k] = a
		}
		a.sum += p.Value
		a.count++
	}
	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]Point, 0, len(keys))
	for _, k := range keys {
		a := buckets[k]
		out = append(out, Point{
			Timestamp: time.Unix(0, k*int64(bucket)).UTC(),
			Value:     a.sum / float64(a.count),
		})
	}
	return out
}

// summarize computes the Summary statistics; percentiles by sort.
func summarize(pts []Point) Summary {
	if len(pts) == 0 {
		return Summary{}
	}
	values := make([]float64, len(pts))
	sum := 0.0
	for i, p := range pts {
		values[i] = p.Value
		sum += p.Value
	}
	sort.Float64s(values)
	return Summary{
		Count: len(values),
		Min:   values[0],
		Max:   values[len(values)-1],
		Avg:   sum / float64(len(values)),
		P50:   percentile(values, 50),
		P95:   percentile(values, 95),
		P99:   percentile(values, 99),
	}
}

// percentile uses the nearest-rank method over sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
