// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"testing"
	"time"
)

// =============================================================================
// Helpers
// =============================================================================

// appendAt injects a sample with a controlled timestamp, bypassing Record's
// time.Now stamp so downsampling and retention tests are deterministic.
func appendAt(t *testing.T, a *Aggregator, mt MetricType, ts time.Time, value float64, md PointMetadata) {
	t.Helper()
	r, ok := a.rings[mt]
	if !ok {
		t.Fatalf("no ring for %q", mt)
	}
	r.append(Point{Timestamp: ts, Value: value, Metadata: md})
}

// =============================================================================
// Record / Query Tests
// =============================================================================

func TestRecord_AndCount(t *testing.T) {
	a := NewAggregator(nil)
	for i := 0; i < 5; i++ {
		a.Record(MetricResponseTime, float64(i), PointMetadata{})
	}
	if got := a.Count(MetricResponseTime); got != 5 {
		t.Errorf("count = %d, want 5", got)
	}
	if got := a.Count(MetricTokensPerSecond); got != 0 {
		t.Errorf("untouched ring count = %d, want 0", got)
	}
}

func TestRecord_UnknownTypeIgnored(t *testing.T) {
	a := NewAggregator(nil)
	a.Record(MetricType("bogus"), 1, PointMetadata{}) // must not panic
	if got := a.Count(MetricType("bogus")); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}

func TestQuery_FiltersByMetadata(t *testing.T) {
	a := NewAggregator(nil)
	a.Record(MetricResponseTime, 100, PointMetadata{ModelID: "m1", Tier: "fast", QueryMode: "simple"})
	a.Record(MetricResponseTime, 200, PointMetadata{ModelID: "m2", Tier: "powerful", QueryMode: "council"})
	a.Record(MetricResponseTime, 300, PointMetadata{ModelID: "m1", Tier: "fast", QueryMode: "council"})

	pts := a.Query(MetricResponseTime, Range1H, Filters{ModelID: "m1"})
	if len(pts) != 2 {
		t.Fatalf("model filter: %d points, want 2", len(pts))
	}
	pts = a.Query(MetricResponseTime, Range1H, Filters{ModelID: "m1", QueryMode: "council"})
	if len(pts) != 1 || pts[0].Value != 300 {
		t.Errorf("combined filter: %+v", pts)
	}
	pts = a.Query(MetricResponseTime, Range1H, Filters{})
	if len(pts) != 3 {
		t.Errorf("no filter: %d points, want 3", len(pts))
	}
}

func TestQuery_ShortRangeReturnsRawSamples(t *testing.T) {
	a := NewAggregator(nil)
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		appendAt(t, a, MetricResponseTime, now.Add(-time.Duration(i)*time.Second), float64(i), PointMetadata{})
	}
	pts := a.Query(MetricResponseTime, Range1H, Filters{})
	if len(pts) != 4 {
		t.Errorf("1h range must not downsample: %d points, want 4", len(pts))
	}
}

func TestQuery_LongRangeDownsamplesToBucketMeans(t *testing.T) {
	a := NewAggregator(nil)
	// Three samples inside one 10-minute bucket: a 24h query collapses them
	// to a single point whose value is the mean.
	base := time.Now().UTC().Add(-30 * time.Minute).Truncate(10 * time.Minute)
	appendAt(t, a, MetricResponseTime, base.Add(time.Minute), 10, PointMetadata{})
	appendAt(t, a, MetricResponseTime, base.Add(2*time.Minute), 20, PointMetadata{})
	appendAt(t, a, MetricResponseTime, base.Add(3*time.Minute), 30, PointMetadata{})

	pts := a.Query(MetricResponseTime, Range24H, Filters{})
	if len(pts) != 1 {
		t.Fatalf("points = %d, want 1 bucket", len(pts))
	}
	if pts[0].Value != 20 {
		t.Errorf("bucket mean = %v, want 20", pts[0].Value)
	}
	if pts[0].Timestamp != base {
		t.Errorf("bucket timestamp = %v, want bucket start %v", pts[0].Timestamp, base)
	}
}

func TestQuery_ExcludesSamplesOutsideWindow(t *testing.T) {
	a := NewAggregator(nil)
	now := time.Now().UTC()
	appendAt(t, a, MetricResponseTime, now.Add(-2*time.Hour), 1, PointMetadata{})
	appendAt(t, a, MetricResponseTime, now.Add(-time.Minute), 2, PointMetadata{})

	pts := a.Query(MetricResponseTime, Range1H, Filters{})
	if len(pts) != 1 || pts[0].Value != 2 {
		t.Errorf("window leak: %+v", pts)
	}
}

// =============================================================================
// Summarize Tests
// =============================================================================

func TestSummarize_Percentiles(t *testing.T) {
	a := NewAggregator(nil)
	// Insert 1..100 shuffled by stride; statistics must not depend on order.
	for i := 0; i < 100; i++ {
		a.Record(MetricResponseTime, float64((i*37)%100+1), PointMetadata{})
	}
	s := a.Summarize(MetricResponseTime, Range1H, Filters{})
	if s.Count != 100 {
		t.Fatalf("count = %d, want 100", s.Count)
	}
	if s.Min != 1 || s.Max != 100 {
		t.Errorf("min/max = %v/%v, want 1/100", s.Min, s.Max)
	}
	if s.Avg != 50.5 {
		t.Errorf("avg = %v, want 50.5", s.Avg)
	}
	if s.P50 != 50 || s.P95 != 95 || s.P99 != 99 {
		t.Errorf("percentiles = %v/%v/%v, want 50/95/99", s.P50, s.P95, s.P99)
	}
}

func TestSummarize_EmptyWindow(t *testing.T) {
	a := NewAggregator(nil)
	s := a.Summarize(MetricResponseTime, Range1H, Filters{})
	if s.Count != 0 || s.Min != 0 || s.Max != 0 {
		t.Errorf("empty summary = %+v", s)
	}
}

func TestSummarize_SingleSample(t *testing.T) {
	a := NewAggregator(nil)
	a.Record(MetricTokensPerSecond, 42, PointMetadata{})
	s := a.Summarize(MetricTokensPerSecond, Range1H, Filters{})
	if s.Count != 1 || s.Min != 42 || s.Max != 42 || s.P50 != 42 || s.P99 != 42 {
		t.Errorf("single-sample summary = %+v", s)
	}
}

// =============================================================================
// Compare / Breakdown Tests
// =============================================================================

func TestCompare_AlignsBucketBoundaries(t *testing.T) {
	a := NewAggregator(nil)
	base := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Minute)
	appendAt(t, a, MetricResponseTime, base.Add(time.Second), 100, PointMetadata{})
	appendAt(t, a, MetricTokensPerSecond, base.Add(2*time.Second), 50, PointMetadata{})

	series := a.Compare([]MetricType{MetricResponseTime, MetricTokensPerSecond}, Range1H)
	if len(series) != 2 {
		t.Fatalf("series = %d, want 2", len(series))
	}
	if len(series[0].Points) != 1 || len(series[1].Points) != 1 {
		t.Fatalf("each series should have one bucket: %d/%d",
			len(series[0].Points), len(series[1].Points))
	}
	// Samples seconds apart land on the same minute boundary.
	if !series[0].Points[0].Timestamp.Equal(series[1].Points[0].Timestamp) {
		t.Errorf("bucket boundaries differ: %v vs %v",
			series[0].Points[0].Timestamp, series[1].Points[0].Timestamp)
	}
}

func TestBreakdown_GroupsByModel(t *testing.T) {
	names := map[string]string{"m1": "Llama 13B", "m2": "Mistral 7B"}
	a := NewAggregator(func(id string) string { return names[id] })
	a.Record(MetricResponseTime, 100, PointMetadata{ModelID: "m2"})
	a.Record(MetricResponseTime, 200, PointMetadata{ModelID: "m1"})
	a.Record(MetricResponseTime, 300, PointMetadata{ModelID: "m1"})
	a.Record(MetricResponseTime, 999, PointMetadata{}) // no model id: excluded

	rows := a.Breakdown(MetricResponseTime, Range1H)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].ModelID != "m1" || rows[1].ModelID != "m2" {
		t.Errorf("rows not sorted by model id: %q, %q", rows[0].ModelID, rows[1].ModelID)
	}
	if rows[0].DisplayName != "Llama 13B" {
		t.Errorf("display name = %q", rows[0].DisplayName)
	}
	if rows[0].Summary.Count != 2 || rows[0].Summary.Avg != 250 {
		t.Errorf("m1 summary = %+v", rows[0].Summary)
	}
	if rows[1].Summary.Count != 1 || rows[1].Summary.Avg != 100 {
		t.Errorf("m2 summary = %+v", rows[1].Summary)
	}
}

func TestBreakdown_FallsBackToRawID(t *testing.T) {
	a := NewAggregator(nil)
	a.Record(MetricResponseTime, 1, PointMetadata{ModelID: "m1"})
	rows := a.Breakdown(MetricResponseTime, Range1H)
	if len(rows) != 1 || rows[0].DisplayName != "m1" {
		t.Errorf("rows = %+v, want raw id as display name", rows)
	}
}

// =============================================================================
// Ring / Retention Tests
// =============================================================================

func TestRing_EvictsOldestAtCapacity(t *testing.T) {
	r := newRing()
	now := time.Now().UTC()
	for i := 0; i < ringCapacity+10; i++ {
		r.append(Point{Timestamp: now, Value: float64(i)})
	}
	if got := r.len(); got != ringCapacity {
		t.Fatalf("len = %d, want %d", got, ringCapacity)
	}
	pts := r.snapshotSince(time.Time{}, Filters{})
	if pts[0].Value != 10 {
		t.Errorf("oldest survivor = %v, want 10", pts[0].Value)
	}
	if pts[len(pts)-1].Value != float64(ringCapacity+9) {
		t.Errorf("newest = %v, want %v", pts[len(pts)-1].Value, ringCapacity+9)
	}
}

func TestRing_DropOlderThan(t *testing.T) {
	r := newRing()
	now := time.Now().UTC()
	r.append(Point{Timestamp: now.Add(-2 * time.Hour), Value: 1})
	r.append(Point{Timestamp: now.Add(-time.Minute), Value: 2})

	if removed := r.dropOlderThan(now.Add(-time.Hour)); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	pts := r.snapshotSince(time.Time{}, Filters{})
	if len(pts) != 1 || pts[0].Value != 2 {
		t.Errorf("survivors = %+v", pts)
	}
}

// =============================================================================
// Wire Parsing Tests
// =============================================================================

func TestParseMetricType(t *testing.T) {
	if mt, err := ParseMetricType(" Response_Time "); err != nil || mt != MetricResponseTime {
		t.Errorf("ParseMetricType = %q, %v", mt, err)
	}
	if _, err := ParseMetricType("latency"); err == nil {
		t.Error("unknown metric type should error")
	}
}

func TestParseRange(t *testing.T) {
	if r, err := ParseRange("24H"); err != nil || r != Range24H {
		t.Errorf("ParseRange = %q, %v", r, err)
	}
	if _, err := ParseRange("90d"); err == nil {
		t.Error("unknown range should error")
	}
}
