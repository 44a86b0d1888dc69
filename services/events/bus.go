// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the in-process publish/subscribe bus that fans
// pipeline and system events out to WebSocket subscribers. Producers never
// block: a slow subscriber has its oldest buffered event dropped.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Event
// =============================================================================

// Type classifies an event. Clients ignore unknown types for forward
// compatibility, so adding values here is not a breaking change.
type Type string

const (
	TypePipelineStageStart    Type = "pipeline_stage_start"
	TypePipelineStageComplete Type = "pipeline_stage_complete"
	TypePipelineStageFailed   Type = "pipeline_stage_failed"
	TypePipelineComplete      Type = "pipeline_complete"
	TypePipelineFailed        Type = "pipeline_failed"
	TypeServerStarted         Type = "server_started"
	TypeServerStopped         Type = "server_stopped"
	TypeServerDied            Type = "server_died"
	TypeModelDirChanged       Type = "model_directory_changed"
	TypeSettingsUpdated       Type = "settings_updated"
)

// Severity grades an event for UI presentation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one broadcast item.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"type"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// =============================================================================
// Bus
// =============================================================================

// DefaultSubscriberBuffer is the per-subscription channel capacity.
const DefaultSubscriberBuffer = 256

// Subscription is one subscriber's view of the bus.
//
// Events arrive on C in emission order. When the buffer fills, the oldest
// buffered event is dropped and the drop counter incremented; the producer
// is never blocked.
type Subscription struct {
	C       chan Event
	id      uint64
	dropped atomic.Int64
}

// Dropped returns how many events this subscriber has lost to backpressure.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Bus is the in-process event fan-out.
//
// Thread Safety: Bus is safe for concurrent use. The subscriber list is
// guarded by a mutex held only for map operations, never across sends.
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	bufSize int
}

// NewBus creates a Bus. bufSize ≤ 0 selects DefaultSubscriberBuffer.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	return &Bus{subs: map[uint64]*Subscription{}, bufSize: bufSize}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: make(chan Event, b.bufSize), id: b.nextID}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.C)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Emit broadcasts an event to all subscribers without blocking.
//
// Description:
//
//	Fan-out is best-effort with a drop-oldest policy per subscriber: when a
//	buffer is full, one stale event is discarded to make room for the new
//	one, preserving prefix-respecting subsequence delivery (drops remove,
//	never reorder). A zero Timestamp is stamped with the current time.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}

	// The lock is held across fan-out: every send is non-blocking, so the
	// hold time is bounded, and this prevents a send racing Unsubscribe's
	// channel close.
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.C <- ev:
			continue
		default:
		}
		// Buffer full: evict the oldest to make room. Emitters are
		// serialized by b.mu, so the retry send cannot fail.
		select {
		case <-sub.C:
			sub.dropped.Add(1)
			slog.Debug("event dropped for slow subscriber",
				"type", ev.Type, "subscriber", sub.id)
		default:
		}
		select {
		case sub.C <- ev:
		default:
		}
	}
}

// EmitSystem is a convenience for one-line system events.
func (b *Bus) EmitSystem(t Type, severity Severity, message string, metadata map[string]any) {
	b.Emit(Event{Type: t, Severity: severity, Message: message, Metadata: metadata})
}
