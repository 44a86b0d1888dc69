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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Response Cache
// =============================================================================
//
// Simple-mode responses for identical (model, prompt, params) tuples are
// served from an in-memory BadgerDB with native TTL. This is what feeds the
// cache_hit_rate metric: every lookup records a 0 or 1 sample, so the
// rolling mean over a window is the hit rate. Badger in-memory keeps the
// store bounded by TTL without a bespoke eviction loop, and nothing is
// persisted across restarts (query history persistence is a non-goal).

// cacheKeyPrefix versions the key layout.
const cacheKeyPrefix = "resp/v1/"

// ResponseCache stores generated text keyed by a request digest.
//
// Thread Safety: safe for concurrent use; BadgerDB transactions handle it.
type ResponseCache struct {
	db *badger.DB
}

// NewResponseCache opens the in-memory store.
func NewResponseCache() (*ResponseCache, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open response cache: %w", err)
	}
	return &ResponseCache{db: db}, nil
}

// Close releases the store.
func (c *ResponseCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Key digests the full request identity. Any parameter change produces a
// different key, so there is no invalidation API.
func (c *ResponseCache) Key(modelID, prompt string, maxTokens int, temperature float64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%.4f", modelID, prompt, maxTokens, temperature)
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached response text for key, with ok=false on miss.
// Storage errors are logged and reported as misses; the cache must never
// fail a query.
func (c *ResponseCache) Get(key string) (string, bool) {
	if c == nil || c.db == nil {
		return "", false
	}
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false
	}
	if err != nil {
		slog.Warn("response cache read failed", "error", err)
		return "", false
	}
	return string(out), true
}

// DefaultCacheTTL bounds how long an identical request is answered from
// cache. Short by design: local models get swapped and re-quantized often.
const DefaultCacheTTL = 15 * time.Minute

// Put stores a response with the given TTL. Failures are logged only.
func (c *ResponseCache) Put(key, response string, ttl time.Duration) {
	if c == nil || c.db == nil {
		return
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), []byte(response)).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		slog.Warn("response cache write failed", "error", err)
	}
}
