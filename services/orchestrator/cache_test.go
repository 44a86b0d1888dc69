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
	"testing"
	"time"
)

func newTestCache(t *testing.T) *ResponseCache {
	t.Helper()
	c, err := NewResponseCache()
	if err != nil {
		t.Fatalf("NewResponseCache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestResponseCache_PutGet(t *testing.T) {
	c := newTestCache(t)
	key := c.Key("m1", "prompt", 256, 0.7)

	if _, hit := c.Get(key); hit {
		t.Fatal("unexpected hit on empty cache")
	}
	c.Put(key, "answer", time.Minute)
	got, hit := c.Get(key)
	if !hit || got != "answer" {
		t.Errorf("get = %q, %v", got, hit)
	}
}

func TestResponseCache_KeyVariesWithParameters(t *testing.T) {
	c := newTestCache(t)
	base := c.Key("m1", "prompt", 256, 0.7)
	variants := []string{
		c.Key("m2", "prompt", 256, 0.7),
		c.Key("m1", "prompt!", 256, 0.7),
		c.Key("m1", "prompt", 512, 0.7),
		c.Key("m1", "prompt", 256, 0.8),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collides with the base key", i)
		}
	}
	if again := c.Key("m1", "prompt", 256, 0.7); again != base {
		t.Error("identical request produced a different key")
	}
}

func TestResponseCache_NilSafe(t *testing.T) {
	var c *ResponseCache
	if _, hit := c.Get("k"); hit {
		t.Error("nil cache reported a hit")
	}
	c.Put("k", "v", time.Minute) // must not panic
	if err := c.Close(); err != nil {
		t.Errorf("Close on nil: %v", err)
	}
}
