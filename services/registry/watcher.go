// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Scan-Path Watcher
// =============================================================================

// ChangeFunc is invoked when GGUF files appear or disappear under the scan
// path. op is "created" or "removed". Callers typically emit a
// model_directory_changed event so the UI can prompt a rescan; the watcher
// never triggers a rescan itself.
type ChangeFunc func(path, op string)

// debounceWindow coalesces the burst of fsnotify events produced while a
// multi-gigabyte model file downloads into the scan directory.
const debounceWindow = 2 * time.Second

// Watch observes the scan path for GGUF file churn until ctx is cancelled.
//
// Description:
//
//	Events within debounceWindow of each other for the same file are
//	coalesced. Write events are treated as creation (a file still being
//	copied in fires Create then many Writes). Watcher errors are logged
//	and the loop continues; a failed watcher is degraded UX, not an outage.
//
// Inputs:
//   - ctx: cancels the watch loop.
//   - scanPath: directory to observe (non-recursive; llama.cpp model dirs
//     are conventionally flat).
//   - onChange: callback for coalesced changes. Must not be nil.
func Watch(ctx context.Context, scanPath string, onChange ChangeFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(scanPath); err != nil {
		return err
	}
	slog.Info("watching scan path for model changes", "path", scanPath)

	lastSeen := map[string]time.Time{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".gguf") {
				continue
			}
			now := time.Now()
			if t, seen := lastSeen[ev.Name]; seen && now.Sub(t) < debounceWindow {
				lastSeen[ev.Name] = now
				continue
			}
			lastSeen[ev.Name] = now
			switch {
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
				onChange(ev.Name, "created")
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				onChange(ev.Name, "removed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("scan path watcher error", "error", err)
		}
	}
}
