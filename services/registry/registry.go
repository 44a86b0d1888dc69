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
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Store
// =============================================================================

// Config holds the discovery parameters of a Store.
type Config struct {
	ScanPath       string
	PortRange      PortRange
	TierThresholds TierThresholds
	// PersistPath is the JSON document location (model_registry.json).
	PersistPath string
}

// DefaultTierThresholds matches the common local split: ≥20B params is
// POWERFUL, <10B with a cheap quant is FAST.
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{PowerfulMin: 20, FastMax: 10}
}

// Store owns the in-memory registry and its persistence.
//
// Description:
//
//	A single mutex guards the registry map; persistence is write-to-temp +
//	atomic rename so a crash cannot corrupt model_registry.json. Rescans
//	merge onto the existing registry, preserving user overrides, enabled
//	flags, and port assignments for surviving ids.
//
// Thread Safety: Store is safe for concurrent use.
type Store struct {
	mu  sync.Mutex
	reg *Registry
	cfg Config
}

// NewStore creates a Store, loading the persisted registry when present.
//
// Outputs:
//   - *Store: ready for Discover/Rescan.
//   - error: non-nil only when an existing document exists but cannot be
//     parsed; a missing file is not an error.
func NewStore(cfg Config) (*Store, error) {
	s := &Store{
		cfg: cfg,
		reg: &Registry{
			Models:         map[string]*Model{},
			ScanPath:       cfg.ScanPath,
			PortRange:      cfg.PortRange,
			TierThresholds: cfg.TierThresholds,
		},
	}
	if cfg.PersistPath == "" {
		return s, nil
	}
	data, err := os.ReadFile(cfg.PersistPath)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var loaded Registry
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", cfg.PersistPath, err)
	}
	if loaded.Models == nil {
		loaded.Models = map[string]*Model{}
	}
	// Runtime config wins over persisted values for scan path and range so
	// environment changes take effect without hand-editing the document.
	loaded.ScanPath = cfg.ScanPath
	loaded.PortRange = cfg.PortRange
	loaded.TierThresholds = cfg.TierThresholds
	s.reg = &loaded
	return s, nil
}

// Snapshot returns a deep copy of the registry for read-only use.
func (s *Store) Snapshot() Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() Registry {
	out := *s.reg
	out.Models = make(map[string]*Model, len(s.reg.Models))
	for id, m := range s.reg.Models {
		cp := *m
		out.Models[id] = &cp
	}
	out.Warnings = append([]string(nil), s.reg.Warnings...)
	return out
}

// Get returns a copy of one model.
func (s *Store) Get(id string) (Model, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.reg.Models[id]
	if !ok {
		return Model{}, false
	}
	return *m, true
}

// EnabledModels returns copies of all enabled models, sorted by id.
func (s *Store) EnabledModels() []Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Model, 0, len(s.reg.Models))
	for _, m := range s.reg.Models {
		if m.Enabled {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ModelsByTier returns copies of models whose effective tier matches.
func (s *Store) ModelsByTier(tier Tier) []Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Model{}
	for _, m := range s.reg.Models {
		if m.EffectiveTier() == tier {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// Discovery
// =============================================================================

// discover walks the scan path and parses every .gguf file into a fresh
// model set keyed by id. Duplicate ids tie-break deterministically by file
// size (larger wins) then path.
func (s *Store) discover() (map[string]*Model, error) {
	found := map[string]*Model{}
	err := filepath.WalkDir(s.cfg.ScanPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree: log and keep walking.
			slog.Warn("scan error", "path", path, "error", err)
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".gguf") {
			return nil
		}
		info, err := d.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		parsed := ParseFilename(d.Name())
		m := buildModel(path, size, parsed, s.cfg.TierThresholds)
		m.DiscoveredAt = time.Now().UTC()
		if parsed.Family == "unknown" {
			slog.Warn("unparseable model filename, registering as unknown",
				"file", d.Name(), "id", m.ID)
		}
		if prev, dup := found[m.ID]; dup {
			if prev.FileSizeBytes > m.FileSizeBytes ||
				(prev.FileSizeBytes == m.FileSizeBytes && prev.Path < m.Path) {
				return nil
			}
		}
		found[m.ID] = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.cfg.ScanPath, err)
	}
	return found, nil
}

// Rescan performs discovery and merges the result onto the existing registry.
//
// Description:
//
//	For ids present in both the old and new sets, tier_override,
//	thinking_override, enabled, and port are preserved. Brand-new ids get
//	fresh deterministic port allocations. Ids whose files vanished are
//	retained with a warning when enabled, or dropped when disabled.
//	The merged registry is persisted before returning.
//
// Outputs:
//   - Registry: deep copy of the merged registry.
//   - error: discovery walk or persistence failure.
func (s *Store) Rescan() (Registry, error) {
	fresh, err := s.discover()
	if err != nil {
		return Registry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]*Model, len(fresh))
	warnings := []string{}

	for id, m := range fresh {
		if old, ok := s.reg.Models[id]; ok {
			m.TierOverride = old.TierOverride
			m.ThinkingOverride = old.ThinkingOverride
			m.Enabled = old.Enabled
			m.Port = old.Port
			m.DiscoveredAt = old.DiscoveredAt
		}
		merged[id] = m
	}
	// Vanished ids: keep if enabled (surface warning), drop if disabled.
	for id, old := range s.reg.Models {
		if _, stillThere := fresh[id]; stillThere {
			continue
		}
		if old.Enabled {
			cp := *old
			cp.Missing = true
			merged[id] = &cp
			warnings = append(warnings,
				fmt.Sprintf("enabled model %s: file %s no longer exists", id, old.Path))
		} else {
			slog.Info("dropping vanished disabled model", "id", id, "path", old.Path)
		}
	}

	s.reg.Models = merged
	s.reg.Warnings = warnings
	s.reg.LastScanAt = time.Now().UTC()
	if err := s.allocatePortsLocked(); err != nil {
		return Registry{}, err
	}
	if err := s.persistLocked(); err != nil {
		return Registry{}, err
	}
	slog.Info("registry rescan complete",
		"models", len(merged), "warnings", len(warnings))
	return s.copyLocked(), nil
}

// allocatePortsLocked assigns the first unused port in range to every model
// without one, walking ids in sorted order for reproducibility.
func (s *Store) allocatePortsLocked() error {
	used := map[int]bool{}
	for _, m := range s.reg.Models {
		if m.Port != 0 {
			if !s.reg.PortRange.Contains(m.Port) {
				// Range shrank under an existing assignment; reallocate.
				m.Port = 0
				continue
			}
			used[m.Port] = true
		}
	}
	ids := make([]string, 0, len(s.reg.Models))
	for id, m := range s.reg.Models {
		if m.Port == 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	next := s.reg.PortRange.Start
	for _, id := range ids {
		for next <= s.reg.PortRange.End && used[next] {
			next++
		}
		if next > s.reg.PortRange.End {
			return fmt.Errorf("port range %d-%d exhausted (%d models)",
				s.reg.PortRange.Start, s.reg.PortRange.End, len(s.reg.Models))
		}
		s.reg.Models[id].Port = next
		used[next] = true
	}
	return nil
}

// =============================================================================
// Mutations
// =============================================================================

// UpdateTier sets or clears the tier override and persists atomically.
// Pass nil to clear.
func (s *Store) UpdateTier(id string, tier *Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.reg.Models[id]
	if !ok {
		return fmt.Errorf("model %s: %w", id, ErrNotFound)
	}
	m.TierOverride = tier
	return s.persistLocked()
}

// UpdateThinking sets the thinking override. When set true and no tier
// override exists, the assigned tier is recomputed, which promotes the
// model to POWERFUL.
func (s *Store) UpdateThinking(id string, thinking bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.reg.Models[id]
	if !ok {
		return fmt.Errorf("model %s: %w", id, ErrNotFound)
	}
	m.ThinkingOverride = &thinking
	m.AssignedTier = AssignTier(m, s.reg.TierThresholds)
	return s.persistLocked()
}

// ToggleEnabled sets the enabled flag and persists. Idempotent: setting the
// current value is a no-op on registry state.
func (s *Store) ToggleEnabled(id string, enabled bool) (Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.reg.Models[id]
	if !ok {
		return Model{}, fmt.Errorf("model %s: %w", id, ErrNotFound)
	}
	if m.Enabled == enabled {
		return *m, nil
	}
	m.Enabled = enabled
	if err := s.persistLocked(); err != nil {
		m.Enabled = !enabled
		return Model{}, err
	}
	return *m, nil
}

// ErrNotFound marks an unknown model id.
var ErrNotFound = fmt.Errorf("not found")

// =============================================================================
// Persistence
// =============================================================================

// persistLocked writes the registry JSON via temp-file + rename. Callers
// must hold s.mu.
func (s *Store) persistLocked() error {
	if s.cfg.PersistPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return atomicWrite(s.cfg.PersistPath, data)
}

// atomicWrite writes data to path through a temp file in the same directory
// followed by rename, so readers never observe a partial document.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
