// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package settings persists the runtime tunables as one schema-validated
// JSON document with atomic rewrite. Changes to fields that require an
// inference-server restart are flagged so the UI can surface a prompt.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Document
// =============================================================================

// Settings is the runtime tunables document. Validation tags are enforced on
// load and on every Put.
type Settings struct {
	ScanPath            string  `json:"scanPath" validate:"required"`
	InferenceBinaryPath string  `json:"inferenceBinaryPath" validate:"required"`
	BindHost            string  `json:"bindHost" validate:"required"`
	PortRangeStart      int     `json:"portRangeStart" validate:"gte=1024,lte=65535"`
	PortRangeEnd        int     `json:"portRangeEnd" validate:"gte=1024,lte=65535,gtefield=PortRangeStart"`
	PowerfulMinBillions float64 `json:"powerfulMinBillions" validate:"gt=0"`
	FastMaxBillions     float64 `json:"fastMaxBillions" validate:"gt=0"`

	DefaultTemperature float64 `json:"defaultTemperature" validate:"gte=0,lte=2"`
	DefaultMaxTokens   int     `json:"defaultMaxTokens" validate:"gte=1,lte=32000"`
	ContextSize        int     `json:"contextSize" validate:"gte=512"`

	CGRAGTokenBudget int    `json:"cgragTokenBudget" validate:"gte=0"`
	CGRAGEndpoint    string `json:"cgragEndpoint,omitempty"`

	MaxStartupSeconds  int  `json:"maxStartupSeconds" validate:"gte=1"`
	StopGraceSeconds   int  `json:"stopGraceSeconds" validate:"gte=1"`
	ConcurrentStarts   bool `json:"concurrentStarts"`
	CallTimeoutSeconds int  `json:"callTimeoutSeconds" validate:"gte=1"`
	QueryTimeoutSeconds int `json:"queryTimeoutSeconds" validate:"gte=0"` // 0 disables

	BenchmarkConcurrentCap int `json:"benchmarkConcurrentCap" validate:"gte=1"`
	QueryRateLimitPerSec   int `json:"queryRateLimitPerSec" validate:"gte=0"` // 0 disables
}

// Defaults returns the out-of-the-box document.
func Defaults() Settings {
	return Settings{
		ScanPath:               "/models",
		InferenceBinaryPath:    "/usr/local/bin/llama-server",
		BindHost:               "127.0.0.1",
		PortRangeStart:         8100,
		PortRangeEnd:           8199,
		PowerfulMinBillions:    20,
		FastMaxBillions:        10,
		DefaultTemperature:     0.7,
		DefaultMaxTokens:       2048,
		ContextSize:            16384,
		CGRAGTokenBudget:       6000,
		MaxStartupSeconds:      120,
		StopGraceSeconds:       10,
		ConcurrentStarts:       true,
		CallTimeoutSeconds:     120,
		QueryTimeoutSeconds:    0,
		BenchmarkConcurrentCap: 8,
		QueryRateLimitPerSec:   0,
	}
}

// restartRequiredFields are document fields whose change only takes effect
// on the next inference-server start.
var restartRequiredFields = []string{
	"scanPath", "inferenceBinaryPath", "bindHost", "portRangeStart", "portRangeEnd",
}

// =============================================================================
// Store
// =============================================================================

// Store owns the in-memory document and its persistence.
//
// Thread Safety: Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	doc      Settings
	path     string
	validate *validator.Validate
}

// NewStore loads the persisted document when present, else starts from
// defaults merged with the given overrides.
func NewStore(path string, initial Settings) (*Store, error) {
	s := &Store{path: path, doc: initial, validate: validator.New()}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			var loaded Settings
			if err := json.Unmarshal(data, &loaded); err != nil {
				return nil, fmt.Errorf("parse settings %s: %w", path, err)
			}
			s.doc = loaded
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}
	if err := s.validate.Struct(s.doc); err != nil {
		return nil, fmt.Errorf("settings validation: %w", err)
	}
	return s, nil
}

// Get returns a copy of the current document.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// PutResult reports the outcome of a settings update.
type PutResult struct {
	Settings        Settings `json:"settings"`
	RestartRequired bool     `json:"restartRequired"`
	ChangedFields   []string `json:"changedFields,omitempty"`
}

// Put validates and applies a full replacement document, persisting
// atomically. The new values take effect in memory immediately; restart-
// required fields are flagged and take effect on the next server start.
func (s *Store) Put(next Settings) (PutResult, error) {
	if err := s.validate.Struct(next); err != nil {
		return PutResult{}, fmt.Errorf("settings validation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := diffFields(s.doc, next)
	prev := s.doc
	s.doc = next
	if err := s.persistLocked(); err != nil {
		s.doc = prev
		return PutResult{}, err
	}
	res := PutResult{Settings: next, ChangedFields: changed}
	for _, f := range changed {
		for _, rf := range restartRequiredFields {
			if f == rf {
				res.RestartRequired = true
			}
		}
	}
	return res, nil
}

// Reset restores defaults (preserving nothing) and persists.
func (s *Store) Reset() (Settings, error) {
	res, err := s.Put(Defaults())
	return res.Settings, err
}

// Validate checks a candidate document without applying it.
func (s *Store) Validate(candidate Settings) error {
	return s.validate.Struct(candidate)
}

// Export returns the canonical serialized document.
func (s *Store) Export() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.MarshalIndent(s.doc, "", "  ")
}

// Import parses, validates, and applies a serialized document.
func (s *Store) Import(data []byte) (PutResult, error) {
	var next Settings
	if err := json.Unmarshal(data, &next); err != nil {
		return PutResult{}, fmt.Errorf("parse import: %w", err)
	}
	return s.Put(next)
}

// FieldSchema describes one settings field for the UI.
type FieldSchema struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	Constraint      string `json:"constraint,omitempty"`
	RestartRequired bool   `json:"restartRequired"`
}

// Schema describes the document for form generation, derived from the
// struct's json and validate tags via reflection at call time.
func (s *Store) Schema() []FieldSchema {
	return schemaOf(Settings{}, restartRequiredFields)
}

// persistLocked writes the document via temp + rename. Callers hold s.mu.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(name, s.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename settings: %w", err)
	}
	return nil
}
