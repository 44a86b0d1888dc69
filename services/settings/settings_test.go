// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	s, err := NewStore(path, Defaults())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, path
}

// =============================================================================
// Load / Persist Tests
// =============================================================================

func TestNewStore_StartsFromDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	doc := s.Get()
	if doc.ScanPath != "/models" || doc.PortRangeStart != 8100 {
		t.Errorf("defaults not applied: %+v", doc)
	}
}

func TestNewStore_LoadsPersistedDocument(t *testing.T) {
	s, path := newTestStore(t)
	next := s.Get()
	next.DefaultMaxTokens = 512
	if _, err := s.Put(next); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := NewStore(path, Defaults())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Get().DefaultMaxTokens != 512 {
		t.Errorf("maxTokens = %d, want persisted 512", reopened.Get().DefaultMaxTokens)
	}
}

func TestNewStore_CorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path, Defaults()); err == nil {
		t.Error("corrupt settings file should error")
	}
}

func TestNewStore_InvalidInitialErrors(t *testing.T) {
	bad := Defaults()
	bad.ScanPath = ""
	if _, err := NewStore("", bad); err == nil {
		t.Error("invalid initial document should error")
	}
}

// =============================================================================
// Put Tests
// =============================================================================

func TestPut_RejectsInvalidDocument(t *testing.T) {
	s, _ := newTestStore(t)
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty scan path", func(d *Settings) { d.ScanPath = "" }},
		{"port below 1024", func(d *Settings) { d.PortRangeStart = 80 }},
		{"inverted port range", func(d *Settings) { d.PortRangeStart = 9000; d.PortRangeEnd = 8000 }},
		{"temperature above 2", func(d *Settings) { d.DefaultTemperature = 2.5 }},
		{"zero max tokens", func(d *Settings) { d.DefaultMaxTokens = 0 }},
		{"tiny context", func(d *Settings) { d.ContextSize = 100 }},
		{"negative cgrag budget", func(d *Settings) { d.CGRAGTokenBudget = -1 }},
		{"zero startup timeout", func(d *Settings) { d.MaxStartupSeconds = 0 }},
	}
	for _, tc := range cases {
		next := Defaults()
		tc.mutate(&next)
		if _, err := s.Put(next); err == nil {
			t.Errorf("%s: Put accepted an invalid document", tc.name)
		}
	}
	// The stored document is untouched after every rejection.
	if s.Get() != Defaults() {
		t.Error("rejected Put mutated the stored document")
	}
}

func TestPut_ReportsChangedFields(t *testing.T) {
	s, _ := newTestStore(t)
	next := s.Get()
	next.DefaultTemperature = 0.2
	next.DefaultMaxTokens = 1024

	res, err := s.Put(next)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(res.ChangedFields) != 2 {
		t.Fatalf("changed = %v, want 2 fields", res.ChangedFields)
	}
	if res.ChangedFields[0] != "defaultTemperature" || res.ChangedFields[1] != "defaultMaxTokens" {
		t.Errorf("changed = %v", res.ChangedFields)
	}
	if res.RestartRequired {
		t.Error("runtime-only fields must not require a restart")
	}
}

func TestPut_FlagsRestartRequired(t *testing.T) {
	s, _ := newTestStore(t)
	next := s.Get()
	next.ScanPath = "/mnt/models"
	res, err := s.Put(next)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !res.RestartRequired {
		t.Error("scanPath change must require a restart")
	}

	next = s.Get()
	next.PortRangeEnd = 8150
	res, err = s.Put(next)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !res.RestartRequired {
		t.Error("port range change must require a restart")
	}
}

func TestPut_NoChangesIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := s.Put(s.Get())
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(res.ChangedFields) != 0 || res.RestartRequired {
		t.Errorf("no-op put reported %+v", res)
	}
}

// =============================================================================
// Reset / Validate Tests
// =============================================================================

func TestReset(t *testing.T) {
	s, _ := newTestStore(t)
	next := s.Get()
	next.DefaultMaxTokens = 64
	if _, err := s.Put(next); err != nil {
		t.Fatalf("Put: %v", err)
	}
	doc, err := s.Reset()
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if doc != Defaults() || s.Get() != Defaults() {
		t.Error("Reset did not restore defaults")
	}
}

func TestValidate_DoesNotApply(t *testing.T) {
	s, _ := newTestStore(t)
	candidate := Defaults()
	candidate.ScanPath = ""
	if err := s.Validate(candidate); err == nil {
		t.Error("invalid candidate should fail validation")
	}
	good := Defaults()
	good.DefaultMaxTokens = 99
	if err := s.Validate(good); err != nil {
		t.Errorf("valid candidate rejected: %v", err)
	}
	if s.Get().DefaultMaxTokens != Defaults().DefaultMaxTokens {
		t.Error("Validate must not mutate the stored document")
	}
}

// =============================================================================
// Export / Import Tests
// =============================================================================

func TestExportImport_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	next := s.Get()
	next.CGRAGEndpoint = "http://localhost:9000"
	if _, err := s.Put(next); err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, err := s.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	other, _ := newTestStore(t)
	res, err := other.Import(data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Settings.CGRAGEndpoint != "http://localhost:9000" {
		t.Errorf("endpoint = %q after round trip", res.Settings.CGRAGEndpoint)
	}
}

func TestImport_RejectsMalformed(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Import([]byte("not json")); err == nil {
		t.Error("malformed import should error")
	}
	var invalid map[string]any
	data, _ := s.Export()
	if err := json.Unmarshal(data, &invalid); err != nil {
		t.Fatal(err)
	}
	invalid["portRangeStart"] = 80
	bad, _ := json.Marshal(invalid)
	if _, err := s.Import(bad); err == nil {
		t.Error("invalid import should error")
	}
}

// =============================================================================
// Schema Tests
// =============================================================================

func TestSchema(t *testing.T) {
	s, _ := newTestStore(t)
	fields := s.Schema()
	if len(fields) == 0 {
		t.Fatal("schema is empty")
	}
	byName := map[string]FieldSchema{}
	for _, f := range fields {
		byName[f.Name] = f
	}
	if f, ok := byName["scanPath"]; !ok || !f.RestartRequired {
		t.Errorf("scanPath schema = %+v", f)
	}
	if f, ok := byName["defaultTemperature"]; !ok || f.RestartRequired {
		t.Errorf("defaultTemperature schema = %+v", f)
	}
	if byName["portRangeStart"].Constraint == "" {
		t.Error("portRangeStart should expose its validate constraint")
	}
}
