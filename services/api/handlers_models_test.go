// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Armada/services/registry"
)

// =============================================================================
// Registry Endpoint Tests
// =============================================================================

func TestHandleGetRegistry(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{},
		"mistral-7b-q4_k_m.gguf",
		"llama-70b-q5_k_m.gguf",
	)
	w := env.do(t, http.MethodGet, "/api/models/registry", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var reg registry.Registry
	decodeBody(t, w, &reg)
	if len(reg.Models) != 2 {
		t.Errorf("models = %d, want 2", len(reg.Models))
	}
}

func TestHandleRescan(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{}, "mistral-7b-q4_k_m.gguf")
	w := env.do(t, http.MethodPost, "/api/models/rescan", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandleUpdateTier(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{}, "mistral-7b-q4_k_m.gguf")
	id := env.modelIDs[0]

	w := env.do(t, http.MethodPut, "/api/models/"+id+"/tier", gin.H{"tier": "powerful"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var m registry.Model
	decodeBody(t, w, &m)
	if m.TierOverride == nil || *m.TierOverride != registry.TierPowerful {
		t.Errorf("override = %v", m.TierOverride)
	}

	// Null tier clears the override.
	w = env.do(t, http.MethodPut, "/api/models/"+id+"/tier", gin.H{"tier": nil})
	if w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}
	var cleared registry.Model
	decodeBody(t, w, &cleared)
	if cleared.TierOverride != nil {
		t.Errorf("override survived clear: %v", *cleared.TierOverride)
	}
}

func TestHandleUpdateTier_Errors(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{}, "mistral-7b-q4_k_m.gguf")
	id := env.modelIDs[0]

	if w := env.do(t, http.MethodPut, "/api/models/"+id+"/tier",
		gin.H{"tier": "turbo"}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid tier = %d", w.Code)
	}
	if w := env.do(t, http.MethodPut, "/api/models/ghost/tier",
		gin.H{"tier": "fast"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown model = %d", w.Code)
	}
}

func TestHandleUpdateThinking(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{}, "mistral-7b-q4_k_m.gguf")
	id := env.modelIDs[0]

	// The thinking field is required; an empty body must not pass binding.
	if w := env.do(t, http.MethodPut, "/api/models/"+id+"/thinking",
		gin.H{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty body = %d", w.Code)
	}

	w := env.do(t, http.MethodPut, "/api/models/"+id+"/thinking", gin.H{"thinking": true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var m registry.Model
	decodeBody(t, w, &m)
	if m.ThinkingOverride == nil || !*m.ThinkingOverride {
		t.Errorf("thinking override = %v", m.ThinkingOverride)
	}
}

func TestHandleUpdateEnabled_Disable(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{}, "mistral-7b-q4_k_m.gguf")
	id := env.modelIDs[0]

	w := env.do(t, http.MethodPut, "/api/models/"+id+"/enabled", gin.H{"enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var m registry.Model
	decodeBody(t, w, &m)
	if m.Enabled {
		t.Error("model still enabled")
	}
}

func TestHandleUpdateEnabled_StartFailureSurfaces(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{}, "mistral-7b-q4_k_m.gguf")
	id := env.modelIDs[0]
	if _, err := env.h.Registry.ToggleEnabled(id, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	// The test manager's binary exits immediately, so the enable succeeds
	// but the server start behind it fails.
	w := env.do(t, http.MethodPut, "/api/models/"+id+"/enabled", gin.H{"enabled": true})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	m, ok := env.h.Registry.Get(id)
	if !ok || !m.Enabled {
		t.Error("start failure rolled back the enabled flag")
	}
}

func TestHandleGetTier(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{}, "mistral-7b-q4_k_m.gguf")
	w := env.do(t, http.MethodGet, "/api/models/tiers/fast", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/models/tiers/turbo", nil); w.Code != http.StatusBadRequest {
		t.Errorf("invalid tier = %d", w.Code)
	}
}

// =============================================================================
// Server Endpoint Tests
// =============================================================================

func TestServerEndpoints(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{}, "mistral-7b-q4_k_m.gguf")
	id := env.modelIDs[0]

	w := env.do(t, http.MethodGet, "/api/models/servers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/api/models/servers/ghost/start", nil); w.Code != http.StatusNotFound {
		t.Errorf("start unknown = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/models/servers/ghost/stop", nil); w.Code != http.StatusNotFound {
		t.Errorf("stop unknown = %d", w.Code)
	}

	// Stopping a server that never ran is a no-op, not an error.
	if w := env.do(t, http.MethodPost, "/api/models/servers/"+id+"/stop", nil); w.Code != http.StatusOK {
		t.Errorf("stop idle = %d", w.Code)
	}

	// The fake binary exits immediately, so a start surfaces as 502.
	if w := env.do(t, http.MethodPost, "/api/models/servers/"+id+"/start", nil); w.Code != http.StatusBadGateway {
		t.Errorf("failed start = %d", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/api/models/servers/stop-all", nil); w.Code != http.StatusOK {
		t.Errorf("stop-all = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/models/servers/start-all", nil); w.Code != http.StatusOK {
		t.Errorf("start-all = %d", w.Code)
	}
}

// =============================================================================
// Profile Tests
// =============================================================================

func TestProfiles_SaveGetListDelete(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{}, "mistral-7b-q4_k_m.gguf")
	id := env.modelIDs[0]

	w := env.do(t, http.MethodPost, "/api/models/profiles", gin.H{
		"name":            "dev",
		"enabledModelIds": []string{id},
		"tierOverrides":   map[string]string{id: "balanced"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("save = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/models/profiles", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var list struct {
		Profiles []string `json:"profiles"`
	}
	decodeBody(t, w, &list)
	if len(list.Profiles) != 1 || list.Profiles[0] != "dev" {
		t.Errorf("profiles = %v", list.Profiles)
	}

	w = env.do(t, http.MethodGet, "/api/models/profiles/dev", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	var p Profile
	decodeBody(t, w, &p)
	if p.Name != "dev" || len(p.EnabledModelIDs) != 1 {
		t.Errorf("profile = %+v", p)
	}

	if w := env.do(t, http.MethodDelete, "/api/models/profiles/dev", nil); w.Code != http.StatusOK {
		t.Errorf("delete = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/models/profiles/dev", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", w.Code)
	}
}

func TestSaveProfile_Rejections(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{}, "mistral-7b-q4_k_m.gguf")
	id := env.modelIDs[0]

	cases := []struct {
		name string
		body gin.H
	}{
		{"traversal name", gin.H{"name": "../evil", "enabledModelIds": []string{id}}},
		{"unknown model", gin.H{"name": "p", "enabledModelIds": []string{"ghost"}}},
		{"bad tier override", gin.H{
			"name":            "p",
			"enabledModelIds": []string{id},
			"tierOverrides":   map[string]string{id: "turbo"},
		}},
	}
	for _, tc := range cases {
		if w := env.do(t, http.MethodPost, "/api/models/profiles", tc.body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", tc.name, w.Code)
		}
	}
}

func TestLoadProfile(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{},
		"mistral-7b-q4_k_m.gguf",
		"llama-70b-q5_k_m.gguf",
	)
	keep, drop := env.modelIDs[0], env.modelIDs[1]

	if w := env.do(t, http.MethodPost, "/api/models/profiles", gin.H{
		"name":            "solo",
		"enabledModelIds": []string{keep},
	}); w.Code != http.StatusCreated {
		t.Fatalf("save = %d", w.Code)
	}
	w := env.do(t, http.MethodPost, "/api/models/profiles/solo/load", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("load = %d, body = %s", w.Code, w.Body.String())
	}

	if m, _ := env.h.Registry.Get(keep); !m.Enabled {
		t.Errorf("%s should stay enabled", keep)
	}
	if m, _ := env.h.Registry.Get(drop); m.Enabled {
		t.Errorf("%s should be disabled by the profile", drop)
	}
}

func TestLoadProfile_Unknown(t *testing.T) {
	env := newTestEnv(t, &fakeCaller{})
	if w := env.do(t, http.MethodPost, "/api/models/profiles/nope/load", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}
