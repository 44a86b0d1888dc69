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
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/Armada/services/orchestrator"
	"github.com/AleutianAI/Armada/services/registry"
)

// =============================================================================
// Model Profiles
// =============================================================================
//
// A profile is a named YAML document under <data>/profiles/ capturing which
// models are enabled, their tier overrides, and default query knobs. Loading
// a profile sets enabled on exactly its ids (everything else is disabled)
// and applies the tier overrides.

// Profile is the YAML document.
type Profile struct {
	Name            string            `yaml:"name" json:"name"`
	EnabledModelIDs []string          `yaml:"enabledModelIds" json:"enabledModelIds"`
	TierOverrides   map[string]string `yaml:"tierOverrides,omitempty" json:"tierOverrides,omitempty"`
	Defaults        ProfileDefaults   `yaml:"defaults,omitempty" json:"defaults"`
}

// ProfileDefaults are the mode knobs a profile pre-selects.
type ProfileDefaults struct {
	Mode        string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	UseContext  *bool    `yaml:"useContext,omitempty" json:"useContext,omitempty"`
	MaxTokens   int      `yaml:"maxTokens,omitempty" json:"maxTokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// profileName keeps file names boring: no separators, no traversal.
var profileName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func (h *Handlers) profilePath(name string) (string, error) {
	if !profileName.MatchString(name) {
		return "", fmt.Errorf("invalid profile name %q", name)
	}
	return filepath.Join(h.ProfilesDir, name+".yaml"), nil
}

// HandleListProfiles handles GET /api/models/profiles.
func (h *Handlers) HandleListProfiles(c *gin.Context) {
	entries, err := os.ReadDir(h.ProfilesDir)
	if err != nil && !os.IsNotExist(err) {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeInternal),
		})
		return
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"profiles": names})
}

// HandleGetProfile handles GET /api/models/profiles/:name.
func (h *Handlers) HandleGetProfile(c *gin.Context) {
	profile, ok := h.readProfile(c, c.Param("name"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, profile)
}

// HandleSaveProfile handles POST /api/models/profiles. Unknown model ids are
// rejected so a profile can never silently reference nothing.
func (h *Handlers) HandleSaveProfile(c *gin.Context) {
	var profile Profile
	if err := c.ShouldBindJSON(&profile); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	path, err := h.profilePath(profile.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	for _, id := range profile.EnabledModelIDs {
		if _, ok := h.Registry.Get(id); !ok {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "unknown model id " + id, Code: string(orchestrator.CodeValidation),
			})
			return
		}
	}
	for id, tier := range profile.TierOverrides {
		if _, err := registry.ParseTier(tier); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: fmt.Sprintf("model %s: %v", id, err),
				Code:  string(orchestrator.CodeValidation),
			})
			return
		}
	}

	data, err := yaml.Marshal(&profile)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeInternal),
		})
		return
	}
	if err := os.MkdirAll(h.ProfilesDir, 0o755); err == nil {
		err = os.WriteFile(path, data, 0o644)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeInternal),
		})
		return
	}
	c.JSON(http.StatusCreated, profile)
}

// HandleDeleteProfile handles DELETE /api/models/profiles/:name.
func (h *Handlers) HandleDeleteProfile(c *gin.Context) {
	path, err := h.profilePath(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "unknown profile " + c.Param("name"),
				Code:  string(orchestrator.CodeNotFound),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeInternal),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
}

// HandleLoadProfile handles POST /api/models/profiles/:name/load.
//
// Description:
//
//	Sets enabled on exactly the profile's ids: listed models are enabled
//	(and their servers started), everything else is disabled (and
//	stopped). Tier overrides are applied before any server starts so
//	routing sees the profile's view immediately.
func (h *Handlers) HandleLoadProfile(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleLoadProfile")

	profile, ok := h.readProfile(c, c.Param("name"))
	if !ok {
		return
	}

	wanted := map[string]bool{}
	for _, id := range profile.EnabledModelIDs {
		wanted[id] = true
	}
	for id, tierStr := range profile.TierOverrides {
		tier, err := registry.ParseTier(tierStr)
		if err != nil {
			continue // validated on save; tolerate hand-edited files
		}
		if err := h.Registry.UpdateTier(id, &tier); err != nil {
			logger.Warn("profile tier override skipped", "model_id", id, "error", err)
		}
	}

	started, stopped := []string{}, []string{}
	for _, m := range h.Registry.Snapshot().Models {
		if wanted[m.ID] && !m.Enabled {
			if _, err := h.Registry.ToggleEnabled(m.ID, true); err != nil {
				logger.Warn("profile enable failed", "model_id", m.ID, "error", err)
				continue
			}
		}
		if !wanted[m.ID] && m.Enabled {
			if _, err := h.Registry.ToggleEnabled(m.ID, false); err != nil {
				logger.Warn("profile disable failed", "model_id", m.ID, "error", err)
				continue
			}
			if err := h.Manager.Stop(m.ID); err == nil {
				stopped = append(stopped, m.ID)
			}
		}
	}
	for _, o := range h.Manager.StartAll(c.Request.Context(), h.Registry.EnabledModels()) {
		if o.Error == "" {
			started = append(started, o.ModelID)
		} else {
			logger.Warn("profile server start failed", "model_id", o.ModelID, "error", o.Error)
		}
	}
	sort.Strings(started)
	sort.Strings(stopped)
	c.JSON(http.StatusOK, gin.H{
		"profile": profile.Name,
		"started": started,
		"stopped": stopped,
	})
}

func (h *Handlers) readProfile(c *gin.Context, name string) (Profile, bool) {
	path, err := h.profilePath(name)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: string(orchestrator.CodeValidation),
		})
		return Profile{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "unknown profile " + name, Code: string(orchestrator.CodeNotFound),
			})
		} else {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: err.Error(), Code: string(orchestrator.CodeInternal),
			})
		}
		return Profile{}, false
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: fmt.Sprintf("profile %s is corrupt: %v", name, err),
			Code:  string(orchestrator.CodeInternal),
		})
		return Profile{}, false
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return profile, true
}
