// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry maintains the authoritative catalog of on-disk GGUF model
// files: discovery, filename parsing, tier assignment, port allocation, and
// atomic JSON persistence with user overrides that survive rescans.
package registry

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Enums
// =============================================================================

// Quantization identifies the weight quantization of a GGUF file.
type Quantization string

const (
	QuantQ2K     Quantization = "Q2_K"
	QuantQ3KM    Quantization = "Q3_K_M"
	QuantQ4KM    Quantization = "Q4_K_M"
	QuantQ5KM    Quantization = "Q5_K_M"
	QuantQ6K     Quantization = "Q6_K"
	QuantQ8Zero  Quantization = "Q8_0"
	QuantF16     Quantization = "F16"
	QuantF32     Quantization = "F32"
	QuantUnknown Quantization = "UNKNOWN"
)

// ParseQuantization maps a filename token (e.g. "q4_k_m", "Q8_0") to a
// Quantization. Unrecognized tokens map to QuantUnknown rather than erroring;
// the file still registers.
func ParseQuantization(s string) Quantization {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "Q2_K", "Q2K":
		return QuantQ2K
	case "Q3_K_M", "Q3_K", "Q3KM":
		return QuantQ3KM
	case "Q4_K_M", "Q4_K", "Q4KM", "Q4_0", "Q4_1":
		return QuantQ4KM
	case "Q5_K_M", "Q5_K", "Q5KM", "Q5_0", "Q5_1":
		return QuantQ5KM
	case "Q6_K", "Q6K":
		return QuantQ6K
	case "Q8_0", "Q8":
		return QuantQ8Zero
	case "F16", "FP16", "BF16":
		return QuantF16
	case "F32", "FP32":
		return QuantF32
	default:
		return QuantUnknown
	}
}

// bitsPerWeight returns the approximate storage cost of one weight under this
// quantization, used for VRAM estimation.
func (q Quantization) bitsPerWeight() float64 {
	switch q {
	case QuantQ2K:
		return 2.6
	case QuantQ3KM:
		return 3.9
	case QuantQ4KM:
		return 4.8
	case QuantQ5KM:
		return 5.7
	case QuantQ6K:
		return 6.6
	case QuantQ8Zero:
		return 8.5
	case QuantF16:
		return 16
	case QuantF32:
		return 32
	default:
		// Assume Q4-class when unknown; the dominant local format.
		return 4.8
	}
}

// isSmallQuant reports whether the quantization belongs to the Q2/Q3/Q4
// families used by the FAST tier assignment rule.
func (q Quantization) isSmallQuant() bool {
	switch q {
	case QuantQ2K, QuantQ3KM, QuantQ4KM:
		return true
	default:
		return false
	}
}

// Tier is the categorical capability bucket of a model.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierPowerful Tier = "powerful"
)

// ParseTier parses a wire tier string. Unknown strings are a validation
// error per the enum-as-string wire contract.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast":
		return TierFast, nil
	case "balanced":
		return TierBalanced, nil
	case "powerful":
		return TierPowerful, nil
	default:
		return "", fmt.Errorf("unknown tier %q (expected fast|balanced|powerful)", s)
	}
}

// rank orders tiers for fallback preference (FAST < BALANCED < POWERFUL).
func (t Tier) rank() int {
	switch t {
	case TierFast:
		return 0
	case TierBalanced:
		return 1
	case TierPowerful:
		return 2
	default:
		return 1
	}
}

// Rank exposes the tier ordering for selection fallback logic.
func (t Tier) Rank() int { return t.rank() }

// =============================================================================
// Model
// =============================================================================

// Model is one discovered inference artifact plus its user-visible overrides.
//
// The id is derived from family, size, quantization, and assigned tier
// (e.g. "deepseek_r1_8b_q4km_powerful") and is stable across rescans.
type Model struct {
	ID           string       `json:"id"`
	Path         string       `json:"path"`
	Family       string       `json:"family"`
	Version      string       `json:"version,omitempty"`
	SizeParams   float64      `json:"sizeParams"` // billions
	Quantization Quantization `json:"quantization"`

	IsThinking bool `json:"isThinking"`
	IsCoder    bool `json:"isCoder"`
	IsInstruct bool `json:"isInstruct"`

	AssignedTier Tier  `json:"assignedTier"`
	TierOverride *Tier `json:"tierOverride,omitempty"`
	// ThinkingOverride, when set, replaces the filename heuristic.
	ThinkingOverride *bool `json:"thinkingOverride,omitempty"`

	Port    int  `json:"port"`
	Enabled bool `json:"enabled"`

	// Missing is set when the file vanished but the model is retained
	// because it is still enabled.
	Missing bool `json:"missing,omitempty"`

	FileSizeBytes int64     `json:"fileSizeBytes,omitempty"`
	DiscoveredAt  time.Time `json:"discoveredAt"`
}

// EffectiveTier returns the tier override when present, else the assigned tier.
func (m *Model) EffectiveTier() Tier {
	if m.TierOverride != nil {
		return *m.TierOverride
	}
	return m.AssignedTier
}

// EffectiveThinking returns the thinking override when present, else the
// filename-detected flag.
func (m *Model) EffectiveThinking() bool {
	if m.ThinkingOverride != nil {
		return *m.ThinkingOverride
	}
	return m.IsThinking
}

// DisplayName derives a human-friendly name from the parsed fields, e.g.
// "Deepseek R1 8B (Q4_K_M)". Used by per-model metric breakdowns; the raw
// id stays the wire identifier.
func (m *Model) DisplayName() string {
	parts := []string{titleWords(strings.ReplaceAll(m.Family, "_", " "))}
	if m.Version != "" {
		parts = append(parts, strings.ToUpper(m.Version))
	}
	if m.SizeParams > 0 {
		parts = append(parts, fmt.Sprintf("%gB", m.SizeParams))
	}
	name := strings.Join(parts, " ")
	if m.Quantization != QuantUnknown {
		name += fmt.Sprintf(" (%s)", m.Quantization)
	}
	return name
}

// titleWords capitalizes the first letter of each space-separated ASCII word.
func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w[0] >= 'a' && w[0] <= 'z' {
			words[i] = string(w[0]-32) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// =============================================================================
// Registry document
// =============================================================================

// TierThresholds holds the size cut-offs (in billions of parameters) used by
// automatic tier assignment.
type TierThresholds struct {
	PowerfulMin float64 `json:"powerfulMin"`
	FastMax     float64 `json:"fastMax"`
}

// PortRange is the inclusive range inference servers may bind.
type PortRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether p lies in the range.
func (r PortRange) Contains(p int) bool { return p >= r.Start && p <= r.End }

// Registry is the persisted catalog document.
type Registry struct {
	Models         map[string]*Model `json:"models"`
	ScanPath       string            `json:"scanPath"`
	PortRange      PortRange         `json:"portRange"`
	TierThresholds TierThresholds    `json:"tierThresholds"`
	LastScanAt     time.Time         `json:"lastScan"`
	// Warnings carries non-fatal registry conditions, e.g. enabled models
	// whose files vanished.
	Warnings []string `json:"warnings,omitempty"`
}

// AssignTier implements the tier rule: POWERFUL if thinking or large enough;
// FAST if small and cheaply quantized; else BALANCED. Overrides are applied
// by EffectiveTier, not here.
func AssignTier(m *Model, th TierThresholds) Tier {
	if m.EffectiveThinking() || m.SizeParams >= th.PowerfulMin {
		return TierPowerful
	}
	if m.SizeParams < th.FastMax && m.Quantization.isSmallQuant() {
		return TierFast
	}
	return TierBalanced
}
