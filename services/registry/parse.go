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
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// GGUF Filename Parsing
// =============================================================================
//
// Model files follow loose community conventions, so parsing runs an ordered
// sequence of templates from most specific to most generic:
//
//	1. family-version-size-quant:  DeepSeek-R1-Distill-Llama-8B-Q4_K_M.gguf
//	2. family-size-quant:          qwen2.5-coder-14b-q5_k_m.gguf
//	3. family-size (no quant):     mistral-7B.gguf
//
// A file that matches none of the templates still registers with family
// "unknown" so the user can fix it via overrides.

// ParsedModel is the raw extraction from one filename before tier
// assignment and id derivation.
type ParsedModel struct {
	Family       string
	Version      string
	SizeParams   float64 // billions; 0 when absent
	Quantization Quantization
	IsThinking   bool
	IsCoder      bool
	IsInstruct   bool
}

var (
	// Template 1: explicit version segment between family and size,
	// e.g. "deepseek-r1-distill-llama-8b-q4_k_m".
	reFamilyVersionSizeQuant = regexp.MustCompile(
		`(?i)^(?P<family>[a-z][a-z0-9_.]*?)[-_.]+(?P<version>v?\d+(?:\.\d+)*|r\d+|o\d+)[-_.]+(?P<suffix>[a-z0-9_.-]*?)[-_.]*(?P<size>\d+(?:\.\d+)?)b[-_.]+(?P<quant>(?:i?q\d[\w]*|f(?:p)?16|f(?:p)?32|bf16))$`)

	// Template 2: family straight to size and quant,
	// e.g. "qwen2.5-coder-14b-q5_k_m".
	reFamilySizeQuant = regexp.MustCompile(
		`(?i)^(?P<family>[a-z][a-z0-9_.]*(?:[-_.][a-z][a-z0-9_.]*)*?)[-_.]+(?P<size>\d+(?:\.\d+)?)b[-_.]+(?P<quant>(?:i?q\d[\w]*|f(?:p)?16|f(?:p)?32|bf16))$`)

	// Template 3: family and size only, e.g. "mistral-7b".
	reFamilySize = regexp.MustCompile(
		`(?i)^(?P<family>[a-z][a-z0-9_.]*(?:[-_.][a-z][a-z0-9_.]*)*?)[-_.]+(?P<size>\d+(?:\.\d+)?)b$`)

	reThinking = regexp.MustCompile(`(?i)(?:^|[-_.])(r1|o1|thinking)(?:[-_.]|$)`)
	reCoder    = regexp.MustCompile(`(?i)(?:^|[-_.])(coder?|code)(?:[-_.]|$)`)
	reInstruct = regexp.MustCompile(`(?i)(?:^|[-_.])(instruct|chat)(?:[-_.]|$)`)
)

// parseTemplates is tried in order; first match wins.
var parseTemplates = []*regexp.Regexp{
	reFamilyVersionSizeQuant,
	reFamilySizeQuant,
	reFamilySize,
}

// ParseFilename extracts model attributes from a GGUF filename.
//
// Description:
//
//	Strips the .gguf extension, runs the ordered templates, and applies the
//	keyword heuristics for thinking/coder/instruct detection over the whole
//	stem. Never fails: an unmatched filename yields family "unknown" with
//	QuantUnknown so the model still registers.
//
// Inputs:
//   - filename: base name or path of the model file.
//
// Outputs:
//   - ParsedModel: the extraction; Family == "unknown" when no template matched.
func ParseFilename(filename string) ParsedModel {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	p := ParsedModel{
		Family:       "unknown",
		Quantization: QuantUnknown,
		IsThinking:   reThinking.MatchString(stem),
		IsCoder:      reCoder.MatchString(stem),
		IsInstruct:   reInstruct.MatchString(stem),
	}

	for _, re := range parseTemplates {
		m := re.FindStringSubmatch(stem)
		if m == nil {
			continue
		}
		groups := map[string]string{}
		for i, name := range re.SubexpNames() {
			if name != "" && i < len(m) {
				groups[name] = m[i]
			}
		}
		p.Family = normalizeToken(groups["family"])
		p.Version = strings.ToLower(groups["version"])
		if size := groups["size"]; size != "" {
			if v, err := strconv.ParseFloat(size, 64); err == nil {
				p.SizeParams = v
			}
		}
		if q := groups["quant"]; q != "" {
			p.Quantization = ParseQuantization(canonicalQuantToken(q))
		}
		return p
	}
	return p
}

// DeriveID builds the stable model id from the parsed fields and assigned
// tier, e.g. "deepseek_r1_8b_q4km_powerful".
func DeriveID(p ParsedModel, tier Tier) string {
	parts := []string{p.Family}
	if p.Version != "" {
		parts = append(parts, normalizeToken(p.Version))
	}
	if p.SizeParams > 0 {
		size := strconv.FormatFloat(p.SizeParams, 'f', -1, 64)
		parts = append(parts, strings.ReplaceAll(size, ".", "p")+"b")
	}
	if p.Quantization != QuantUnknown {
		quant := strings.ToLower(string(p.Quantization))
		parts = append(parts, strings.ReplaceAll(quant, "_", ""))
	}
	parts = append(parts, string(tier))
	return strings.Join(parts, "_")
}

// normalizeToken lowercases and folds separator runs to single underscores.
func normalizeToken(s string) string {
	s = strings.ToLower(s)
	s = strings.Trim(s, "-_.")
	var b strings.Builder
	prevSep := false
	for _, r := range s {
		if r == '-' || r == '_' || r == '.' {
			if !prevSep {
				b.WriteByte('_')
			}
			prevSep = true
			continue
		}
		prevSep = false
		b.WriteRune(r)
	}
	return b.String()
}

// canonicalQuantToken rewrites filename quant spellings ("q4_k_m", "Q4-K-M",
// "q4km") into the underscore form ParseQuantization expects.
func canonicalQuantToken(s string) string {
	s = strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
	switch s {
	case "Q4KM":
		return "Q4_K_M"
	case "Q5KM":
		return "Q5_K_M"
	case "Q3KM":
		return "Q3_K_M"
	}
	return s
}

// buildModel assembles a Model from a parse, applying tier assignment and
// id derivation. Port assignment happens later during allocation.
func buildModel(path string, fileSize int64, p ParsedModel, th TierThresholds) *Model {
	m := &Model{
		Path:          path,
		Family:        p.Family,
		Version:       p.Version,
		SizeParams:    p.SizeParams,
		Quantization:  p.Quantization,
		IsThinking:    p.IsThinking,
		IsCoder:       p.IsCoder,
		IsInstruct:    p.IsInstruct,
		FileSizeBytes: fileSize,
	}
	if p.Family == "unknown" {
		// Malformed names park in BALANCED until the user overrides.
		m.AssignedTier = TierBalanced
	} else {
		m.AssignedTier = AssignTier(m, th)
	}
	if p.Family == "unknown" {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		m.ID = fmt.Sprintf("unknown_%s", normalizeToken(stem))
	} else {
		m.ID = DeriveID(p, m.AssignedTier)
	}
	return m
}
