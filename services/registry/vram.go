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

import "sort"

// =============================================================================
// VRAM Estimation
// =============================================================================

// weightOverhead accounts for non-weight tensors (embeddings, norms) and
// runtime buffers on top of raw quantized weights.
const weightOverhead = 1.08

// kvBytesPerTokenPerBillion approximates KV-cache cost: roughly 128 KiB per
// context token per billion parameters for common GQA architectures at f16.
const kvBytesPerTokenPerBillion = 2048.0

// VRAMEstimate is the projected memory footprint of one enabled model.
type VRAMEstimate struct {
	ModelID     string  `json:"modelId"`
	DisplayName string  `json:"displayName"`
	WeightsGB   float64 `json:"weightsGb"`
	KVCacheGB   float64 `json:"kvCacheGb"`
	TotalGB     float64 `json:"totalGb"`
}

// FleetVRAMEstimate aggregates per-model estimates for the enabled set.
type FleetVRAMEstimate struct {
	ContextSize int            `json:"contextSize"`
	Models      []VRAMEstimate `json:"models"`
	TotalGB     float64        `json:"totalGb"`
}

// EstimateVRAM projects VRAM usage for all enabled models at the given
// context size. Estimates are heuristic; llama.cpp's actual allocation
// depends on architecture details the filename cannot convey.
func (s *Store) EstimateVRAM(contextSize int) FleetVRAMEstimate {
	out := FleetVRAMEstimate{ContextSize: contextSize}
	for _, m := range s.EnabledModels() {
		weights := m.SizeParams * 1e9 * m.Quantization.bitsPerWeight() / 8 * weightOverhead
		kv := float64(contextSize) * kvBytesPerTokenPerBillion * m.SizeParams
		est := VRAMEstimate{
			ModelID:     m.ID,
			DisplayName: m.DisplayName(),
			WeightsGB:   round2(weights / 1e9),
			KVCacheGB:   round2(kv / 1e9),
		}
		est.TotalGB = round2(est.WeightsGB + est.KVCacheGB)
		out.Models = append(out.Models, est)
		out.TotalGB += est.TotalGB
	}
	out.TotalGB = round2(out.TotalGB)
	sort.Slice(out.Models, func(i, j int) bool {
		return out.Models[i].TotalGB > out.Models[j].TotalGB
	})
	return out
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
