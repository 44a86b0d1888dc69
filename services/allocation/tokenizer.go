// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package allocation

import (
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// =============================================================================
// Token Counting
// =============================================================================

// tokenizerEncoding is the BPE vocabulary used for counting. cl100k_base is
// close enough to the tokenizers of mainstream local models for budget
// accounting; exact counts are the inference server's concern.
const tokenizerEncoding = "cl100k_base"

// wordTokenRatio is the fallback estimate when the tokenizer is unavailable:
// English text averages ~1.3 BPE tokens per whitespace word.
const wordTokenRatio = 1.3

// TokenCounter counts BPE tokens with a word-count fallback.
//
// Thread Safety: TokenCounter is safe for concurrent use; tiktoken encoders
// are stateless after construction.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter creates a lazy TokenCounter. Encoder construction is
// deferred to first use because it loads the BPE ranks from the embedded
// cache, which is not free.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count returns the token count of text.
//
// Description:
//
//	Uses the cl100k_base encoding. If the encoder cannot be constructed
//	(corrupt cache, unsupported platform), falls back to ⌈words × 1.3⌉ and
//	logs once. Counting never fails.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenizerEncoding)
		if err != nil {
			slog.Warn("tiktoken unavailable, using word-count fallback", "error", err)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return fallbackCount(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// fallbackCount estimates tokens from whitespace-delimited words.
func fallbackCount(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * wordTokenRatio))
}
