// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package pricing

// Estimate is a pre-call token count guess with a confidence score.
type Estimate struct {
	Tokens     int64
	Confidence float64 // in [0.70, 0.95]; 1.0 for empty input
}

// EstimateTokens estimates the token count of a text using the four
// characters per token heuristic, rounding up. The confidence starts at
// 0.85 and is nudged down for texts with a high non-ASCII share (tokenizers
// split those less predictably) and up for typical word-spaced prose.
func EstimateTokens(text string) Estimate {
	if len(text) == 0 {
		return Estimate{Tokens: 0, Confidence: 1.0}
	}

	tokens := int64(len(text)+3) / 4

	confidence := 0.85

	var nonASCII, spaces int
	for i := 0; i < len(text); i++ {
		if text[i] >= 0x80 {
			nonASCII++
		} else if text[i] == ' ' {
			spaces++
		}
	}

	if nonASCII*10 > len(text) {
		confidence -= 0.1
	} else if spaces > 0 && len(text)/(spaces+1) <= 12 {
		// Word lengths near English prose average tokenize predictably.
		confidence += 0.1
	}

	if confidence < 0.70 {
		confidence = 0.70
	}
	if confidence > 0.95 {
		confidence = 0.95
	}

	return Estimate{Tokens: tokens, Confidence: confidence}
}
