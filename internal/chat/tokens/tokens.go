// Package tokens estimates token costs for prompt budgeting.
//
// Estimates use the ~4 chars/token heuristic. Good enough for threshold
// comparison against a model's context window; not billing-accurate for
// any real tokenizer.
package tokens

import "unicode/utf8"

// CharsPerToken is the assumed average characters per token.
const CharsPerToken = 4

// MessageOverhead is the fixed per-message token cost for role and
// structure framing in the wire format.
const MessageOverhead = 4

// Estimate returns the approximate token count for text, rounding up.
// Empty text costs 0.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateAll sums the estimates for each content string plus
// MessageOverhead per entry.
func EstimateAll(contents []string) int {
	total := 0
	for _, c := range contents {
		total += Estimate(c) + MessageOverhead
	}
	return total
}

// Truncate cuts text at limit bytes, backing the cut off so it never
// lands inside a multi-byte rune.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}
