// Package tokens provides token count estimation for indexed document chunks.
// Because the service supports multiple embedding backends with different
// tokenizers, it uses a conservative character-based heuristic:
// 1 token ≈ 4 characters (English prose and code). The per-file totals
// computed here are persisted on the source record when indexing finishes.
package tokens

// charsPerToken is the conservative character-to-token ratio used for
// estimation. 4 chars/token is standard for English and code.
const charsPerToken = 4

// Estimate returns a rough token count for s using the character heuristic.
// Non-empty strings always count as at least one token.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateAll returns the summed estimated token count for a slice of chunk
// texts.
func EstimateAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}
