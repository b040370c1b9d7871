// Package fuzzy provides pure string-similarity helpers for medication-name
// matching. Stateless and allocation-light; safe for concurrent use.
package fuzzy

import "strings"

// Levenshtein returns the edit distance between a and b using two rolling
// rows instead of a full DP table.
func Levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Similarity returns a normalized score in [0,1]: (maxLen - distance) / maxLen.
// Identical strings score 1, fully disjoint strings approach 0.
func Similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	if maxLen == 0 {
		return 1
	}
	return float64(maxLen-Levenshtein(a, b)) / float64(maxLen)
}

// TokenOverlap reports whether a and b share at least one token longer than
// minLen characters. Tokens are whitespace-delimited, compared case-insensitively.
func TokenOverlap(a, b string, minLen int) bool {
	seen := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(a)) {
		if len(tok) > minLen {
			seen[tok] = struct{}{}
		}
	}
	for _, tok := range strings.Fields(strings.ToLower(b)) {
		if len(tok) <= minLen {
			continue
		}
		if _, ok := seen[tok]; ok {
			return true
		}
	}
	return false
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
