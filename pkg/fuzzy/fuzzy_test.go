package fuzzy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"atorvastatin", "atorvastatin", 0},
		{"lipitor", "lipitore", 1},
		{"metformin", "metforman", 1},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Levenshtein(c.a, c.b), "%q vs %q", c.a, c.b)
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 1.0, Similarity("aspirin", "aspirin"))
	assert.InDelta(t, 0.875, Similarity("lipitor", "lipitore"), 1e-9)
	assert.Less(t, Similarity("aspirin", "metformin"), 0.5)
}

func TestTokenOverlap(t *testing.T) {
	assert.True(t, TokenOverlap("atorvastatin calcium", "Atorvastatin 20mg", 2))
	assert.False(t, TokenOverlap("aspirin", "metformin", 2))
	// Tokens at or below minLen are ignored.
	assert.False(t, TokenOverlap("an od", "an od", 2))
}
