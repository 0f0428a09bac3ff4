// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"math"
	"sort"
)

// Match is one ranked answer to a find query.
type Match struct {
	QualifiedName string  `json:"qualifiedName"`
	Score         float64 `json:"score"`
	Provider      string  `json:"provider"`
	Title         string  `json:"title,omitempty"`
	Description   string  `json:"description,omitempty"`

	// overlap is the query-term overlap with the local name, kept for the
	// tiebreak and not serialized.
	overlap int
}

// Cosine computes the cosine similarity of two vectors: 1 for identical
// direction, 0 for orthogonal, -1 for opposite. Mismatched lengths score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// rank orders matches by descending score, then by descending query-term
// overlap with the local name, then by qualified name, so equal-score ties
// resolve the same way on every run.
func rank(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		return a.QualifiedName < b.QualifiedName
	})
}

// termOverlap counts how many query terms also occur in the local name.
func termOverlap(queryTerms []string, localName string) int {
	nameTerms := make(map[string]struct{})
	for _, term := range Tokenize(localName) {
		nameTerms[term] = struct{}{}
	}

	overlap := 0
	for _, term := range queryTerms {
		if _, ok := nameTerms[term]; ok {
			overlap++
		}
	}
	return overlap
}
