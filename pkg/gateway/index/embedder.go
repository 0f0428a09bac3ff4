// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package index embeds tool descriptions, persists the vectors keyed by a
// catalog fingerprint, and answers top-k queries while warm-up is still
// running.
package index

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/tooldeck/tooldeck/pkg/gateway"
)

// Embedder turns text into vectors. Implementations must be safe for
// concurrent use; the warm-up pool calls EmbedBatch from several goroutines.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the vector width this embedder produces.
	Dimension() int
	// ModelID names the embedding space. Vectors from different model ids
	// are never compared.
	ModelID() string
	// Close releases any underlying resources.
	Close() error
}

// LexicalDimension is the vector width of the offline embedder.
const LexicalDimension = 256

// lexicalModelID is versioned so a change to the hashing scheme invalidates
// persisted vectors.
const lexicalModelID = "lexical-fnv-256-v1"

// LexicalEmbedder is the deterministic offline embedder used when no model
// is configured: tokens and character trigrams are hashed into a fixed-width
// bag and L2-normalized. It needs no network and produces identical vectors
// on every platform.
type LexicalEmbedder struct {
	dimension int
}

// NewLexicalEmbedder returns the offline embedder.
func NewLexicalEmbedder() *LexicalEmbedder {
	return &LexicalEmbedder{dimension: LexicalDimension}
}

// Embed hashes the text into a normalized term-frequency vector.
func (e *LexicalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)

	for _, term := range Tokenize(text) {
		// Whole tokens score higher than their trigrams so exact word hits
		// dominate partial overlaps.
		vec[e.bucket(term)] += 2
		for _, gram := range trigrams(term) {
			vec[e.bucket(gram)]++
		}
	}

	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *LexicalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Dimension returns the vector width.
func (e *LexicalEmbedder) Dimension() int {
	return e.dimension
}

// ModelID identifies the lexical embedding space.
func (*LexicalEmbedder) ModelID() string {
	return lexicalModelID
}

// Close is a no-op for the lexical embedder.
func (*LexicalEmbedder) Close() error {
	return nil
}

func (e *LexicalEmbedder) bucket(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(e.dimension)) //nolint:gosec // dimension is small and positive
}

func trigrams(term string) []string {
	if len(term) <= 3 {
		return nil
	}
	grams := make([]string, 0, len(term)-2)
	for i := 0; i+3 <= len(term); i++ {
		grams = append(grams, term[i:i+3])
	}
	return grams
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}

// Tokenize lowercases and splits text on non-alphanumerics and camelCase
// boundaries, dropping single-rune fragments. Shared by the embedder and the
// ranking tiebreak so both sides agree on what a term is.
func Tokenize(text string) []string {
	var terms []string
	var current strings.Builder

	flush := func() {
		if current.Len() >= 2 {
			terms = append(terms, current.String())
		}
		current.Reset()
	}

	var prev rune
	for _, r := range text {
		switch {
		case unicode.IsUpper(r):
			if unicode.IsLower(prev) || unicode.IsDigit(prev) {
				flush()
			}
			current.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return terms
}

// EmbeddingText builds the text a tool record is embedded from: local name,
// title, description and the schema's property names, so a query mentioning
// a parameter can still land on the right tool.
func EmbeddingText(rec gateway.ToolRecord) string {
	var b strings.Builder
	b.WriteString(rec.LocalName)
	if rec.Title != "" {
		b.WriteString(" ")
		b.WriteString(rec.Title)
	}
	if rec.Description != "" {
		b.WriteString(" ")
		b.WriteString(rec.Description)
	}

	if len(rec.InputSchema) > 0 {
		properties := gjson.GetBytes(rec.InputSchema, "properties")
		properties.ForEach(func(key, _ gjson.Result) bool {
			b.WriteString(" ")
			b.WriteString(key.String())
			return true
		})
	}
	return b.String()
}
