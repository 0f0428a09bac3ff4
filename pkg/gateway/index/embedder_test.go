// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tooldeck/tooldeck/pkg/gateway"
)

func TestTokenize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"plain words", "list open issues", []string{"list", "open", "issues"}},
		{"snake case", "create_pull_request", []string{"create", "pull", "request"}},
		{"camel case", "createIssueComment", []string{"create", "issue", "comment"}},
		{"mixed separators", "repo/branch-name.txt", []string{"repo", "branch", "name", "txt"}},
		{"drops single runes", "a b cd", []string{"cd"}},
		{"empty", "", nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Tokenize(tc.text))
		})
	}
}

func TestLexicalEmbedderIsDeterministicAndNormalized(t *testing.T) {
	t.Parallel()

	e := NewLexicalEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "search repositories by topic")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "search repositories by topic")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, LexicalDimension)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	other, err := e.Embed(ctx, "delete a webhook")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func TestLexicalEmbedderRanksRelatedTextCloser(t *testing.T) {
	t.Parallel()

	e := NewLexicalEmbedder()
	ctx := context.Background()

	query, err := e.Embed(ctx, "open a new issue")
	require.NoError(t, err)
	related, err := e.Embed(ctx, "create_issue opens a new issue in a repository")
	require.NoError(t, err)
	unrelated, err := e.Embed(ctx, "convert timezone of a timestamp")
	require.NoError(t, err)

	assert.Greater(t, Cosine(query, related), Cosine(query, unrelated))
}

func TestCosine(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{0, 0}))
}

func TestRankTiebreaks(t *testing.T) {
	t.Parallel()

	matches := []Match{
		{QualifiedName: "b:tool", Score: 0.5, overlap: 0},
		{QualifiedName: "a:tool", Score: 0.5, overlap: 0},
		{QualifiedName: "c:tool", Score: 0.5, overlap: 2},
		{QualifiedName: "d:tool", Score: 0.9, overlap: 0},
	}
	rank(matches)

	got := make([]string, len(matches))
	for i, m := range matches {
		got[i] = m.QualifiedName
	}
	// Highest score first, then overlap, then lexicographic.
	assert.Equal(t, []string{"d:tool", "c:tool", "a:tool", "b:tool"}, got)
}

func TestTermOverlap(t *testing.T) {
	t.Parallel()

	terms := Tokenize("create new issue")
	assert.Equal(t, 2, termOverlap(terms, "create_issue"))
	assert.Equal(t, 0, termOverlap(terms, "delete_webhook"))
	assert.Equal(t, 1, termOverlap(terms, "issueTracker"))
}

func TestEmbeddingTextIncludesSchemaProperties(t *testing.T) {
	t.Parallel()

	rec := gateway.ToolRecord{
		LocalName:   "create_issue",
		Title:       "Create Issue",
		Description: "Opens an issue",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"repo":{"type":"string"},"assignee":{"type":"string"}}}`),
	}

	text := EmbeddingText(rec)
	assert.Contains(t, text, "create_issue")
	assert.Contains(t, text, "Create Issue")
	assert.Contains(t, text, "Opens an issue")
	assert.Contains(t, text, "repo")
	assert.Contains(t, text, "assignee")
}
