// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"fmt"
	"sort"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedderConfig configures a remote OpenAI-compatible embedder. Any
// endpoint speaking the embeddings API works: OpenAI itself, Ollama's v1
// surface, vLLM, and the like.
type OpenAIEmbedderConfig struct {
	// BaseURL overrides the API endpoint; empty means api.openai.com.
	BaseURL string
	// APIKey authenticates the requests. Some local servers accept any
	// value.
	APIKey string
	// Model is the embedding model name, e.g. "text-embedding-3-small".
	Model string
	// Dimension optionally requests reduced-dimension vectors on models
	// that support it; 0 keeps the model's native width.
	Dimension int
}

// OpenAIEmbedder embeds through an OpenAI-compatible API.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
}

// NewOpenAIEmbedder builds the remote embedder.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

// Embed embeds a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in one API call, preserving input order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	req := openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dimension > 0 {
		req.Dimensions = e.dimension
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	// The API documents order preservation but also carries an index per
	// item; trust the index.
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	vectors := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		vectors[i] = item.Embedding
	}
	return vectors, nil
}

// Dimension returns the configured vector width; 0 means the model's
// native width, which callers learn from the vectors themselves.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// ModelID names the embedding space.
func (e *OpenAIEmbedder) ModelID() string {
	return e.model
}

// Close is a no-op; the underlying HTTP client needs no teardown.
func (*OpenAIEmbedder) Close() error {
	return nil
}
