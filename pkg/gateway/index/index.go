// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/gateway/catalog"
	"github.com/tooldeck/tooldeck/pkg/logger"
)

const (
	// DefaultFindLimit is the match count when the caller names none.
	DefaultFindLimit = 10
	// MaxFindLimit caps the match count.
	MaxFindLimit = 50

	// FindBudget bounds a find call. Ranking runs over in-memory vectors,
	// so only the query embedding can block, and only on a remote
	// embedder; past the budget the call errors instead of hanging the
	// tool surface.
	FindBudget = 250 * time.Millisecond

	defaultWorkers   = 4
	defaultBatchSize = 16
)

// Config configures the semantic index.
type Config struct {
	// CacheDir holds the per-profile cache files.
	CacheDir string
	// Profile names the cache files; "default" when empty.
	Profile string
	// Workers bounds the embedding pool during warm-up.
	Workers int
	// BatchSize is how many texts go into one embed call.
	BatchSize int
}

// Filters narrows a find query.
type Filters struct {
	// Providers restricts candidates to these provider names.
	Providers []string `json:"providers,omitempty"`
	// Substring keeps only tools whose name or description contains it.
	Substring string `json:"substring,omitempty"`
}

// FindResult is the answer to a find query. During warm-up it reflects
// whatever subset of the catalog has vectors so far.
type FindResult struct {
	Matches            []Match `json:"matches"`
	Total              int     `json:"total"`
	IndexingInProgress bool    `json:"indexingInProgress"`
	Indexed            int     `json:"indexed"`
	TotalTools         int     `json:"totalTools"`
	Message            string  `json:"message,omitempty"`
}

// Index owns the vectors for the current catalog snapshot: it reuses
// persisted embeddings where the cache still matches, re-embeds the rest in
// a background pool, and answers top-k queries against whatever is ready.
type Index struct {
	cfg      Config
	embedder Embedder
	store    *Store

	mu      sync.RWMutex
	snap    *catalog.Snapshot
	vectors map[string][]float32
	meta    Meta

	warming    atomic.Bool
	warmMu     sync.Mutex
	warmCancel context.CancelFunc
	warmDone   chan struct{}
}

// New builds an index persisting under cfg.CacheDir.
func New(cfg Config, embedder Embedder) (*Index, error) {
	if cfg.Profile == "" {
		cfg.Profile = "default"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	store, err := NewStore(cfg.CacheDir, cfg.Profile)
	if err != nil {
		return nil, err
	}

	return &Index{
		cfg:      cfg,
		embedder: embedder,
		store:    store,
		snap:     catalog.EmptySnapshot(),
		vectors:  make(map[string][]float32),
	}, nil
}

// Rebuild points the index at a new catalog snapshot. Vectors whose
// {qualified name, description hash, schema hash, model} still match the
// persisted cache are reused; everything else is embedded in the background.
// A cache whose fingerprint matches the snapshot re-embeds nothing.
func (ix *Index) Rebuild(ctx context.Context, snap *catalog.Snapshot) error {
	ix.stopWarmup()

	meta, rows, err := ix.store.Load(ctx)
	if err != nil {
		logger.Warnw("embedding cache unreadable, re-embedding everything", "error", err)
		meta, rows = nil, nil
	}

	modelID := ix.embedder.ModelID()
	reused := make(map[string][]float32)
	if meta != nil && meta.ModelID == modelID {
		for _, row := range rows {
			rec, ok := snap.Lookup(row.QualifiedName)
			if !ok || row.ModelID != modelID {
				continue
			}
			if catalog.HashDescription(rec) != row.DescHash || catalog.HashSchema(rec) != row.SchemaHash {
				continue
			}
			reused[row.QualifiedName] = row.Vector
		}
	}

	var pending []gateway.ToolRecord
	for _, rec := range snap.Tools() {
		if _, ok := reused[rec.QualifiedName]; !ok {
			pending = append(pending, rec)
		}
	}

	newMeta := Meta{
		Fingerprint:  snap.Fingerprint(),
		ModelID:      modelID,
		TotalTools:   snap.Len(),
		IndexedTools: len(reused),
	}
	if len(pending) == 0 {
		completed := time.Now().UTC()
		if meta != nil && meta.Fingerprint == newMeta.Fingerprint && meta.CompletedAt != nil {
			completed = *meta.CompletedAt
		}
		newMeta.CompletedAt = &completed
	}

	// Skip the rewrite when the files already hold exactly this state.
	upToDate := meta != nil &&
		meta.Fingerprint == newMeta.Fingerprint &&
		meta.ModelID == newMeta.ModelID &&
		meta.IndexedTools == len(reused) &&
		len(rows) == len(reused)
	if !upToDate {
		if err := ix.store.Reset(ctx, newMeta, rowsFor(snap, reused, modelID)); err != nil {
			return fmt.Errorf("failed to reset embedding cache: %w", err)
		}
	}

	ix.mu.Lock()
	ix.snap = snap
	ix.vectors = reused
	ix.meta = newMeta
	ix.mu.Unlock()

	if len(pending) > 0 {
		ix.startWarmup(pending, newMeta)
	} else {
		logger.Infow("semantic index ready", "tools", snap.Len(), "reused", len(reused), "profile", ix.cfg.Profile)
	}
	return nil
}

// rowsFor rebuilds the persisted row set for the reused vectors, in catalog
// order so the file is deterministic.
func rowsFor(snap *catalog.Snapshot, vectors map[string][]float32, modelID string) []Row {
	rows := make([]Row, 0, len(vectors))
	for _, rec := range snap.Tools() {
		vec, ok := vectors[rec.QualifiedName]
		if !ok {
			continue
		}
		rows = append(rows, Row{
			QualifiedName: rec.QualifiedName,
			DescHash:      catalog.HashDescription(rec),
			SchemaHash:    catalog.HashSchema(rec),
			ModelID:       modelID,
			Vector:        vec,
		})
	}
	return rows
}

func (ix *Index) startWarmup(pending []gateway.ToolRecord, meta Meta) {
	warmCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	ix.warmMu.Lock()
	ix.warmCancel = cancel
	ix.warmDone = done
	ix.warmMu.Unlock()

	ix.warming.Store(true)
	logger.Infow("semantic index warm-up started",
		"pending", len(pending), "reused", meta.IndexedTools, "workers", ix.cfg.Workers, "model", meta.ModelID)

	go func() {
		defer close(done)
		defer ix.warming.Store(false)
		ix.warmUp(warmCtx, pending, meta)
	}()
}

// warmUp embeds pending records in batches across a bounded pool. Failed
// batches are logged and left unindexed; the index stays partial rather
// than failing the run.
func (ix *Index) warmUp(ctx context.Context, pending []gateway.ToolRecord, meta Meta) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Workers)

	var mu sync.Mutex
	indexed := meta.IndexedTools
	failed := 0

	for start := 0; start < len(pending); start += ix.cfg.BatchSize {
		batch := pending[start:min(start+ix.cfg.BatchSize, len(pending))]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, rec := range batch {
				texts[i] = EmbeddingText(rec)
			}

			vectors, err := ix.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warnw("embedding batch failed, tools stay unindexed", "tools", len(batch), "error", err)
				mu.Lock()
				failed += len(batch)
				mu.Unlock()
				return nil
			}

			rows := make([]Row, len(batch))
			for i, rec := range batch {
				rows[i] = Row{
					QualifiedName: rec.QualifiedName,
					DescHash:      catalog.HashDescription(rec),
					SchemaHash:    catalog.HashSchema(rec),
					ModelID:       meta.ModelID,
					Vector:        vectors[i],
				}
			}

			// Appends are serialized so the counter in the metadata never
			// runs ahead of the rows on disk.
			mu.Lock()
			indexed += len(rows)
			flushMeta := meta
			flushMeta.IndexedTools = indexed
			persistErr := ix.store.Append(ctx, flushMeta, rows)
			mu.Unlock()
			if persistErr != nil {
				logger.Warnw("failed to persist embedding batch", "error", persistErr)
			}

			ix.mu.Lock()
			for i, rec := range batch {
				ix.vectors[rec.QualifiedName] = vectors[i]
			}
			ix.meta.IndexedTools = indexed
			ix.mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Debugw("semantic index warm-up stopped", "error", err)
		return
	}

	if failed == 0 && indexed == meta.TotalTools {
		now := time.Now().UTC()
		final := meta
		final.IndexedTools = indexed
		final.CompletedAt = &now
		if err := ix.store.WriteMeta(context.Background(), final); err != nil {
			logger.Warnw("failed to stamp embedding cache completion", "error", err)
		}
		ix.mu.Lock()
		ix.meta = final
		ix.mu.Unlock()
		logger.Infow("semantic index warm-up complete", "tools", indexed)
	} else {
		logger.Warnw("semantic index warm-up finished with gaps", "indexed", indexed, "total", meta.TotalTools, "failed", failed)
	}
}

func (ix *Index) stopWarmup() {
	ix.warmMu.Lock()
	cancel, done := ix.warmCancel, ix.warmDone
	ix.warmCancel, ix.warmDone = nil, nil
	ix.warmMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Find embeds the query and ranks it against every indexed candidate.
// Provider filters restrict the candidate set; the substring filter prunes
// the scored list. Unindexed tools are invisible until their vector lands,
// which is what keeps partial-index queries inside the latency budget.
func (ix *Index) Find(ctx context.Context, query string, limit int, filters *Filters) (*FindResult, error) {
	if limit <= 0 {
		limit = DefaultFindLimit
	}
	if limit > MaxFindLimit {
		limit = MaxFindLimit
	}

	embedCtx, cancel := context.WithTimeout(ctx, FindBudget)
	defer cancel()
	queryVec, err := ix.embedder.Embed(embedCtx, query)
	if err != nil {
		if errors.Is(embedCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: query embedding exceeded %v", gateway.ErrTimeout, FindBudget)
		}
		return nil, fmt.Errorf("%w: query embedding failed: %v", gateway.ErrInternal, err)
	}
	queryTerms := Tokenize(query)

	var providerSet map[string]struct{}
	var substring string
	if filters != nil {
		if len(filters.Providers) > 0 {
			providerSet = make(map[string]struct{}, len(filters.Providers))
			for _, p := range filters.Providers {
				providerSet[p] = struct{}{}
			}
		}
		substring = strings.ToLower(filters.Substring)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var matches []Match
	total := 0
	for _, rec := range ix.snap.Tools() {
		if providerSet != nil {
			if _, ok := providerSet[rec.Provider]; !ok {
				continue
			}
		}
		if substring != "" && !containsSubstring(rec, substring) {
			continue
		}
		total++

		vec, ok := ix.vectors[rec.QualifiedName]
		if !ok {
			continue
		}
		matches = append(matches, Match{
			QualifiedName: rec.QualifiedName,
			Score:         Cosine(queryVec, vec),
			Provider:      rec.Provider,
			Title:         rec.Title,
			Description:   rec.Description,
			overlap:       termOverlap(queryTerms, rec.LocalName),
		})
	}

	rank(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}

	result := &FindResult{
		Matches:            matches,
		Total:              total,
		IndexingInProgress: ix.warming.Load(),
		Indexed:            ix.meta.IndexedTools,
		TotalTools:         ix.meta.TotalTools,
	}
	if len(result.Matches) == 0 {
		switch {
		case result.TotalTools == 0:
			result.Message = "No tools are available yet. Check that providers are configured and reachable."
		case result.Indexed == 0 && result.IndexingInProgress:
			result.Message = "The semantic index is still warming up and has no vectors yet. Retry in a moment."
		case result.Indexed == 0:
			result.Message = "The semantic index has no vectors for this catalog."
		}
	}
	return result, nil
}

func containsSubstring(rec gateway.ToolRecord, substring string) bool {
	return strings.Contains(strings.ToLower(rec.QualifiedName), substring) ||
		strings.Contains(strings.ToLower(rec.Title), substring) ||
		strings.Contains(strings.ToLower(rec.Description), substring)
}

// Status reports the warm-up progress.
func (ix *Index) Status() (indexed, total int, inProgress bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.meta.IndexedTools, ix.meta.TotalTools, ix.warming.Load()
}

// Watch rebuilds on every catalog change until ctx ends. The initial
// snapshot is indexed immediately.
func (ix *Index) Watch(ctx context.Context, cat *catalog.Catalog) {
	events, cancelSub := cat.Subscribe()
	go func() {
		defer cancelSub()

		if err := ix.Rebuild(ctx, cat.Current()); err != nil {
			logger.Errorw("semantic index rebuild failed", "error", err)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				if err := ix.Rebuild(ctx, cat.Current()); err != nil {
					logger.Errorw("semantic index rebuild failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the warm-up and releases the embedder.
func (ix *Index) Close() error {
	ix.stopWarmup()
	return ix.embedder.Close()
}
