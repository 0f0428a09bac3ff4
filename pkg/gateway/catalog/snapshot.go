// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog maintains the authoritative in-memory view of every tool
// the gateway can reach: immutable snapshots keyed by a deterministic
// fingerprint, plus change events emitted when a snapshot is replaced.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/tooldeck/tooldeck/pkg/gateway"
)

// ErrDuplicateTool is returned when a provider advertises the same local
// name twice, or two listings claim the same qualified name.
var ErrDuplicateTool = fmt.Errorf("%w: duplicate tool name", gateway.ErrInvalidConfig)

// Listing is one provider's contribution to a snapshot.
type Listing struct {
	// Provider is the provider name records are qualified under.
	Provider string
	// Endpoint is the command line or URL the provider runs at; part of
	// the fingerprint so moving a provider invalidates the cache.
	Endpoint string
	// Tools are the provider's records, qualified and validated.
	Tools []gateway.ToolRecord
}

// NewListing validates and qualifies one provider's advertised tools.
// Duplicate local names within the provider are rejected.
func NewListing(provider, endpoint string, tools []gateway.ToolRecord) (Listing, error) {
	seen := make(map[string]struct{}, len(tools))
	qualified := make([]gateway.ToolRecord, 0, len(tools))
	for _, tool := range tools {
		if _, dup := seen[tool.LocalName]; dup {
			return Listing{}, fmt.Errorf("%w: provider %q advertises %q twice",
				ErrDuplicateTool, provider, tool.LocalName)
		}
		seen[tool.LocalName] = struct{}{}

		tool.Provider = provider
		tool.QualifiedName = gateway.QualifiedName(provider, tool.LocalName)
		qualified = append(qualified, tool)
	}
	return Listing{Provider: provider, Endpoint: endpoint, Tools: qualified}, nil
}

// Snapshot is an immutable set of tool records plus the fingerprint that
// identifies its embedding cache. Reads are wait-free; a new snapshot is
// built and swapped in whole on reload.
type Snapshot struct {
	records     []gateway.ToolRecord
	byName      map[string]int
	fingerprint string
}

// NewSnapshot merges provider listings into a snapshot. Listings are sorted
// by provider name and tools by local name so the fingerprint is stable
// regardless of arrival order.
func NewSnapshot(listings []Listing) (*Snapshot, error) {
	sorted := make([]Listing, len(listings))
	copy(sorted, listings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Provider < sorted[j].Provider })

	snap := &Snapshot{byName: make(map[string]int)}
	hash := sha256.New()

	for _, listing := range sorted {
		writeField(hash, listing.Provider)
		writeField(hash, listing.Endpoint)

		tools := make([]gateway.ToolRecord, len(listing.Tools))
		copy(tools, listing.Tools)
		sort.Slice(tools, func(i, j int) bool { return tools[i].LocalName < tools[j].LocalName })

		for _, tool := range tools {
			if _, dup := snap.byName[tool.QualifiedName]; dup {
				return nil, fmt.Errorf("%w: %q claimed twice", ErrDuplicateTool, tool.QualifiedName)
			}
			snap.byName[tool.QualifiedName] = len(snap.records)
			snap.records = append(snap.records, tool)

			writeField(hash, tool.LocalName)
			writeField(hash, tool.Description)
			writeField(hash, string(tool.InputSchema))
		}
	}

	snap.fingerprint = hex.EncodeToString(hash.Sum(nil))
	return snap, nil
}

// EmptySnapshot returns the snapshot of an empty deck.
func EmptySnapshot() *Snapshot {
	snap, _ := NewSnapshot(nil)
	return snap
}

// writeField length-prefixes each field so adjacent values cannot collide.
func writeField(w io.Writer, field string) {
	fmt.Fprintf(w, "%d:%s", len(field), field)
}

// Tools returns the records in provider/local-name order. Callers must not
// mutate the returned slice.
func (s *Snapshot) Tools() []gateway.ToolRecord {
	return s.records
}

// Lookup finds a record by qualified name.
func (s *Snapshot) Lookup(qualifiedName string) (gateway.ToolRecord, bool) {
	idx, ok := s.byName[qualifiedName]
	if !ok {
		return gateway.ToolRecord{}, false
	}
	return s.records[idx], true
}

// Fingerprint identifies this snapshot and its embedding cache.
func (s *Snapshot) Fingerprint() string {
	return s.fingerprint
}

// Len returns the number of records.
func (s *Snapshot) Len() int {
	return len(s.records)
}

// HashDescription returns the hash used to detect description drift between
// a persisted embedding row and the live record.
func HashDescription(r gateway.ToolRecord) string {
	return shortHash(r.Description)
}

// HashSchema returns the hash used to detect schema drift.
func HashSchema(r gateway.ToolRecord) string {
	return shortHash(string(r.InputSchema))
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
