// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"sync"
	"sync/atomic"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/logger"
)

// Change describes the difference between two consecutive snapshots, by
// qualified name. Changed means the name survived but its description or
// schema drifted, so any derived embedding is stale.
type Change struct {
	Fingerprint string
	Added       []string
	Removed     []string
	Changed     []string
	Kept        []string
}

// Catalog holds the current snapshot and fans change events out to
// subscribers. Readers are wait-free; Replace swaps the snapshot whole.
type Catalog struct {
	current atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs map[int]chan Change
	next int
}

// New returns a catalog holding an empty snapshot.
func New() *Catalog {
	c := &Catalog{subs: make(map[int]chan Change)}
	c.current.Store(EmptySnapshot())
	return c
}

// Current returns the live snapshot.
func (c *Catalog) Current() *Snapshot {
	return c.current.Load()
}

// Tools implements gateway.CatalogView against the live snapshot.
func (c *Catalog) Tools() []gateway.ToolRecord {
	return c.Current().Tools()
}

// Lookup implements gateway.CatalogView against the live snapshot.
func (c *Catalog) Lookup(qualifiedName string) (gateway.ToolRecord, bool) {
	return c.Current().Lookup(qualifiedName)
}

// Fingerprint implements gateway.CatalogView against the live snapshot.
func (c *Catalog) Fingerprint() string {
	return c.Current().Fingerprint()
}

// Replace installs a new snapshot, computes the change set against the old
// one and publishes it. A replace with an identical fingerprint publishes
// nothing.
func (c *Catalog) Replace(snap *Snapshot) Change {
	old := c.current.Swap(snap)
	change := diff(old, snap)
	if old.Fingerprint() == snap.Fingerprint() {
		return change
	}

	logger.Infow("catalog replaced",
		"tools", snap.Len(),
		"added", len(change.Added),
		"removed", len(change.Removed),
		"changed", len(change.Changed))
	c.publish(change)
	return change
}

// Subscribe registers a change listener. The returned cancel func must be
// called to release it. Subscribers that fall behind miss intermediate
// change sets and should reconcile against Current.
func (c *Catalog) Subscribe() (<-chan Change, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.next
	c.next++
	ch := make(chan Change, 8)
	c.subs[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (c *Catalog) publish(change Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- change:
		default:
			logger.Warnw("catalog subscriber lagging, dropping change event", "subscriber", id)
		}
	}
}

// diff buckets qualified names by how they moved between snapshots.
func diff(old, live *Snapshot) Change {
	change := Change{Fingerprint: live.Fingerprint()}

	for _, rec := range live.Tools() {
		prev, existed := old.Lookup(rec.QualifiedName)
		switch {
		case !existed:
			change.Added = append(change.Added, rec.QualifiedName)
		case HashDescription(prev) != HashDescription(rec) || HashSchema(prev) != HashSchema(rec):
			change.Changed = append(change.Changed, rec.QualifiedName)
		default:
			change.Kept = append(change.Kept, rec.QualifiedName)
		}
	}
	for _, rec := range old.Tools() {
		if _, still := live.Lookup(rec.QualifiedName); !still {
			change.Removed = append(change.Removed, rec.QualifiedName)
		}
	}
	return change
}
