// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"slices"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/gateway/config"
	"github.com/tooldeck/tooldeck/pkg/gateway/downstream"
)

// deckHandle backs the deck plugin with the profile store and the running
// provider manager: mutations are written to the profile first, then applied
// with a live reload. It implements plugin.Deck.
type deckHandle struct {
	store   *config.ProfileStore
	profile string

	// extras are the internal plugin providers appended to every reload.
	// They never live in the profile file.
	extras []gateway.ProviderConfig

	// mgr is assigned once during composition, before the manager starts
	// dispatching tool calls that could reach this handle.
	mgr *downstream.Manager
}

// Providers implements plugin.Deck with the persisted provider entries.
func (h *deckHandle) Providers(ctx context.Context) ([]gateway.ProviderConfig, error) {
	p, err := h.store.Load(ctx, h.profile)
	if err != nil {
		return nil, err
	}
	return p.Providers, nil
}

// AddProvider implements plugin.Deck.
func (h *deckHandle) AddProvider(ctx context.Context, pc gateway.ProviderConfig) error {
	err := h.store.Update(ctx, h.profile, func(p *config.Profile) error {
		for _, existing := range p.Providers {
			if existing.Name == pc.Name {
				return fmt.Errorf("%w: provider %q already exists", gateway.ErrInvalidRequest, pc.Name)
			}
		}
		p.Providers = append(p.Providers, pc)
		return nil
	})
	if err != nil {
		return err
	}
	return h.apply(ctx)
}

// RemoveProvider implements plugin.Deck.
func (h *deckHandle) RemoveProvider(ctx context.Context, name string) error {
	err := h.store.Update(ctx, h.profile, func(p *config.Profile) error {
		kept := slices.DeleteFunc(slices.Clone(p.Providers), func(pc gateway.ProviderConfig) bool {
			return pc.Name == name
		})
		if len(kept) == len(p.Providers) {
			return fmt.Errorf("%w: no provider named %q", gateway.ErrInvalidRequest, name)
		}
		p.Providers = kept
		return nil
	})
	if err != nil {
		return err
	}
	return h.apply(ctx)
}

// apply reloads the manager with the persisted deck plus the internal
// plugins. A nil manager means composition is still in progress; the change
// is persisted already and takes effect on start.
func (h *deckHandle) apply(ctx context.Context) error {
	if h.mgr == nil {
		return nil
	}
	p, err := h.store.Load(ctx, h.profile)
	if err != nil {
		return err
	}
	return h.mgr.Reload(ctx, append(slices.Clone(p.Providers), h.extras...))
}
