// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/transport"
)

// Host is the registry of in-process providers and the factory for their
// transports.
type Host struct {
	version   string
	confirmer Confirmer

	mu        sync.RWMutex
	providers map[string]ToolProvider
}

// NewHost builds an empty host. version is reported as every plugin's server
// version during the handshake, so the catalog revision of built-in tools
// tracks the gateway release. confirmer may be nil; interactive tools then
// fail cleanly instead of hanging.
func NewHost(version string, confirmer Confirmer) *Host {
	return &Host{
		version:   version,
		confirmer: confirmer,
		providers: make(map[string]ToolProvider),
	}
}

// Register adds a provider under its name. Names must be unique and must not
// contain the qualified-name separator.
func (h *Host) Register(p ToolProvider) error {
	name := p.Name()
	if name == "" || strings.Contains(name, gateway.QualifiedNameSeparator) {
		return fmt.Errorf("%w: invalid plugin name %q", gateway.ErrInvalidConfig, name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.providers[name]; exists {
		return fmt.Errorf("%w: plugin %q registered twice", gateway.ErrInvalidConfig, name)
	}
	h.providers[name] = p
	return nil
}

// Configs returns one internal provider entry per registered plugin, sorted
// by name, ready to hand to the connection manager alongside the external
// providers.
func (h *Host) Configs() []gateway.ProviderConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()

	configs := make([]gateway.ProviderConfig, 0, len(h.providers))
	for name := range h.providers {
		configs = append(configs, gateway.ProviderConfig{Name: name, Internal: true})
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs
}

// Factory wraps a wire factory so internal providers are served in-process
// and everything else falls through to next. A nil next dials out through
// the transport package.
func (h *Host) Factory(next func(transport.Config) (transport.Transport, error)) func(transport.Config) (transport.Transport, error) {
	if next == nil {
		next = transport.New
	}
	return func(cfg transport.Config) (transport.Transport, error) {
		if cfg.Kind != transport.KindInternal {
			return next(cfg)
		}
		h.mu.RLock()
		p, ok := h.providers[cfg.Name]
		h.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("no internal provider named %q is registered", cfg.Name)
		}
		return newInprocTransport(p, h), nil
	}
}
