// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package downstream

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/gateway/catalog"
	"github.com/tooldeck/tooldeck/pkg/logger"
	"github.com/tooldeck/tooldeck/pkg/transport"
)

const (
	// DefaultHandshakeConcurrency bounds simultaneous handshakes at
	// startup and reload, which bounds fork storms for stdio providers.
	DefaultHandshakeConcurrency = 8

	// DefaultHighWater is the per-provider inflight ceiling; calls over it
	// fail fast instead of queueing.
	DefaultHighWater = 32

	// DefaultShutdownGrace bounds Shutdown; wide enough for a stdio
	// termination ladder to run to SIGKILL.
	DefaultShutdownGrace = 5 * time.Second

	// listTimeout bounds the tools listing triggered by change
	// notifications and reconnects.
	listTimeout = 30 * time.Second
)

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	// ProtocolVersion is forwarded to every client.
	ProtocolVersion string

	// HandshakeTimeout bounds each initialize; zero selects the default.
	HandshakeTimeout time.Duration

	// HandshakeConcurrency bounds simultaneous handshakes; zero selects
	// the default.
	HandshakeConcurrency int

	// HighWater is the per-provider inflight ceiling; zero selects the
	// default.
	HighWater int

	// PerProviderLimit, when positive, also bounds concurrent dispatch to
	// each provider with a semaphore. Zero leaves dispatch unbounded below
	// the high-water mark.
	PerProviderLimit int

	// FrameCap and GracePeriod are forwarded to every transport.
	FrameCap    int
	GracePeriod time.Duration

	// ShutdownGrace bounds Shutdown; zero selects the default.
	ShutdownGrace time.Duration

	// Transport, when set, replaces the wire factory on every client. The
	// plugin host installs its in-process routing here; nil dials out
	// through the transport package.
	Transport func(transport.Config) (transport.Transport, error)
}

func (cfg ManagerConfig) withDefaults() ManagerConfig {
	if cfg.HandshakeConcurrency <= 0 {
		cfg.HandshakeConcurrency = DefaultHandshakeConcurrency
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	return cfg
}

// managedClient pairs a client with its dispatch accounting.
type managedClient struct {
	provider gateway.ProviderConfig
	client   *Client
	inflight atomic.Int64
	sem      *semaphore.Weighted
}

// Manager owns the downstream connections. It merges provider listings into
// the shared catalog, dispatches calls by qualified name, and survives any
// single provider's failure.
type Manager struct {
	cfg ManagerConfig
	cat *catalog.Catalog

	// newTransport mirrors cfg.Transport; tests also set it directly to
	// serve fake providers in-process.
	newTransport func(transport.Config) (transport.Transport, error)

	mu      sync.RWMutex
	clients map[string]*managedClient
	closed  bool

	listingsMu sync.Mutex
	listings   map[string]catalog.Listing
}

// NewManager builds a manager publishing into cat.
func NewManager(cfg ManagerConfig, cat *catalog.Catalog) *Manager {
	return &Manager{
		cfg:          cfg.withDefaults(),
		cat:          cat,
		newTransport: cfg.Transport,
		clients:      make(map[string]*managedClient),
		listings:     make(map[string]catalog.Listing),
	}
}

// Catalog returns the catalog this manager publishes into.
func (m *Manager) Catalog() *catalog.Catalog {
	return m.cat
}

func validateConfigs(configs []gateway.ProviderConfig) error {
	seen := make(map[string]struct{}, len(configs))
	for _, pc := range configs {
		if pc.Name == "" {
			return fmt.Errorf("%w: provider with empty name", gateway.ErrInvalidConfig)
		}
		if _, dup := seen[pc.Name]; dup {
			return fmt.Errorf("%w: provider %q configured twice", gateway.ErrInvalidConfig, pc.Name)
		}
		seen[pc.Name] = struct{}{}
	}
	return nil
}

func (m *Manager) newManagedClient(pc gateway.ProviderConfig) *managedClient {
	mc := &managedClient{provider: pc}
	if m.cfg.PerProviderLimit > 0 {
		mc.sem = semaphore.NewWeighted(int64(m.cfg.PerProviderLimit))
	}
	mc.client = NewClient(ClientConfig{
		Provider:         pc,
		ProtocolVersion:  m.cfg.ProtocolVersion,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		FrameCap:         m.cfg.FrameCap,
		GracePeriod:      m.cfg.GracePeriod,
		OnToolsChanged:   func() { m.refreshProvider(pc.Name) },
		OnReconnected:    func() { m.refreshProvider(pc.Name) },
	})
	if m.newTransport != nil {
		mc.client.newTransport = m.newTransport
	}
	return mc
}

// Start brings up every configured provider. Handshakes run concurrently
// under the concurrency cap and listings merge into the catalog as they
// arrive; a provider that fails to start is logged and skipped, never fatal.
func (m *Manager) Start(ctx context.Context, configs []gateway.ProviderConfig) error {
	if err := validateConfigs(configs); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: manager is shut down", gateway.ErrProviderShutdown)
	}
	for _, pc := range configs {
		m.clients[pc.Name] = m.newManagedClient(pc)
	}
	m.mu.Unlock()

	sem := semaphore.NewWeighted(int64(m.cfg.HandshakeConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	for _, pc := range configs {
		g.Go(func() error {
			if err := m.bringUp(gctx, pc.Name, sem); err != nil {
				logger.Errorw("provider failed to start", "provider", pc.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// bringUp handshakes one provider under the semaphore, then fetches and
// publishes its listing.
func (m *Manager) bringUp(ctx context.Context, name string, sem *semaphore.Weighted) error {
	mc := m.get(name)
	if mc == nil {
		return nil
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	err := mc.client.Connect(ctx)
	sem.Release(1)
	if err != nil {
		return err
	}

	return m.refreshListing(ctx, name)
}

// refreshListing re-queries one provider's tools and rebuilds the catalog.
func (m *Manager) refreshListing(ctx context.Context, name string) error {
	mc := m.get(name)
	if mc == nil {
		return nil
	}

	records, err := mc.client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools for %q: %w", name, err)
	}
	listing, err := catalog.NewListing(name, mc.provider.Endpoint(), records)
	if err != nil {
		return err
	}

	m.listingsMu.Lock()
	m.listings[name] = listing
	m.listingsMu.Unlock()

	m.publishCatalog()
	return nil
}

// refreshProvider is the notification-driven variant of refreshListing,
// running on its own context.
func (m *Manager) refreshProvider(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
	defer cancel()
	if err := m.refreshListing(ctx, name); err != nil {
		logger.Warnw("failed to refresh provider listing", "provider", name, "error", err)
	}
}

// publishCatalog rebuilds the snapshot from all current listings and swaps
// it in. Tools of degraded providers stay listed; availability is a status
// concern, not a catalog one.
func (m *Manager) publishCatalog() {
	m.listingsMu.Lock()
	all := make([]catalog.Listing, 0, len(m.listings))
	for _, l := range m.listings {
		all = append(all, l)
	}
	m.listingsMu.Unlock()

	snap, err := catalog.NewSnapshot(all)
	if err != nil {
		logger.Errorw("catalog rebuild failed", "error", err)
		return
	}
	m.cat.Replace(snap)
}

func (m *Manager) get(name string) *managedClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[name]
}

// Snapshot returns the current flattened catalog, stamped with its
// fingerprint.
func (m *Manager) Snapshot() *catalog.Snapshot {
	return m.cat.Current()
}

// Statuses reports every connection's state, sorted by provider name.
func (m *Manager) Statuses() []gateway.ConnStatus {
	m.mu.RLock()
	clients := make([]*managedClient, 0, len(m.clients))
	for _, mc := range m.clients {
		clients = append(clients, mc)
	}
	m.mu.RUnlock()

	out := make([]gateway.ConnStatus, 0, len(clients))
	for _, mc := range clients {
		st := mc.client.Status()
		st.Inflight = int(mc.inflight.Load())
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Ready reports whether the named provider accepts calls right now.
func (m *Manager) Ready(provider string) bool {
	mc := m.get(provider)
	if mc == nil {
		return false
	}
	return mc.client.Status().State.Callable()
}

// CallTool dispatches a call by qualified name. Unknown providers map to
// ToolNotFound, known-but-unreachable ones to ProviderUnavailable, and
// inflight counts over the high-water mark to ProviderBusy.
func (m *Manager) CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*gateway.CallResult, error) {
	provider, localName, err := gateway.SplitQualifiedName(qualifiedName)
	if err != nil {
		return nil, err
	}

	mc := m.get(provider)
	if mc == nil {
		if _, known := m.cat.Lookup(qualifiedName); known {
			return nil, fmt.Errorf("%w: provider %q is no longer configured", gateway.ErrProviderUnavailable, provider)
		}
		return nil, fmt.Errorf("%w: no provider named %q", gateway.ErrToolNotFound, provider)
	}

	n := mc.inflight.Add(1)
	defer mc.inflight.Add(-1)
	if n > int64(m.cfg.HighWater) {
		return nil, fmt.Errorf("%w: %q has %d calls in flight (high-water %d)",
			gateway.ErrProviderBusy, provider, n-1, m.cfg.HighWater)
	}

	if mc.sem != nil {
		if err := mc.sem.Acquire(ctx, 1); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for a %q dispatch slot", gateway.ErrTimeout, provider)
			}
			return nil, fmt.Errorf("%w: waiting for a %q dispatch slot", gateway.ErrCancelled, provider)
		}
		defer mc.sem.Release(1)
	}

	return mc.client.Call(ctx, localName, args)
}

// Reload applies a new provider set: removed providers are closed, added
// ones spawned, renamed-in-place configs restarted, untouched ones left
// alone. Removed providers' tools leave the catalog immediately.
func (m *Manager) Reload(ctx context.Context, configs []gateway.ProviderConfig) error {
	if err := validateConfigs(configs); err != nil {
		return err
	}

	desired := make(map[string]gateway.ProviderConfig, len(configs))
	for _, pc := range configs {
		desired[pc.Name] = pc
	}

	var toClose []*managedClient
	var toStart []string
	var removed []string

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: manager is shut down", gateway.ErrProviderShutdown)
	}
	for name, mc := range m.clients {
		if _, keep := desired[name]; !keep {
			delete(m.clients, name)
			toClose = append(toClose, mc)
			removed = append(removed, name)
		}
	}
	for name, pc := range desired {
		if mc, ok := m.clients[name]; ok {
			if reflect.DeepEqual(mc.provider, pc) {
				continue
			}
			// Same name, different config: restart in place.
			toClose = append(toClose, mc)
		}
		m.clients[name] = m.newManagedClient(pc)
		toStart = append(toStart, name)
	}
	m.mu.Unlock()

	if len(removed) > 0 {
		m.listingsMu.Lock()
		for _, name := range removed {
			delete(m.listings, name)
		}
		m.listingsMu.Unlock()
		m.publishCatalog()
	}

	m.closeAll(ctx, toClose)

	sem := semaphore.NewWeighted(int64(m.cfg.HandshakeConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range toStart {
		g.Go(func() error {
			if err := m.bringUp(gctx, name, sem); err != nil {
				logger.Errorw("provider failed to start on reload", "provider", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Infow("provider set reloaded",
		"providers", len(desired), "started", len(toStart), "removed", len(removed))
	return ctx.Err()
}

// Shutdown closes every connection concurrently, waiting up to the grace
// bound for the termination ladders to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	all := make([]*managedClient, 0, len(m.clients))
	for _, mc := range m.clients {
		all = append(all, mc)
	}
	m.clients = make(map[string]*managedClient)
	m.mu.Unlock()

	m.closeAll(ctx, all)
	logger.Infow("downstream connections closed", "providers", len(all))
	return nil
}

func (m *Manager) closeAll(ctx context.Context, clients []*managedClient) {
	var g errgroup.Group
	for _, mc := range clients {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownGrace)
			defer cancel()
			if err := mc.client.Close(cctx); err != nil {
				logger.Warnw("provider close failed", "provider", mc.provider.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
