// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package downstream connects the gateway to its providers: one MCP client
// per provider with a handshake/ready/degraded lifecycle, and a manager
// that owns the set, merges tool listings into the catalog, and dispatches
// calls by qualified name.
package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/logger"
	"github.com/tooldeck/tooldeck/pkg/transport"
)

const (
	// DefaultHandshakeTimeout bounds the initialize exchange.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultCallTimeout applies when a call arrives without a deadline.
	DefaultCallTimeout = 30 * time.Second

	// MaxCallTimeout is the ceiling a caller-supplied deadline is clamped to.
	MaxCallTimeout = 5 * time.Minute

	clientName    = "tooldeck"
	clientVersion = "0.1.0"

	methodInitialized      = "notifications/initialized"
	methodCancelled        = "notifications/cancelled"
	methodToolsListChanged = "notifications/tools/list_changed"
	methodPing             = "ping"
)

// ClientConfig configures one downstream connection.
type ClientConfig struct {
	// Provider is the profile entry this client speaks to.
	Provider gateway.ProviderConfig

	// ProtocolVersion is sent in the initialize request; empty selects the
	// latest version the SDK knows.
	ProtocolVersion string

	// HandshakeTimeout bounds initialize; zero selects the default.
	HandshakeTimeout time.Duration

	// FrameCap and GracePeriod are forwarded to the transport.
	FrameCap    int
	GracePeriod time.Duration

	// OnToolsChanged is invoked (on its own goroutine) when the provider
	// announces a tool listing change. May be nil.
	OnToolsChanged func()

	// OnReconnected is invoked (on its own goroutine) after a degraded
	// connection is re-established, so the owner can refresh the listing.
	// May be nil.
	OnReconnected func()
}

// Client is the MCP client for one provider. It owns the transport, the
// request/response correlation, and the connection lifecycle; all methods
// are safe for concurrent use.
type Client struct {
	cfg ClientConfig

	// newTransport builds the wire connection; a function so tests can
	// substitute an in-process peer.
	newTransport func(transport.Config) (transport.Transport, error)

	mu            sync.Mutex
	state         gateway.ConnState
	lastErr       error
	tr            transport.Transport
	serverInfo    mcp.Implementation
	serverCaps    mcp.ServerCapabilities
	reconnectGate time.Time
	retry         *backoff.ExponentialBackOff

	nextID   atomic.Int64
	activity atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan *transport.JSONRPCMessage
}

// NewClient builds a client in the Pending state. Nothing is spawned until
// Connect.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 500 * time.Millisecond
	retry.MaxInterval = 30 * time.Second

	return &Client{
		cfg:          cfg,
		newTransport: transport.New,
		state:        gateway.StatePending,
		retry:        retry,
		pending:      make(map[string]chan *transport.JSONRPCMessage),
	}
}

// Name returns the provider name this client serves.
func (c *Client) Name() string {
	return c.cfg.Provider.Name
}

// Status reports the connection state at this instant.
func (c *Client) Status() gateway.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := gateway.ConnStatus{
		Provider:  c.cfg.Provider.Name,
		State:     c.state,
		LastError: c.lastErr,
	}
	if a := c.activity.Load(); a != 0 {
		st.LastActivity = time.Unix(0, a)
	}
	return st
}

// ServerInfo returns the identity the provider reported during initialize.
func (c *Client) ServerInfo() mcp.Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Connect opens the transport and runs the MCP handshake. A handshake error
// or timeout leaves the client Failed; only an explicit reload brings a
// Failed provider back.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case gateway.StateReady:
		c.mu.Unlock()
		return nil
	case gateway.StateClosed:
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", gateway.ErrProviderShutdown, c.cfg.Provider.Name)
	case gateway.StateHandshaking:
		c.mu.Unlock()
		return fmt.Errorf("%w: %q handshake already in progress", gateway.ErrProviderUnavailable, c.cfg.Provider.Name)
	}
	c.state = gateway.StateHandshaking
	c.mu.Unlock()

	err := c.connect(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == gateway.StateClosed {
		return fmt.Errorf("%w: %q closed during handshake", gateway.ErrProviderShutdown, c.cfg.Provider.Name)
	}
	if err != nil {
		c.state = gateway.StateFailed
		c.lastErr = err
		return err
	}
	c.state = gateway.StateReady
	c.lastErr = nil
	c.retry.Reset()
	return nil
}

// connect dials, starts the read loop and completes the handshake. The
// caller holds the state machine in Handshaking around it.
func (c *Client) connect(ctx context.Context) error {
	tr, err := c.newTransport(c.transportConfig())
	if err != nil {
		return fmt.Errorf("%w: provider %q: %v", gateway.ErrInvalidConfig, c.cfg.Provider.Name, err)
	}
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s transport for %q: %w", tr.Kind(), c.cfg.Provider.Name, err)
	}

	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()

	go c.readLoop(tr)

	if err := c.handshake(ctx, tr); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), transport.DefaultGracePeriod*3)
		defer cancel()
		_ = tr.Close(closeCtx)
		return err
	}
	return nil
}

func (c *Client) transportConfig() transport.Config {
	p := c.cfg.Provider
	tc := transport.Config{
		Name:        p.Name,
		FrameCap:    c.cfg.FrameCap,
		GracePeriod: c.cfg.GracePeriod,
		OnWireError: func(err error) {
			logger.Warnw("downstream wire fault", "provider", p.Name, "error", err)
		},
	}
	switch p.Kind() {
	case gateway.TransportInternal:
		tc.Kind = transport.KindInternal
		return tc
	case gateway.TransportHTTP:
		tc.Kind = transport.KindHTTP
		tc.URL = p.URL
		if p.Auth != nil && p.Auth.Token != "" {
			tc.AuthHeader = "Bearer " + p.Auth.Token
		}
		return tc
	}
	tc.Kind = transport.KindStdio
	tc.Command = p.Command
	tc.Args = p.Args
	tc.Env = p.Env
	return tc
}

// handshake runs initialize and emits the initialized notification, all
// inside the handshake budget.
func (c *Client) handshake(ctx context.Context, tr transport.Transport) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	params := mcp.InitializeParams{
		ProtocolVersion: c.cfg.ProtocolVersion,
		ClientInfo: mcp.Implementation{
			Name:    clientName,
			Version: clientVersion,
		},
		Capabilities: mcp.ClientCapabilities{},
	}
	raw, err := c.roundTrip(hctx, tr, string(mcp.MethodInitialize), params)
	if err != nil {
		return fmt.Errorf("initialize failed for %q: %w", c.cfg.Provider.Name, err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("malformed initialize result from %q: %w", c.cfg.Provider.Name, err)
	}
	if result.ProtocolVersion != c.cfg.ProtocolVersion {
		logger.Debugw("provider negotiated a different protocol version",
			"provider", c.cfg.Provider.Name, "requested", c.cfg.ProtocolVersion, "got", result.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCaps = result.Capabilities
	c.mu.Unlock()

	note, err := transport.NewNotificationMessage(methodInitialized, nil)
	if err != nil {
		return err
	}
	if err := tr.Send(hctx, note); err != nil {
		return fmt.Errorf("failed to send initialized notification to %q: %w", c.cfg.Provider.Name, err)
	}

	logger.Infow("downstream ready",
		"provider", c.cfg.Provider.Name,
		"server", result.ServerInfo.Name,
		"serverVersion", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	return nil
}

// readLoop drains inbound frames until the transport terminates, then marks
// the connection degraded. Responses are matched to waiters by id; orphan
// responses are dropped.
func (c *Client) readLoop(tr transport.Transport) {
	for msg := range tr.Messages() {
		c.activity.Store(time.Now().UnixNano())
		switch {
		case msg.IsResponse():
			c.dispatchResponse(msg)
		case msg.IsRequest():
			c.answerRequest(tr, msg)
		case msg.IsNotification():
			c.handleNotification(msg)
		}
	}

	err := tr.Err()
	if err == nil {
		err = transport.ErrClosed
	}
	c.markDisconnected(tr, err)
}

func (c *Client) dispatchResponse(msg *transport.JSONRPCMessage) {
	key := transport.IDKey(msg.ID)
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		logger.Debugw("dropping orphan response", "provider", c.cfg.Provider.Name, "id", key)
		return
	}
	ch <- msg
}

// answerRequest handles provider-initiated requests. Only ping is served;
// everything else gets a method-not-found error, since the gateway does not
// forward provider-initiated flows to the host.
func (c *Client) answerRequest(tr transport.Transport, msg *transport.JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if msg.Method == methodPing {
		reply, err := transport.NewResponseMessage(msg.ID, struct{}{})
		if err == nil {
			_ = tr.Send(ctx, reply)
		}
		return
	}

	logger.Debugw("refusing provider-initiated request", "provider", c.cfg.Provider.Name, "method", msg.Method)
	reply, err := transport.NewErrorMessage(msg.ID, -32601, fmt.Sprintf("method %q not supported", msg.Method), nil)
	if err == nil {
		_ = tr.Send(ctx, reply)
	}
}

func (c *Client) handleNotification(msg *transport.JSONRPCMessage) {
	switch msg.Method {
	case methodToolsListChanged:
		logger.Debugw("provider announced tool list change", "provider", c.cfg.Provider.Name)
		if cb := c.cfg.OnToolsChanged; cb != nil {
			go cb()
		}
	default:
		logger.Debugw("ignoring downstream notification", "provider", c.cfg.Provider.Name, "method", msg.Method)
	}
}

// markDisconnected records a transport death. A Ready connection becomes
// Degraded and the next call attempts a reconnect once the backoff gate has
// passed; Closed and Failed are terminal. The transport identity guard keeps
// a stale connection's death from touching its replacement.
func (c *Client) markDisconnected(tr transport.Transport, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tr != tr {
		return
	}
	switch c.state {
	case gateway.StateClosed, gateway.StateFailed:
		return
	case gateway.StateReady:
		c.state = gateway.StateDegraded
		c.lastErr = err
		c.reconnectGate = time.Now().Add(c.retry.NextBackOff())
		logger.Warnw("downstream connection lost",
			"provider", c.cfg.Provider.Name, "error", err, "retryAfter", time.Until(c.reconnectGate).Round(time.Millisecond))
	default:
		// Handshaking: the connect path reports the error itself.
		c.lastErr = err
	}
}

// roundTrip issues one request and waits for the matching response. On
// cancellation or deadline it emits a cancellation notification so the
// provider can stop working on the request.
func (c *Client) roundTrip(ctx context.Context, tr transport.Transport, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	msg, err := transport.NewRequestMessage(method, params, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInternal, err)
	}

	ch := make(chan *transport.JSONRPCMessage, 1)
	key := transport.IDKey(id)
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	if err := tr.Send(ctx, msg); err != nil {
		return nil, c.wrapDisconnect(tr, err, method)
	}
	c.activity.Store(time.Now().UnixNano())

	select {
	case resp := <-ch:
		return c.unpackResponse(resp, method)
	case <-ctx.Done():
		if method != string(mcp.MethodInitialize) {
			c.notifyCancelled(tr, id, ctx.Err())
		}
		return c.wrapContextErr(ctx.Err(), method)
	case <-tr.Done():
		// A response already dispatched wins over the terminating
		// transport.
		select {
		case resp := <-ch:
			return c.unpackResponse(resp, method)
		default:
		}
		return nil, c.wrapDisconnect(tr, tr.Err(), method)
	}
}

// notifyCancelled tells the provider the request was abandoned. Best effort
// on a short fresh context, because the caller's context is already dead.
func (c *Client) notifyCancelled(tr transport.Transport, id any, cause error) {
	reason := "cancelled by caller"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "deadline exceeded"
	}
	note, err := transport.NewNotificationMessage(methodCancelled, cancelledParams{RequestID: id, Reason: reason})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = tr.Send(ctx, note)
}

type cancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

func (c *Client) unpackResponse(resp *transport.JSONRPCMessage, method string) (json.RawMessage, error) {
	if resp.Error != nil {
		detail := resp.Error.Message
		if len(resp.Error.Data) > 0 {
			detail = fmt.Sprintf("%s (%s)", detail, resp.Error.Data)
		}
		return nil, fmt.Errorf("%w: %q rejected %s: %s (code %d)",
			gateway.ErrChild, c.cfg.Provider.Name, method, detail, resp.Error.Code)
	}
	return resp.Result, nil
}

func (c *Client) wrapContextErr(err error, method string) (json.RawMessage, error) {
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s to %q did not complete within the deadline", gateway.ErrTimeout, method, c.cfg.Provider.Name)
	}
	return nil, fmt.Errorf("%w: %s to %q abandoned", gateway.ErrCancelled, method, c.cfg.Provider.Name)
}

// wrapDisconnect renders a transport failure observed by a call, degrading
// the connection so the next call attempts a reconnect.
func (c *Client) wrapDisconnect(tr transport.Transport, err error, method string) error {
	if err == nil {
		err = transport.ErrClosed
	}
	c.markDisconnected(tr, err)

	c.mu.Lock()
	closed := c.state == gateway.StateClosed
	c.mu.Unlock()

	if closed {
		return fmt.Errorf("%w: %q closed during %s", gateway.ErrProviderShutdown, c.cfg.Provider.Name, method)
	}
	return fmt.Errorf("%w: transport to %q failed during %s: %v", gateway.ErrProviderUnavailable, c.cfg.Provider.Name, method, err)
}

// listToolsPage is the wire shape of one tools/list result. The schema is
// kept as raw bytes so the catalog fingerprints exactly what the provider
// sent.
type listToolsPage struct {
	Tools []struct {
		Name        string          `json:"name"`
		Title       string          `json:"title,omitempty"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	} `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListTools fetches the provider's full tool listing, following pagination
// cursors until exhausted.
func (c *Client) ListTools(ctx context.Context) ([]gateway.ToolRecord, error) {
	tr, err := c.readyTransport()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	revision := c.serverInfo.Version
	c.mu.Unlock()

	var records []gateway.ToolRecord
	cursor := ""
	for {
		raw, err := c.roundTrip(ctx, tr, string(mcp.MethodToolsList), listToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}

		var page listToolsPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("malformed tools/list result from %q: %w", c.cfg.Provider.Name, err)
		}
		for _, decl := range page.Tools {
			records = append(records, gateway.ToolRecord{
				LocalName:      decl.Name,
				Title:          decl.Title,
				Description:    decl.Description,
				InputSchema:    decl.InputSchema,
				SourceRevision: revision,
			})
		}

		if page.NextCursor == "" {
			break
		}
		if page.NextCursor == cursor {
			logger.Warnw("provider repeated a pagination cursor, stopping", "provider", c.cfg.Provider.Name)
			break
		}
		cursor = page.NextCursor
	}
	return records, nil
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Call invokes a tool by its provider-local name. Degraded connections get
// one backoff-gated reconnect attempt before the call is refused. Calls
// without a deadline run under the default timeout.
func (c *Client) Call(ctx context.Context, localName string, args map[string]any) (*gateway.CallResult, error) {
	tr, err := c.callTransport(ctx)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	raw, err := c.roundTrip(ctx, tr, string(mcp.MethodToolsCall), callToolParams{Name: localName, Arguments: args})
	if err != nil {
		return nil, err
	}
	return parseCallResult(raw)
}

// readyTransport hands out the transport iff the client is Ready.
func (c *Client) readyTransport() (transport.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != gateway.StateReady {
		return nil, c.unavailableLocked()
	}
	return c.tr, nil
}

// callTransport is readyTransport plus the reconnect path for Degraded
// connections.
func (c *Client) callTransport(ctx context.Context) (transport.Transport, error) {
	c.mu.Lock()
	switch c.state {
	case gateway.StateReady:
		tr := c.tr
		c.mu.Unlock()
		return tr, nil
	case gateway.StateDegraded:
		if time.Now().Before(c.reconnectGate) {
			defer c.mu.Unlock()
			return nil, fmt.Errorf("%w: %q is degraded, next reconnect in %s",
				gateway.ErrProviderUnavailable, c.cfg.Provider.Name,
				time.Until(c.reconnectGate).Round(time.Millisecond))
		}
		c.state = gateway.StateHandshaking
		old := c.tr
		c.mu.Unlock()
		return c.reconnect(ctx, old)
	default:
		defer c.mu.Unlock()
		return nil, c.unavailableLocked()
	}
}

func (c *Client) reconnect(ctx context.Context, old transport.Transport) (transport.Transport, error) {
	if old != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), transport.DefaultGracePeriod*3)
		_ = old.Close(closeCtx)
		cancel()
	}

	logger.Infow("reconnecting to degraded provider", "provider", c.cfg.Provider.Name)
	err := c.connect(ctx)

	c.mu.Lock()
	if c.state == gateway.StateClosed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", gateway.ErrProviderShutdown, c.cfg.Provider.Name)
	}
	if err != nil {
		c.state = gateway.StateDegraded
		c.lastErr = err
		c.reconnectGate = time.Now().Add(c.retry.NextBackOff())
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: reconnect to %q failed: %v", gateway.ErrProviderUnavailable, c.cfg.Provider.Name, err)
	}
	c.state = gateway.StateReady
	c.lastErr = nil
	c.retry.Reset()
	tr := c.tr
	c.mu.Unlock()

	if cb := c.cfg.OnReconnected; cb != nil {
		go cb()
	}
	return tr, nil
}

// unavailableLocked renders the current non-Ready state as an error. Caller
// holds c.mu.
func (c *Client) unavailableLocked() error {
	name := c.cfg.Provider.Name
	switch c.state {
	case gateway.StateClosed:
		return fmt.Errorf("%w: %q is closed", gateway.ErrProviderUnavailable, name)
	case gateway.StateFailed:
		return fmt.Errorf("%w: %q failed to start: %v", gateway.ErrProviderUnavailable, name, c.lastErr)
	case gateway.StateHandshaking:
		return fmt.Errorf("%w: %q is still handshaking", gateway.ErrProviderUnavailable, name)
	default:
		return fmt.Errorf("%w: %q is not connected", gateway.ErrProviderUnavailable, name)
	}
}

// Close shuts the connection down for good. In-flight calls complete with
// ProviderShutdown as the transport drains.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == gateway.StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = gateway.StateClosed
	tr := c.tr
	c.mu.Unlock()

	if tr == nil {
		return nil
	}
	return tr.Close(ctx)
}

// parseCallResult converts a raw tools/call result into the domain shape.
func parseCallResult(raw json.RawMessage) (*gateway.CallResult, error) {
	var wire struct {
		Content           []json.RawMessage `json:"content"`
		StructuredContent map[string]any    `json:"structuredContent,omitempty"`
		IsError           bool              `json:"isError,omitempty"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: malformed tools/call result: %v", gateway.ErrChild, err)
	}

	out := &gateway.CallResult{
		StructuredContent: wire.StructuredContent,
		IsError:           wire.IsError,
	}
	for _, item := range wire.Content {
		out.Content = append(out.Content, convertContent(item))
	}
	return out, nil
}

// convertContent maps one wire content item onto the domain Content shape.
// Embedded resources are flattened; unknown types are passed through with
// whatever fields they carried.
func convertContent(raw json.RawMessage) gateway.Content {
	var item struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Data     string `json:"data"`
		MimeType string `json:"mimeType"`
		URI      string `json:"uri"`
		Resource *struct {
			URI      string `json:"uri"`
			MimeType string `json:"mimeType"`
			Text     string `json:"text"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		logger.Warnw("unparseable content item from provider", "error", err)
		return gateway.Content{Type: "unknown"}
	}

	switch item.Type {
	case "text":
		return gateway.TextContent(item.Text)
	case "image", "audio":
		return gateway.Content{Type: item.Type, Data: item.Data, MimeType: item.MimeType}
	case "resource":
		if item.Resource != nil {
			return gateway.Content{
				Type:     "resource",
				URI:      item.Resource.URI,
				MimeType: item.Resource.MimeType,
				Text:     item.Resource.Text,
			}
		}
		return gateway.Content{Type: "resource", URI: item.URI, MimeType: item.MimeType}
	default:
		logger.Debugw("passing through unrecognized content type", "type", item.Type)
		return gateway.Content{
			Type:     item.Type,
			Text:     item.Text,
			Data:     item.Data,
			MimeType: item.MimeType,
			URI:      item.URI,
		}
	}
}
