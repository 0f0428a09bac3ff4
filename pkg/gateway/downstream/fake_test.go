// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/transport"
)

// fakeTransport is an in-process Transport pair: Send lands on the fake
// provider, Messages carries its replies.
type fakeTransport struct {
	in   chan *transport.JSONRPCMessage
	out  chan *transport.JSONRPCMessage
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan *transport.JSONRPCMessage, 16),
		out:  make(chan *transport.JSONRPCMessage, 16),
		done: make(chan struct{}),
	}
}

func (t *fakeTransport) Kind() transport.Kind            { return transport.KindStdio }
func (t *fakeTransport) Start(context.Context) error     { return nil }
func (t *fakeTransport) Messages() <-chan *transport.JSONRPCMessage { return t.out }
func (t *fakeTransport) Done() <-chan struct{}           { return t.done }

func (t *fakeTransport) Send(ctx context.Context, msg *transport.JSONRPCMessage) error {
	select {
	case <-t.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case t.in <- msg:
		return nil
	}
}

func (t *fakeTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) Close(context.Context) error {
	t.terminate(nil)
	return nil
}

// deliver places a reply on the message stream, dropping it when the
// transport dies concurrently. Losing the race against terminate closing
// the stream is the same outcome as the done branch: peer death drops the
// message.
func (t *fakeTransport) deliver(msg *transport.JSONRPCMessage) {
	defer func() { _ = recover() }()
	select {
	case t.out <- msg:
	case <-t.done:
	}
}

// terminate ends the transport with the given error, closing the message
// stream like a real transport does on peer death.
func (t *fakeTransport) terminate(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
		close(t.out)
	})
}

// wireTool is a tool declaration as the fake provider advertises it.
type wireTool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func fakeTool(name, description string) wireTool {
	return wireTool{
		Name:        name,
		Description: description,
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
}

// fakeProvider serves the provider side of the protocol over fake
// transports. Every transport the factory hands out is served by the same
// provider, so reconnects land back here.
type fakeProvider struct {
	mu         sync.Mutex
	tools      []wireTool
	pageSize   int
	silentInit bool
	onCall     func(name string, args map[string]any) (any, *transport.JSONRPCError)

	transports     []*fakeTransport
	initParams     mcp.InitializeParams
	gotInitialized bool
	cancelled      []cancelledParams
	listCalls      int
	clientReplies  []*transport.JSONRPCMessage
}

func newFakeProvider(tools ...wireTool) *fakeProvider {
	return &fakeProvider{tools: tools}
}

func (p *fakeProvider) factory() func(transport.Config) (transport.Transport, error) {
	return func(transport.Config) (transport.Transport, error) {
		tr := newFakeTransport()
		p.mu.Lock()
		p.transports = append(p.transports, tr)
		p.mu.Unlock()
		go p.serve(tr)
		return tr, nil
	}
}

func (p *fakeProvider) serve(tr *fakeTransport) {
	for {
		select {
		case <-tr.done:
			return
		case msg := <-tr.in:
			p.handle(tr, msg)
		}
	}
}

func (p *fakeProvider) handle(tr *fakeTransport, msg *transport.JSONRPCMessage) {
	switch msg.Method {
	case "":
		// A response to a provider-initiated request.
		p.mu.Lock()
		p.clientReplies = append(p.clientReplies, msg)
		p.mu.Unlock()

	case "initialize":
		p.mu.Lock()
		silent := p.silentInit
		p.mu.Unlock()
		if silent {
			return
		}
		var params mcp.InitializeParams
		_ = json.Unmarshal(msg.Params, &params)
		p.mu.Lock()
		p.initParams = params
		p.mu.Unlock()
		p.reply(tr, msg.ID, mcp.InitializeResult{
			ProtocolVersion: params.ProtocolVersion,
			ServerInfo:      mcp.Implementation{Name: "fake-provider", Version: "9.9.9"},
		})

	case "notifications/initialized":
		p.mu.Lock()
		p.gotInitialized = true
		p.mu.Unlock()

	case "notifications/cancelled":
		var params cancelledParams
		_ = json.Unmarshal(msg.Params, &params)
		p.mu.Lock()
		p.cancelled = append(p.cancelled, params)
		p.mu.Unlock()

	case "tools/list":
		var params listToolsParams
		_ = json.Unmarshal(msg.Params, &params)
		p.mu.Lock()
		p.listCalls++
		page := p.pageLocked(params.Cursor)
		p.mu.Unlock()
		p.reply(tr, msg.ID, page)

	case "tools/call":
		var params callToolParams
		_ = json.Unmarshal(msg.Params, &params)
		p.mu.Lock()
		handler := p.onCall
		p.mu.Unlock()
		if handler == nil {
			handler = func(name string, _ map[string]any) (any, *transport.JSONRPCError) {
				return textResult("called " + name), nil
			}
		}
		// Calls run concurrently so a slow tool does not stall the wire.
		go func() {
			result, rpcErr := handler(params.Name, params.Arguments)
			if rpcErr != nil {
				errMsg, err := transport.NewErrorMessage(msg.ID, rpcErr.Code, rpcErr.Message, nil)
				if err != nil {
					return
				}
				tr.deliver(errMsg)
				return
			}
			p.reply(tr, msg.ID, result)
		}()
	}
}

func (p *fakeProvider) reply(tr *fakeTransport, id any, result any) {
	msg, err := transport.NewResponseMessage(id, result)
	if err != nil {
		panic(fmt.Sprintf("fake provider reply: %v", err))
	}
	tr.deliver(msg)
}

// pageLocked slices the tool list for one tools/list exchange. Caller holds
// p.mu.
func (p *fakeProvider) pageLocked(cursor string) map[string]any {
	start := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "page-%d", &start)
	}
	size := p.pageSize
	if size <= 0 {
		size = len(p.tools)
	}

	end := start + size
	next := ""
	if end < len(p.tools) {
		next = fmt.Sprintf("page-%d", end)
	} else {
		end = len(p.tools)
	}
	page := map[string]any{"tools": p.tools[start:end]}
	if next != "" {
		page["nextCursor"] = next
	}
	return page
}

// lastTransport returns the most recently created transport.
func (p *fakeProvider) lastTransport() *fakeTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.transports) == 0 {
		return nil
	}
	return p.transports[len(p.transports)-1]
}

func (p *fakeProvider) transportCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

func (p *fakeProvider) cancelledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancelled)
}

func (p *fakeProvider) cancelledList() []cancelledParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cancelledParams(nil), p.cancelled...)
}

func (p *fakeProvider) initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gotInitialized
}

func (p *fakeProvider) initParamsCopy() mcp.InitializeParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initParams
}

func (p *fakeProvider) listCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listCalls
}

func (p *fakeProvider) clientReplyList() []*transport.JSONRPCMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*transport.JSONRPCMessage(nil), p.clientReplies...)
}

func (p *fakeProvider) setTools(tools ...wireTool) {
	p.mu.Lock()
	p.tools = tools
	p.mu.Unlock()
}

// crash terminates every live transport as if the child died.
func (p *fakeProvider) crash(err error) {
	p.mu.Lock()
	transports := append([]*fakeTransport(nil), p.transports...)
	p.mu.Unlock()
	for _, tr := range transports {
		tr.terminate(err)
	}
}

// notifyToolsChanged emits the listing-change notification on the live
// transport.
func (p *fakeProvider) notifyToolsChanged() {
	tr := p.lastTransport()
	if tr == nil {
		return
	}
	note, _ := transport.NewNotificationMessage(methodToolsListChanged, nil)
	select {
	case tr.out <- note:
	case <-tr.done:
	}
}

func textResult(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}

// multiFactory routes transport creation to per-provider fakes by name.
func multiFactory(providers map[string]*fakeProvider) func(transport.Config) (transport.Transport, error) {
	return func(cfg transport.Config) (transport.Transport, error) {
		p, ok := providers[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("no fake provider %q", cfg.Name)
		}
		return p.factory()(cfg)
	}
}

func stdioProvider(name string) gateway.ProviderConfig {
	return gateway.ProviderConfig{
		Name:    name,
		Command: "npx",
		Args:    []string{name + "-server"},
	}
}

// waitState polls until the client reaches the wanted state.
func waitState(c *Client, want gateway.ConnState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Status().State == want {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
