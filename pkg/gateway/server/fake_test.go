// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/gateway/index"
	"github.com/tooldeck/tooldeck/pkg/sandbox"
	"github.com/tooldeck/tooldeck/pkg/transport"
)

// fakeDispatcher records tool dispatches and answers from canned state.
type fakeDispatcher struct {
	mu       sync.Mutex
	names    []string
	args     []map[string]any
	statuses []gateway.ConnStatus

	result *gateway.CallResult
	err    error

	// onCall, when set, takes over the reply entirely.
	onCall func(ctx context.Context, name string, args map[string]any) (*gateway.CallResult, error)
}

func (f *fakeDispatcher) CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*gateway.CallResult, error) {
	f.mu.Lock()
	f.names = append(f.names, qualifiedName)
	f.args = append(f.args, args)
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		return onCall(ctx, qualifiedName, args)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &gateway.CallResult{Content: []gateway.Content{gateway.TextContent("ok")}}, nil
}

func (f *fakeDispatcher) Statuses() []gateway.ConnStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.names)
}

func (f *fakeDispatcher) lastCall() (string, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.names) == 0 {
		return "", nil
	}
	return f.names[len(f.names)-1], f.args[len(f.args)-1]
}

func ready(provider string) gateway.ConnStatus {
	return gateway.ConnStatus{Provider: provider, State: gateway.StateReady}
}

func failed(provider string) gateway.ConnStatus {
	return gateway.ConnStatus{Provider: provider, State: gateway.StateFailed}
}

// fakeFinder records queries and answers from a canned result.
type fakeFinder struct {
	mu         sync.Mutex
	queries    []string
	gotLimit   int
	gotFilters *index.Filters

	result *index.FindResult
	err    error

	statusIndexed    int
	statusTotal      int
	statusInProgress bool
}

func (f *fakeFinder) Find(_ context.Context, query string, limit int, filters *index.Filters) (*index.FindResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.gotLimit = limit
	f.gotFilters = filters
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &index.FindResult{Matches: []index.Match{}}, nil
}

func (f *fakeFinder) Status() (int, int, bool) {
	return f.statusIndexed, f.statusTotal, f.statusInProgress
}

func (f *fakeFinder) findCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

// fakeRunner records the spec it was handed and answers from canned state.
type fakeRunner struct {
	mu      sync.Mutex
	specs   []sandbox.RunSpec
	res     *sandbox.Result
	err     error
	blockOn chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, spec sandbox.RunSpec) (*sandbox.Result, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	block := f.blockOn
	f.mu.Unlock()

	if block != nil {
		close(block)
		<-ctx.Done()
		return &sandbox.Result{}, ctx.Err()
	}
	if f.res != nil || f.err != nil {
		return f.res, f.err
	}
	return &sandbox.Result{Value: []byte("null")}, nil
}

func (f *fakeRunner) lastSpec() sandbox.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.specs) == 0 {
		return sandbox.RunSpec{}
	}
	return f.specs[len(f.specs)-1]
}

// fakeCatalog is a fixed read-only catalog view.
type fakeCatalog struct {
	tools []gateway.ToolRecord
}

func (f *fakeCatalog) Tools() []gateway.ToolRecord { return f.tools }

func (f *fakeCatalog) Lookup(qualifiedName string) (gateway.ToolRecord, bool) {
	for _, rec := range f.tools {
		if rec.QualifiedName == qualifiedName {
			return rec, true
		}
	}
	return gateway.ToolRecord{}, false
}

func (f *fakeCatalog) Fingerprint() string { return "fake" }

// deps bundles the server's collaborators with workable defaults.
type deps struct {
	dispatcher *fakeDispatcher
	catalog    *fakeCatalog
	finder     *fakeFinder
	runner     *fakeRunner
}

func defaultDeps() *deps {
	return &deps{
		dispatcher: &fakeDispatcher{statuses: []gateway.ConnStatus{ready("github")}},
		catalog:    &fakeCatalog{},
		finder:     &fakeFinder{},
		runner:     &fakeRunner{},
	}
}

// host drives a server over in-memory pipes, playing the MCP client side of
// the wire.
type host struct {
	t      *testing.T
	srv    *Server
	d      *deps
	in     *io.PipeWriter
	fw     *transport.FrameWriter
	frames chan *transport.JSONRPCMessage
	done   chan error
	cancel context.CancelFunc
	nextID int64
}

// startHost builds a server from cfg and deps, serves it over pipes, and
// returns the connected host side.
func startHost(t *testing.T, cfg Config, d *deps) *host {
	t.Helper()
	if d == nil {
		d = defaultDeps()
	}

	srv, err := New(cfg, d.dispatcher, d.catalog, d.finder, d.runner)
	require.NoError(t, err)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, inR, outW); close(done) }()

	h := &host{
		t:      t,
		srv:    srv,
		d:      d,
		in:     inW,
		fw:     transport.NewFrameWriter(inW, 0),
		frames: make(chan *transport.JSONRPCMessage, 16),
		done:   done,
		cancel: cancel,
	}

	fr := transport.NewFramer(outR, 0)
	go func() {
		defer close(h.frames)
		for {
			msg, err := fr.ReadFrame()
			if err != nil {
				return
			}
			h.frames <- msg
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outR.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return h
}

func (h *host) send(msg *transport.JSONRPCMessage) {
	h.t.Helper()
	require.NoError(h.t, h.fw.WriteFrame(msg))
}

// sendRaw writes bytes straight onto the wire, bypassing the frame writer.
func (h *host) sendRaw(line string) {
	h.t.Helper()
	_, err := io.WriteString(h.in, line)
	require.NoError(h.t, err)
}

func (h *host) request(method string, params any, id any) {
	h.t.Helper()
	msg, err := transport.NewRequestMessage(method, params, id)
	require.NoError(h.t, err)
	h.send(msg)
}

func (h *host) notify(method string, params any) {
	h.t.Helper()
	msg, err := transport.NewNotificationMessage(method, params)
	require.NoError(h.t, err)
	h.send(msg)
}

func (h *host) recv() *transport.JSONRPCMessage {
	h.t.Helper()
	select {
	case msg, ok := <-h.frames:
		require.True(h.t, ok, "server closed the stream")
		return msg
	case <-time.After(2 * time.Second):
		h.t.Fatal("no frame from the server within 2s")
		return nil
	}
}

// expectSilence asserts that no frame arrives for the given duration.
func (h *host) expectSilence(d time.Duration) {
	h.t.Helper()
	select {
	case msg, ok := <-h.frames:
		if !ok {
			h.t.Fatal("server closed the stream")
		}
		h.t.Fatalf("unexpected frame: %+v", msg)
	case <-time.After(d):
	}
}

// initialize runs the handshake, optionally declaring the elicitation
// capability, and returns the server's reply.
func (h *host) initialize(elicitation bool) *transport.JSONRPCMessage {
	h.t.Helper()
	caps := map[string]any{}
	if elicitation {
		caps["elicitation"] = map[string]any{}
	}
	h.nextID++
	h.request(string(mcp.MethodInitialize), map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"clientInfo":      map[string]any{"name": "test-host", "version": "1.0"},
		"capabilities":    caps,
	}, h.nextID)
	resp := h.recv()
	require.Nil(h.t, resp.Error, "initialize failed: %+v", resp.Error)
	h.notify(methodInitialized, nil)
	return resp
}

// call issues one tools/call and returns the reply.
func (h *host) call(tool string, args any) *transport.JSONRPCMessage {
	h.t.Helper()
	h.nextID++
	h.request(string(mcp.MethodToolsCall), map[string]any{
		"name":      tool,
		"arguments": args,
	}, h.nextID)
	return h.recv()
}
