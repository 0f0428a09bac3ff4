// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tooldeck/tooldeck/pkg/confirm"
	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/transport"
)

func TestNewValidatesModeAndDeps(t *testing.T) {
	t.Parallel()

	d := defaultDeps()

	_, err := New(Config{Mode: gateway.Mode("both")}, d.dispatcher, d.catalog, d.finder, d.runner)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrInvalidConfig)

	_, err = New(Config{Mode: gateway.ModeFindRun}, d.dispatcher, d.catalog, nil, d.runner)
	assert.ErrorIs(t, err, gateway.ErrInvalidConfig, "find needs an index")

	_, err = New(Config{Mode: gateway.ModeFindRun}, nil, d.catalog, d.finder, d.runner)
	assert.ErrorIs(t, err, gateway.ErrInvalidConfig, "run needs a dispatcher")

	_, err = New(Config{Mode: gateway.ModeFindRun}, d.dispatcher, nil, d.finder, d.runner)
	assert.ErrorIs(t, err, gateway.ErrInvalidConfig, "run needs a catalog view")

	_, err = New(Config{Mode: gateway.ModeCodeOnly}, nil, nil, nil, nil)
	assert.ErrorIs(t, err, gateway.ErrInvalidConfig, "code needs a sandbox")

	// code-only needs nothing else.
	_, err = New(Config{Mode: gateway.ModeCodeOnly}, nil, nil, nil, d.runner)
	assert.NoError(t, err)
}

func TestServeInitializeHandshake(t *testing.T) {
	t.Parallel()

	h := startHost(t, Config{Mode: gateway.ModeFindRun, ServerVersion: "9.8.7"}, nil)
	resp := h.initialize(false)

	assert.Equal(t, mcp.LATEST_PROTOCOL_VERSION, gjson.GetBytes(resp.Result, "protocolVersion").String())
	assert.Equal(t, "tooldeck", gjson.GetBytes(resp.Result, "serverInfo.name").String())
	assert.Equal(t, "9.8.7", gjson.GetBytes(resp.Result, "serverInfo.version").String())
	assert.True(t, gjson.GetBytes(resp.Result, "capabilities.tools").Exists())
	assert.Contains(t, gjson.GetBytes(resp.Result, "instructions").String(), "find")

	// A second initialize on the same connection is refused.
	h.request(string(mcp.MethodInitialize), map[string]any{"protocolVersion": mcp.LATEST_PROTOCOL_VERSION}, 99)
	dup := h.recv()
	require.NotNil(t, dup.Error)
	assert.Equal(t, CodeInvalidRequest, dup.Error.Code)
}

func TestServeProtocolVersionNegotiation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{name: "current version echoed", requested: mcp.LATEST_PROTOCOL_VERSION, want: mcp.LATEST_PROTOCOL_VERSION},
		{name: "legacy version accepted", requested: legacyProtocolVersion, want: legacyProtocolVersion},
		{name: "unknown version answered with ours", requested: "1999-12-31", want: mcp.LATEST_PROTOCOL_VERSION},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := startHost(t, Config{Mode: gateway.ModeCodeOnly}, nil)
			h.request(string(mcp.MethodInitialize), map[string]any{
				"protocolVersion": tc.requested,
				"clientInfo":      map[string]any{"name": "test-host", "version": "1.0"},
			}, 1)
			resp := h.recv()
			require.Nil(t, resp.Error)
			assert.Equal(t, tc.want, gjson.GetBytes(resp.Result, "protocolVersion").String())
		})
	}
}

func TestServeRejectsBeforeInitialize(t *testing.T) {
	t.Parallel()

	h := startHost(t, Config{Mode: gateway.ModeFindRun}, nil)

	h.request(string(mcp.MethodToolsList), nil, 1)
	resp := h.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotInitialized, resp.Error.Code)

	h.request(string(mcp.MethodToolsCall), map[string]any{"name": "find"}, 2)
	resp = h.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotInitialized, resp.Error.Code)

	// Pings are liveness probes and work in any state.
	h.request(methodPing, nil, 3)
	resp = h.recv()
	assert.Nil(t, resp.Error)
}

func TestServeToolsListByMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode gateway.Mode
		want []string
	}{
		{mode: gateway.ModeFindRun, want: []string{"find", "run"}},
		{mode: gateway.ModeFindCode, want: []string{"find", "code"}},
		{mode: gateway.ModeCodeOnly, want: []string{"code"}},
	}

	for _, tc := range tests {
		t.Run(string(tc.mode), func(t *testing.T) {
			t.Parallel()
			h := startHost(t, Config{Mode: tc.mode}, nil)
			h.initialize(false)

			h.request(string(mcp.MethodToolsList), nil, 5)
			resp := h.recv()
			require.Nil(t, resp.Error)

			names := []string{}
			for _, tool := range gjson.GetBytes(resp.Result, "tools").Array() {
				names = append(names, tool.Get("name").String())
			}
			assert.Equal(t, tc.want, names)
		})
	}
}

func TestServeToolSchemasAreServed(t *testing.T) {
	t.Parallel()

	h := startHost(t, Config{Mode: gateway.ModeFindRun}, nil)
	h.initialize(false)

	h.request(string(mcp.MethodToolsList), nil, 2)
	resp := h.recv()
	require.Nil(t, resp.Error)

	find := gjson.GetBytes(resp.Result, `tools.#(name=="find")`)
	assert.Equal(t, "description", find.Get("inputSchema.required.0").String())
	assert.Equal(t, int64(50), find.Get("inputSchema.properties.limit.maximum").Int())

	run := gjson.GetBytes(resp.Result, `tools.#(name=="run")`)
	assert.Equal(t, "object", run.Get("inputSchema.properties.parameters.type").String())
	assert.Equal(t, int64(300000), run.Get("inputSchema.properties.timeoutMs.maximum").Int())
}

func TestServeMethodNotFound(t *testing.T) {
	t.Parallel()

	h := startHost(t, Config{Mode: gateway.ModeFindRun}, nil)
	h.initialize(false)

	h.request("resources/list", nil, 7)
	resp := h.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "resources/list")
}

func TestServeParseErrorRecovery(t *testing.T) {
	t.Parallel()

	h := startHost(t, Config{Mode: gateway.ModeFindRun}, nil)
	h.initialize(false)

	h.sendRaw("this is not json\n")
	resp := h.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
	assert.Nil(t, resp.ID, "parse errors answer with a null id")

	// The stream resynchronizes; the connection stays usable.
	h.request(methodPing, nil, 8)
	resp = h.recv()
	assert.Nil(t, resp.Error)
}

func TestServeOversizeFrameRecovery(t *testing.T) {
	t.Parallel()

	h := startHost(t, Config{Mode: gateway.ModeCodeOnly, FrameCap: 256}, nil)

	pad := strings.Repeat("x", 300)
	h.sendRaw(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + pad + `"}}` + "\n")
	resp := h.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)

	h.request(methodPing, nil, 2)
	resp = h.recv()
	assert.Nil(t, resp.Error)
}

func TestServeCancellationDropsReply(t *testing.T) {
	t.Parallel()

	d := defaultDeps()
	d.catalog.tools = []gateway.ToolRecord{{
		QualifiedName: "github:echo",
		Provider:      "github",
		LocalName:     "echo",
		InputSchema:   []byte(`{"type":"object"}`),
	}}
	started := make(chan struct{})
	stopped := make(chan error, 1)
	d.dispatcher.onCall = func(ctx context.Context, _ string, _ map[string]any) (*gateway.CallResult, error) {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return nil, ctx.Err()
	}

	h := startHost(t, Config{Mode: gateway.ModeFindRun}, d)
	h.initialize(false)

	h.request(string(mcp.MethodToolsCall), map[string]any{
		"name":      "run",
		"arguments": map[string]any{"tool": "github:echo", "parameters": map[string]any{}},
	}, 42)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never started")
	}

	h.notify(methodCancelled, map[string]any{"requestId": 42, "reason": "user aborted"})

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation never reached the dispatcher")
	}

	// A cancelled request is not answered.
	h.expectSilence(200 * time.Millisecond)
}

func TestServeUnknownCancellationIgnored(t *testing.T) {
	t.Parallel()

	h := startHost(t, Config{Mode: gateway.ModeFindRun}, nil)
	h.initialize(false)

	h.notify(methodCancelled, map[string]any{"requestId": 12345})

	h.request(methodPing, nil, 2)
	resp := h.recv()
	assert.Nil(t, resp.Error)
}

func TestServeDuplicateCallID(t *testing.T) {
	t.Parallel()

	d := defaultDeps()
	d.catalog.tools = []gateway.ToolRecord{{
		QualifiedName: "github:echo",
		Provider:      "github",
		LocalName:     "echo",
	}}
	started := make(chan struct{})
	release := make(chan struct{})
	d.dispatcher.onCall = func(context.Context, string, map[string]any) (*gateway.CallResult, error) {
		close(started)
		<-release
		return &gateway.CallResult{Content: []gateway.Content{gateway.TextContent("done")}}, nil
	}

	h := startHost(t, Config{Mode: gateway.ModeFindRun}, d)
	h.initialize(false)

	args := map[string]any{
		"name":      "run",
		"arguments": map[string]any{"tool": "github:echo", "parameters": map[string]any{}},
	}
	h.request(string(mcp.MethodToolsCall), args, 7)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never started")
	}

	h.request(string(mcp.MethodToolsCall), args, 7)
	resp := h.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)

	close(release)
	resp = h.recv()
	assert.Nil(t, resp.Error)
	assert.True(t, gjson.GetBytes(resp.Result, "structuredContent.success").Bool())
}

func TestServeSlowCallDoesNotBlockWire(t *testing.T) {
	t.Parallel()

	d := defaultDeps()
	d.catalog.tools = []gateway.ToolRecord{{
		QualifiedName: "github:echo",
		Provider:      "github",
		LocalName:     "echo",
	}}
	started := make(chan struct{})
	release := make(chan struct{})
	d.dispatcher.onCall = func(context.Context, string, map[string]any) (*gateway.CallResult, error) {
		close(started)
		<-release
		return &gateway.CallResult{Content: []gateway.Content{gateway.TextContent("slow")}}, nil
	}

	h := startHost(t, Config{Mode: gateway.ModeFindRun}, d)
	h.initialize(false)

	h.request(string(mcp.MethodToolsCall), map[string]any{
		"name":      "run",
		"arguments": map[string]any{"tool": "github:echo", "parameters": map[string]any{}},
	}, 10)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never started")
	}

	// The wire answers other traffic while the call is in flight.
	h.request(methodPing, nil, 11)
	resp := h.recv()
	assert.Nil(t, resp.Error)
	assert.Equal(t, "11", transport.IDKey(resp.ID))

	close(release)
	resp = h.recv()
	assert.Equal(t, "10", transport.IDKey(resp.ID))
	assert.True(t, gjson.GetBytes(resp.Result, "structuredContent.success").Bool())
}

func TestServeEOFCancelsInflight(t *testing.T) {
	t.Parallel()

	d := defaultDeps()
	d.catalog.tools = []gateway.ToolRecord{{
		QualifiedName: "github:echo",
		Provider:      "github",
		LocalName:     "echo",
	}}
	started := make(chan struct{})
	stopped := make(chan error, 1)
	d.dispatcher.onCall = func(ctx context.Context, _ string, _ map[string]any) (*gateway.CallResult, error) {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return nil, ctx.Err()
	}

	h := startHost(t, Config{Mode: gateway.ModeFindRun}, d)
	h.initialize(false)

	h.request(string(mcp.MethodToolsCall), map[string]any{
		"name":      "run",
		"arguments": map[string]any{"tool": "github:echo", "parameters": map[string]any{}},
	}, 3)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never started")
	}

	require.NoError(t, h.in.Close())

	select {
	case err := <-h.done:
		assert.NoError(t, err, "a closed stream is a normal shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("in-flight call was not cancelled")
	}
}

func TestElicitWithoutCapability(t *testing.T) {
	t.Parallel()

	h := startHost(t, Config{Mode: gateway.ModeFindRun}, nil)
	h.initialize(false)

	_, err := h.srv.Elicit(context.Background(), "Proceed?", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, confirm.ErrNoElicitation)
}

func TestElicitRoundTrip(t *testing.T) {
	t.Parallel()

	h := startHost(t, Config{Mode: gateway.ModeFindRun}, nil)
	h.initialize(true)

	type outcome struct {
		res confirm.Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := h.srv.Elicit(context.Background(), "Remove provider github?", map[string]any{
			"type":       "object",
			"properties": map[string]any{"confirm": map[string]any{"type": "boolean"}},
		})
		out <- outcome{res, err}
	}()

	req := h.recv()
	assert.Equal(t, methodElicitationCreate, req.Method)
	assert.Equal(t, "Remove provider github?", gjson.GetBytes(req.Params, "message").String())
	assert.True(t, gjson.GetBytes(req.Params, "requestedSchema.properties.confirm").Exists())

	resp, err := transport.NewResponseMessage(req.ID, map[string]any{
		"action":  "accept",
		"content": map[string]any{"confirm": true},
	})
	require.NoError(t, err)
	h.send(resp)

	select {
	case got := <-out:
		require.NoError(t, got.err)
		assert.Equal(t, confirm.ActionAccept, got.res.Action)
		assert.Equal(t, map[string]any{"confirm": true}, got.res.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("Elicit never returned")
	}
}

func TestElicitHostRejection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		code         int
		wantNoElicit bool
	}{
		{name: "method not found means no elicitation", code: CodeMethodNotFound, wantNoElicit: true},
		{name: "other errors pass through", code: -32603, wantNoElicit: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := startHost(t, Config{Mode: gateway.ModeFindRun}, nil)
			h.initialize(true)

			out := make(chan error, 1)
			go func() {
				_, err := h.srv.Elicit(context.Background(), "Proceed?", nil)
				out <- err
			}()

			req := h.recv()
			errMsg, err := transport.NewErrorMessage(req.ID, tc.code, "refused", nil)
			require.NoError(t, err)
			h.send(errMsg)

			select {
			case gotErr := <-out:
				require.Error(t, gotErr)
				if tc.wantNoElicit {
					assert.ErrorIs(t, gotErr, confirm.ErrNoElicitation)
				} else {
					assert.NotErrorIs(t, gotErr, confirm.ErrNoElicitation)
					assert.Contains(t, gotErr.Error(), "refused")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Elicit never returned")
			}
		})
	}
}

func TestServeDefaultSchemaOnElicit(t *testing.T) {
	t.Parallel()

	h := startHost(t, Config{Mode: gateway.ModeFindRun}, nil)
	h.initialize(true)

	out := make(chan confirm.Result, 1)
	go func() {
		res, _ := h.srv.Elicit(context.Background(), "Allow?", nil)
		out <- res
	}()

	req := h.recv()
	// A nil schema is replaced by an empty object schema so hosts always
	// see a well-formed elicitation request.
	assert.Equal(t, "object", gjson.GetBytes(req.Params, "requestedSchema.type").String())
	resp, err := transport.NewResponseMessage(req.ID, map[string]any{"action": "decline"})
	require.NoError(t, err)
	h.send(resp)

	select {
	case res := <-out:
		assert.False(t, res.Accepted())
	case <-time.After(2 * time.Second):
		t.Fatal("Elicit never returned")
	}
}
