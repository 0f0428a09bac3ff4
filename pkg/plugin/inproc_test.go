// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tooldeck/tooldeck/pkg/confirm"
	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/transport"
)

// stubProvider is a minimal non-interactive provider.
type stubProvider struct {
	name   string
	tools  []Descriptor
	onCall func(ctx context.Context, name string, args map[string]any) (*gateway.CallResult, error)

	mu    sync.Mutex
	calls []string
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) ListTools(context.Context) ([]Descriptor, error) {
	return s.tools, nil
}

func (s *stubProvider) CallTool(ctx context.Context, name string, args map[string]any) (*gateway.CallResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
	return s.onCall(ctx, name, args)
}

// surveyProvider is an interactive provider with a single one-question tool.
type surveyProvider struct{}

func (*surveyProvider) Name() string { return "survey" }

func (*surveyProvider) ListTools(context.Context) ([]Descriptor, error) {
	return []Descriptor{{Name: "ask", InputSchema: json.RawMessage(`{"type":"object"}`)}}, nil
}

func (s *surveyProvider) CallTool(ctx context.Context, name string, args map[string]any) (*gateway.CallResult, error) {
	step, err := s.StartTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if step.Input != nil {
		return nil, fmt.Errorf("%w: %q needs user input", gateway.ErrInvalidRequest, name)
	}
	return step.Result, nil
}

func (*surveyProvider) StartTool(context.Context, string, map[string]any) (Step, error) {
	return Step{Input: &InputRequest{
		Message: "Proceed with the survey?",
		Schema:  map[string]any{"type": "object"},
		Resume: func(_ context.Context, answer confirm.Result) (Step, error) {
			if !answer.Accepted() {
				return refusedStep("The user declined the survey."), nil
			}
			return textStep("answer recorded"), nil
		},
	}}, nil
}

type stubConfirmer struct {
	mu       sync.Mutex
	messages []string
	result   confirm.Result
	err      error
}

func (c *stubConfirmer) Confirm(_ context.Context, message string, _ map[string]any) (confirm.Result, error) {
	c.mu.Lock()
	c.messages = append(c.messages, message)
	c.mu.Unlock()
	return c.result, c.err
}

// startPlugin registers p on a fresh host and opens its transport.
func startPlugin(t *testing.T, p ToolProvider, confirmer Confirmer) transport.Transport {
	t.Helper()
	h := NewHost("0.9.0", confirmer)
	require.NoError(t, h.Register(p))

	factory := h.Factory(func(transport.Config) (transport.Transport, error) {
		t.Fatal("external factory used for an internal provider")
		return nil, nil
	})
	tr, err := factory(transport.Config{Kind: transport.KindInternal, Name: p.Name()})
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func sendReq(t *testing.T, tr transport.Transport, id any, method string, params any) {
	t.Helper()
	msg, err := transport.NewRequestMessage(method, params, id)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), msg))
}

func sendNote(t *testing.T, tr transport.Transport, method string, params any) {
	t.Helper()
	msg, err := transport.NewNotificationMessage(method, params)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), msg))
}

func recv(t *testing.T, tr transport.Transport) *transport.JSONRPCMessage {
	t.Helper()
	select {
	case msg, ok := <-tr.Messages():
		require.True(t, ok, "message stream closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return nil
	}
}

type wireCallResult struct {
	Content           []gateway.Content `json:"content"`
	StructuredContent map[string]any    `json:"structuredContent"`
	IsError           bool              `json:"isError"`
}

func TestInprocHandshakeAndList(t *testing.T) {
	t.Parallel()

	p := &stubProvider{name: "notes", tools: []Descriptor{{
		Name:        "add_note",
		Description: "Add a note.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}}
	tr := startPlugin(t, p, nil)
	assert.Equal(t, transport.KindInternal, tr.Kind())

	sendReq(t, tr, 1, "initialize", mcp.InitializeParams{ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION})
	reply := recv(t, tr)
	require.Nil(t, reply.Error)
	assert.Equal(t, "1", transport.IDKey(reply.ID))

	var init mcp.InitializeResult
	require.NoError(t, json.Unmarshal(reply.Result, &init))
	assert.Equal(t, "notes", init.ServerInfo.Name)
	assert.Equal(t, "0.9.0", init.ServerInfo.Version)
	assert.Equal(t, mcp.LATEST_PROTOCOL_VERSION, init.ProtocolVersion)

	// The initialized notification draws no reply; the next exchange
	// proves it was consumed without one.
	sendNote(t, tr, methodInitialized, nil)

	sendReq(t, tr, 2, "tools/list", map[string]any{})
	reply = recv(t, tr)
	require.Nil(t, reply.Error)

	var page struct {
		Tools      []Descriptor `json:"tools"`
		NextCursor string       `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &page))
	require.Len(t, page.Tools, 1)
	assert.Equal(t, "add_note", page.Tools[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(page.Tools[0].InputSchema))
	assert.Empty(t, page.NextCursor)
}

func TestInprocCallRoundTrip(t *testing.T) {
	t.Parallel()

	p := &stubProvider{name: "notes", onCall: func(_ context.Context, _ string, args map[string]any) (*gateway.CallResult, error) {
		text, _ := args["text"].(string)
		return &gateway.CallResult{
			Content:           []gateway.Content{gateway.TextContent("saved " + text)},
			StructuredContent: map[string]any{"id": 7},
		}, nil
	}}
	tr := startPlugin(t, p, nil)

	sendReq(t, tr, 5, "tools/call", map[string]any{"name": "add_note", "arguments": map[string]any{"text": "milk"}})
	reply := recv(t, tr)
	require.Nil(t, reply.Error)
	assert.Equal(t, "5", transport.IDKey(reply.ID))

	var res wireCallResult
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	require.Len(t, res.Content, 1)
	assert.Equal(t, "saved milk", res.Content[0].Text)
	assert.Equal(t, float64(7), res.StructuredContent["id"])
	assert.False(t, res.IsError)

	p.mu.Lock()
	assert.Equal(t, []string{"add_note"}, p.calls)
	p.mu.Unlock()
}

func TestInprocErrorReplies(t *testing.T) {
	t.Parallel()

	p := &stubProvider{name: "notes", onCall: func(_ context.Context, name string, _ map[string]any) (*gateway.CallResult, error) {
		if name == "missing" {
			return nil, fmt.Errorf("%w: notes has no tool %q", gateway.ErrToolNotFound, name)
		}
		return nil, fmt.Errorf("disk on fire")
	}}
	tr := startPlugin(t, p, nil)

	sendReq(t, tr, 1, "tools/call", map[string]any{"name": "missing"})
	reply := recv(t, tr)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeInvalidParams, reply.Error.Code)

	sendReq(t, tr, 2, "tools/call", map[string]any{"name": "broken"})
	reply = recv(t, tr)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeToolFault, reply.Error.Code)
	assert.Contains(t, reply.Error.Message, "disk on fire")

	// Params that are not an object never reach the provider.
	sendReq(t, tr, 3, "tools/call", "boom")
	reply = recv(t, tr)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeInvalidParams, reply.Error.Code)

	sendReq(t, tr, 4, "resources/list", nil)
	reply = recv(t, tr)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeMethodNotFound, reply.Error.Code)

	sendReq(t, tr, 5, "ping", nil)
	reply = recv(t, tr)
	assert.Nil(t, reply.Error)
}

func TestInprocCallsRunConcurrently(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	p := &stubProvider{name: "notes", onCall: func(ctx context.Context, name string, _ map[string]any) (*gateway.CallResult, error) {
		if name == "slow" {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &gateway.CallResult{Content: []gateway.Content{gateway.TextContent(name)}}, nil
	}}
	tr := startPlugin(t, p, nil)

	sendReq(t, tr, 1, "tools/call", map[string]any{"name": "slow"})
	sendReq(t, tr, 2, "tools/call", map[string]any{"name": "fast"})

	reply := recv(t, tr)
	assert.Equal(t, "2", transport.IDKey(reply.ID), "fast call should finish while slow blocks")

	close(block)
	reply = recv(t, tr)
	assert.Equal(t, "1", transport.IDKey(reply.ID))
}

func TestInprocCancellation(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	p := &stubProvider{name: "notes", onCall: func(ctx context.Context, _ string, _ map[string]any) (*gateway.CallResult, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	tr := startPlugin(t, p, nil)

	sendReq(t, tr, 3, "tools/call", map[string]any{"name": "hang"})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("tool never started")
	}

	sendNote(t, tr, methodCancelled, map[string]any{"requestId": 3, "reason": "deadline exceeded"})
	reply := recv(t, tr)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeToolFault, reply.Error.Code)
	assert.Contains(t, reply.Error.Message, "context canceled")
}

func TestInprocInteractiveFlow(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()
		confirmer := &stubConfirmer{result: confirm.Result{Action: confirm.ActionAccept}}
		tr := startPlugin(t, &surveyProvider{}, confirmer)

		sendReq(t, tr, 1, "tools/call", map[string]any{"name": "ask"})
		reply := recv(t, tr)
		require.Nil(t, reply.Error)

		var res wireCallResult
		require.NoError(t, json.Unmarshal(reply.Result, &res))
		assert.False(t, res.IsError)
		require.Len(t, res.Content, 1)
		assert.Equal(t, "answer recorded", res.Content[0].Text)

		confirmer.mu.Lock()
		assert.Equal(t, []string{"Proceed with the survey?"}, confirmer.messages)
		confirmer.mu.Unlock()
	})

	t.Run("declined", func(t *testing.T) {
		t.Parallel()
		confirmer := &stubConfirmer{result: confirm.Result{Action: confirm.ActionDecline}}
		tr := startPlugin(t, &surveyProvider{}, confirmer)

		sendReq(t, tr, 1, "tools/call", map[string]any{"name": "ask"})
		reply := recv(t, tr)
		require.Nil(t, reply.Error)

		var res wireCallResult
		require.NoError(t, json.Unmarshal(reply.Result, &res))
		assert.True(t, res.IsError)
		require.Len(t, res.Content, 1)
		assert.Contains(t, res.Content[0].Text, "declined")
	})

	t.Run("no confirmation channel", func(t *testing.T) {
		t.Parallel()
		tr := startPlugin(t, &surveyProvider{}, nil)

		sendReq(t, tr, 1, "tools/call", map[string]any{"name": "ask"})
		reply := recv(t, tr)
		require.NotNil(t, reply.Error)
		assert.Equal(t, codeToolFault, reply.Error.Code)
		assert.Contains(t, reply.Error.Message, "no confirmation channel")
	})
}

func TestInprocClose(t *testing.T) {
	t.Parallel()

	p := &stubProvider{name: "notes"}
	tr := startPlugin(t, p, nil)

	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))

	msg, err := transport.NewRequestMessage("ping", nil, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Send(context.Background(), msg), transport.ErrClosed)

	select {
	case <-tr.Done():
	default:
		t.Fatal("done should be closed")
	}
	_, open := <-tr.Messages()
	assert.False(t, open)
	assert.NoError(t, tr.Err())
}
