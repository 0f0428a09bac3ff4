// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/logger"
	"github.com/tooldeck/tooldeck/pkg/transport"
)

const (
	methodInitialized = "notifications/initialized"
	methodCancelled   = "notifications/cancelled"
	methodPing        = "ping"

	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolFault      = -32000
)

// inprocTransport serves one plugin over the Transport contract. The
// connection manager is the client side; the plugin is the peer. Frames are
// handed over as parsed messages, so there is no framing layer and no frame
// cap.
type inprocTransport struct {
	provider ToolProvider
	host     *Host

	in  chan *transport.JSONRPCMessage
	out chan *transport.JSONRPCMessage

	done chan struct{}
	once sync.Once

	// writeMu orders emit against Close so nothing sends on a closed out.
	writeMu sync.Mutex
	closed  bool

	callMu sync.Mutex
	calls  map[string]context.CancelFunc
}

func newInprocTransport(p ToolProvider, h *Host) *inprocTransport {
	return &inprocTransport{
		provider: p,
		host:     h,
		in:       make(chan *transport.JSONRPCMessage, 16),
		out:      make(chan *transport.JSONRPCMessage, 16),
		done:     make(chan struct{}),
		calls:    make(map[string]context.CancelFunc),
	}
}

// Kind returns the transport kind.
func (t *inprocTransport) Kind() transport.Kind {
	return transport.KindInternal
}

// Start launches the serve loop. Nothing can fail here; the peer is us.
func (t *inprocTransport) Start(_ context.Context) error {
	go t.serve()
	return nil
}

// Send hands one frame to the plugin side.
func (t *inprocTransport) Send(ctx context.Context, msg *transport.JSONRPCMessage) error {
	select {
	case <-t.done:
		return transport.ErrClosed
	default:
	}
	select {
	case t.in <- msg:
		return nil
	case <-t.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns the plugin-to-manager frame stream.
func (t *inprocTransport) Messages() <-chan *transport.JSONRPCMessage {
	return t.out
}

// Done closes when the transport has been closed.
func (t *inprocTransport) Done() <-chan struct{} {
	return t.done
}

// Err reports the terminal error. An in-process peer cannot crash on its
// own; the only way down is Close, which is clean.
func (t *inprocTransport) Err() error {
	return nil
}

// Close stops the serve loop, cancels inflight calls and closes the message
// stream.
func (t *inprocTransport) Close(_ context.Context) error {
	t.once.Do(func() {
		close(t.done)

		t.callMu.Lock()
		for _, cancel := range t.calls {
			cancel()
		}
		t.callMu.Unlock()

		t.writeMu.Lock()
		t.closed = true
		t.writeMu.Unlock()
		close(t.out)
	})
	return nil
}

func (t *inprocTransport) serve() {
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.in:
			t.handle(msg)
		}
	}
}

func (t *inprocTransport) handle(msg *transport.JSONRPCMessage) {
	switch msg.Method {
	case string(mcp.MethodInitialize):
		t.handleInitialize(msg)
	case methodInitialized:
		// Handshake complete; nothing to do in-process.
	case methodCancelled:
		t.handleCancelled(msg)
	case methodPing:
		t.reply(msg.ID, struct{}{})
	case string(mcp.MethodToolsList):
		t.handleListTools(msg)
	case string(mcp.MethodToolsCall):
		t.handleCallTool(msg)
	default:
		if msg.IsRequest() {
			t.replyError(msg.ID, codeMethodNotFound, fmt.Sprintf("method %q not supported", msg.Method))
		}
	}
}

func (t *inprocTransport) handleInitialize(msg *transport.JSONRPCMessage) {
	var params mcp.InitializeParams
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &params)
	}
	version := params.ProtocolVersion
	if version == "" {
		version = mcp.LATEST_PROTOCOL_VERSION
	}
	t.reply(msg.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo: mcp.Implementation{
			Name:    t.provider.Name(),
			Version: t.host.version,
		},
	})
}

func (t *inprocTransport) handleCancelled(msg *transport.JSONRPCMessage) {
	var params struct {
		RequestID any `json:"requestId"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.RequestID == nil {
		return
	}
	t.callMu.Lock()
	cancel, ok := t.calls[transport.IDKey(params.RequestID)]
	t.callMu.Unlock()
	if ok {
		cancel()
	}
}

func (t *inprocTransport) handleListTools(msg *transport.JSONRPCMessage) {
	ctx, cancel := t.liveContext()
	defer cancel()

	descs, err := t.provider.ListTools(ctx)
	if err != nil {
		t.replyError(msg.ID, codeToolFault, err.Error())
		return
	}
	if descs == nil {
		descs = []Descriptor{}
	}
	// Everything fits in one page; no cursor.
	t.reply(msg.ID, struct {
		Tools []Descriptor `json:"tools"`
	}{Tools: descs})
}

func (t *inprocTransport) handleCallTool(msg *transport.JSONRPCMessage) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.replyError(msg.ID, codeInvalidParams, "malformed tools/call params: "+err.Error())
		return
	}

	ctx, cancel := t.liveContext()
	key := transport.IDKey(msg.ID)
	t.callMu.Lock()
	t.calls[key] = cancel
	t.callMu.Unlock()

	// Calls run concurrently so one slow tool does not stall the wire.
	go func() {
		defer func() {
			t.callMu.Lock()
			delete(t.calls, key)
			t.callMu.Unlock()
			cancel()
		}()

		res, err := t.dispatch(ctx, params.Name, params.Arguments)
		if err != nil {
			t.replyError(msg.ID, callErrorCode(err), err.Error())
			return
		}
		if res == nil {
			res = &gateway.CallResult{}
		}
		wire := struct {
			Content           []gateway.Content `json:"content"`
			StructuredContent map[string]any    `json:"structuredContent,omitempty"`
			IsError           bool              `json:"isError,omitempty"`
		}{
			Content:           res.Content,
			StructuredContent: res.StructuredContent,
			IsError:           res.IsError,
		}
		if wire.Content == nil {
			wire.Content = []gateway.Content{}
		}
		t.reply(msg.ID, wire)
	}()
}

// dispatch runs one tool. Interactive providers are driven through the
// input-request loop: each suspension goes to the user over the confirmation
// channel and the answer feeds the next step.
func (t *inprocTransport) dispatch(ctx context.Context, name string, args map[string]any) (*gateway.CallResult, error) {
	ip, ok := t.provider.(Interactive)
	if !ok {
		return t.provider.CallTool(ctx, name, args)
	}

	step, err := ip.StartTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	for step.Input != nil {
		if t.host.confirmer == nil {
			return nil, fmt.Errorf("%w: %q needs user input and no confirmation channel is attached",
				gateway.ErrInvalidRequest, t.provider.Name())
		}
		answer, err := t.host.confirmer.Confirm(ctx, step.Input.Message, step.Input.Schema)
		if err != nil {
			return nil, err
		}
		step, err = step.Input.Resume(ctx, answer)
		if err != nil {
			return nil, err
		}
	}
	return step.Result, nil
}

// callErrorCode maps dispatch failures onto wire codes. Unknown tools map to
// invalid params per the protocol; everything else is a generic tool fault.
func callErrorCode(err error) int {
	if errors.Is(err, gateway.ErrToolNotFound) {
		return codeInvalidParams
	}
	return codeToolFault
}

// liveContext returns a context cancelled when the transport closes.
func (t *inprocTransport) liveContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (t *inprocTransport) reply(id any, result any) {
	msg, err := transport.NewResponseMessage(id, result)
	if err != nil {
		logger.Errorw("plugin reply failed to marshal", "provider", t.provider.Name(), "error", err)
		return
	}
	t.emit(msg)
}

func (t *inprocTransport) replyError(id any, code int, text string) {
	msg, err := transport.NewErrorMessage(id, code, text, nil)
	if err != nil {
		return
	}
	t.emit(msg)
}

// emit delivers one frame to the manager side, dropping it if the transport
// already closed.
func (t *inprocTransport) emit(msg *transport.JSONRPCMessage) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return
	}
	t.out <- msg
}
