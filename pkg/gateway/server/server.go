// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package server owns the inbound MCP endpoint: a newline-delimited JSON-RPC
// loop over stdio that exposes the synthesized find/run/code surface instead
// of the raw downstream tools.
//
// One goroutine reads frames and answers initialize, ping and tools/list
// inline; every tools/call runs in its own goroutine so a slow tool never
// stalls the wire. Elicitation requests travel the other way on the same
// writer, correlated by id like any JSON-RPC client would.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/tooldeck/tooldeck/pkg/confirm"
	"github.com/tooldeck/tooldeck/pkg/egress"
	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/gateway/index"
	"github.com/tooldeck/tooldeck/pkg/logger"
	"github.com/tooldeck/tooldeck/pkg/sandbox"
	"github.com/tooldeck/tooldeck/pkg/transport"
)

// serverName is what the gateway calls itself in the initialize result.
const serverName = "tooldeck"

const (
	methodPing              = "ping"
	methodInitialized       = "notifications/initialized"
	methodCancelled         = "notifications/cancelled"
	methodElicitationCreate = "elicitation/create"
)

// legacyProtocolVersion is accepted from hosts that have not moved to the
// current protocol revision.
const legacyProtocolVersion = "2024-11-05"

// Stable JSON-RPC error codes. The standard codes keep their standard
// meanings; the -32000 range carries the gateway's error taxonomy so hosts
// can branch on kind without parsing messages.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601

	CodeInternal            = -32000
	CodeNotInitialized      = -32001
	CodeToolNotFound        = -32002
	CodeSchemaValidation    = -32003
	CodeProviderUnavailable = -32004
	CodeProviderBusy        = -32005
	CodeProviderShutdown    = -32006
	CodeTimeout             = -32007
	CodeCancelled           = -32008
	CodeChildError          = -32009
	CodeSandbox             = -32010
	CodeNetworkBlocked      = -32011
)

// Dispatcher routes tool calls to downstream providers and reports their
// connection states. The connection manager implements it.
type Dispatcher interface {
	CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*gateway.CallResult, error)
	Statuses() []gateway.ConnStatus
}

// Finder answers semantic queries over the catalog. The semantic index
// implements it.
type Finder interface {
	Find(ctx context.Context, query string, limit int, filters *index.Filters) (*index.FindResult, error)
	Status() (indexed, total int, inProgress bool)
}

// Runner executes scripts against the catalog. The sandbox implements it.
type Runner interface {
	Run(ctx context.Context, spec sandbox.RunSpec) (*sandbox.Result, error)
}

// Config configures the inbound endpoint.
type Config struct {
	// Mode selects the synthesized tool surface. Empty means DefaultMode.
	Mode gateway.Mode

	// ProtocolVersion is advertised and preferred during the handshake;
	// empty means mcp-go's latest. legacyProtocolVersion stays accepted
	// either way.
	ProtocolVersion string

	// ServerVersion is reported in the initialize result.
	ServerVersion string

	// FrameCap bounds inbound and outbound frames; zero means
	// transport.DefaultFrameCap.
	FrameCap int

	// EgressRules govern sandbox network access; nil means
	// egress.DefaultRules.
	EgressRules egress.Rules
}

// Server is the inbound MCP endpoint. Create one with New and drive it with
// Serve; it is not reusable across connections.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	catalog    gateway.CatalogView
	finder     Finder
	runner     Runner

	writer *transport.FrameWriter

	mu          sync.Mutex
	initialized bool
	canElicit   bool
	calls       map[string]*inflightCall

	pendingMu sync.Mutex
	pending   map[string]chan *transport.JSONRPCMessage
	nextID    atomic.Int64

	wg sync.WaitGroup
}

// inflightCall tracks one running tools/call. abandoned is set when the host
// cancels the request, in which case no reply is written for it.
type inflightCall struct {
	cancel    context.CancelFunc
	abandoned atomic.Bool
}

// New validates that the configured mode has every dependency it needs and
// returns a server ready to Serve. Dependencies a mode does not use may be
// nil.
func New(cfg Config, dispatcher Dispatcher, cat gateway.CatalogView, finder Finder, runner Runner) (*Server, error) {
	if cfg.Mode == "" {
		cfg.Mode = gateway.DefaultMode
	}
	if _, err := gateway.ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "0.1.0"
	}
	if cfg.EgressRules == nil {
		cfg.EgressRules = egress.DefaultRules()
	}

	if cfg.Mode.ExposesFind() && finder == nil {
		return nil, fmt.Errorf("%w: mode %q needs a semantic index", gateway.ErrInvalidConfig, cfg.Mode)
	}
	if (cfg.Mode.ExposesFind() || cfg.Mode.ExposesRun()) && dispatcher == nil {
		return nil, fmt.Errorf("%w: mode %q needs a dispatcher", gateway.ErrInvalidConfig, cfg.Mode)
	}
	if cfg.Mode.ExposesRun() && cat == nil {
		return nil, fmt.Errorf("%w: mode %q needs a catalog view", gateway.ErrInvalidConfig, cfg.Mode)
	}
	if cfg.Mode.ExposesCode() && runner == nil {
		return nil, fmt.Errorf("%w: mode %q needs a sandbox", gateway.ErrInvalidConfig, cfg.Mode)
	}

	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		catalog:    cat,
		finder:     finder,
		runner:     runner,
		calls:      make(map[string]*inflightCall),
		pending:    make(map[string]chan *transport.JSONRPCMessage),
	}, nil
}

// Serve reads frames from r and writes replies to w until the host closes
// the stream or ctx ends. Unreadable frames get a ParseError reply and the
// stream resynchronizes; a closed stream cancels every in-flight call and
// returns nil. When ctx ends first, Serve returns ctx.Err().
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.writer = transport.NewFrameWriter(w, s.cfg.FrameCap)
	framer := transport.NewFramer(r, s.cfg.FrameCap)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type frameEvent struct {
		msg *transport.JSONRPCMessage
		err error
	}
	frames := make(chan frameEvent)
	go func() {
		defer close(frames)
		for {
			msg, err := framer.ReadFrame()
			select {
			case frames <- frameEvent{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !recoverableFrameErr(err) {
				return
			}
		}
	}()

	logger.Infow("serving MCP on stdio", "mode", s.cfg.Mode, "protocol", s.cfg.ProtocolVersion)

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			serveErr = ctx.Err()
			break loop
		case ev, ok := <-frames:
			if !ok {
				break loop
			}
			if ev.err != nil {
				if recoverableFrameErr(ev.err) {
					logger.Warnw("dropping unreadable frame", "error", ev.err)
					s.replyError(nullID(), CodeParseError, "parse error: "+ev.err.Error(), nil)
					continue
				}
				if errors.Is(ev.err, io.EOF) {
					logger.Infow("host closed the connection")
					break loop
				}
				serveErr = fmt.Errorf("reading frames: %w", ev.err)
				break loop
			}
			s.dispatch(ctx, ev.msg)
		}
	}

	cancel()
	s.wg.Wait()
	return serveErr
}

// recoverableFrameErr reports whether the framer can keep delivering frames
// after this error.
func recoverableFrameErr(err error) bool {
	return errors.Is(err, transport.ErrFrameTooLarge) || errors.Is(err, transport.ErrMalformedFrame)
}

// nullID is the reply id for frames whose own id was unreadable. A nil
// interface would drop the field from the wire entirely; raw null keeps it,
// as JSON-RPC requires for parse errors.
func nullID() any {
	return json.RawMessage("null")
}

func (s *Server) dispatch(ctx context.Context, msg *transport.JSONRPCMessage) {
	switch {
	case msg.IsResponse():
		s.dispatchResponse(msg)
	case msg.IsNotification():
		s.handleNotification(msg)
	default:
		s.handleRequest(ctx, msg)
	}
}

func (s *Server) handleRequest(ctx context.Context, msg *transport.JSONRPCMessage) {
	switch msg.Method {
	case string(mcp.MethodInitialize):
		s.handleInitialize(msg)
	case methodPing:
		// Pings are answered in any state; hosts use them as liveness
		// probes before and after the handshake.
		s.reply(msg.ID, struct{}{})
	case string(mcp.MethodToolsList):
		if !s.ready() {
			s.replyError(msg.ID, CodeNotInitialized, "initialize must complete before tools/list", nil)
			return
		}
		s.reply(msg.ID, toolsListResult{Tools: s.decls()})
	case string(mcp.MethodToolsCall):
		if !s.ready() {
			s.replyError(msg.ID, CodeNotInitialized, "initialize must complete before tools/call", nil)
			return
		}
		s.startToolCall(ctx, msg)
	default:
		s.replyError(msg.ID, CodeMethodNotFound, fmt.Sprintf("method %q is not supported", msg.Method), nil)
	}
}

// initializeResult is the local wire shape for the handshake reply.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// handleInitialize negotiates the protocol version and records whether the
// host can answer elicitation requests. It never touches the catalog or any
// downstream, so it completes immediately no matter what the providers are
// doing.
func (s *Server) handleInitialize(msg *transport.JSONRPCMessage) {
	s.mu.Lock()
	already := s.initialized
	s.mu.Unlock()
	if already {
		s.replyError(msg.ID, CodeInvalidRequest, "initialize may only be sent once per connection", nil)
		return
	}

	requested := gjson.GetBytes(msg.Params, "protocolVersion").String()
	version := s.cfg.ProtocolVersion
	if requested == legacyProtocolVersion {
		version = legacyProtocolVersion
	}
	canElicit := gjson.GetBytes(msg.Params, "capabilities.elicitation").Exists()

	s.mu.Lock()
	s.initialized = true
	s.canElicit = canElicit
	s.mu.Unlock()

	s.reply(msg.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		ServerInfo: mcp.Implementation{
			Name:    serverName,
			Version: s.cfg.ServerVersion,
		},
		Instructions: s.instructions(),
	})

	logger.Infow("host connected",
		"client", gjson.GetBytes(msg.Params, "clientInfo.name").String(),
		"clientVersion", gjson.GetBytes(msg.Params, "clientInfo.version").String(),
		"requested", requested,
		"protocol", version,
		"elicitation", canElicit)
}

// instructions is the usage hint placed in the initialize result so models
// know how to drive the synthesized surface.
func (s *Server) instructions() string {
	switch s.cfg.Mode {
	case gateway.ModeFindRun:
		return "This gateway fronts several tool providers. Call find with a description of what you need, then run the best match by its qualified provider:tool name."
	case gateway.ModeFindCode:
		return "This gateway fronts several tool providers. Call find to discover tools, then use code to run JavaScript that calls them as provider.tool_name(params)."
	case gateway.ModeCodeOnly:
		return "This gateway fronts several tool providers. Use code to run JavaScript that calls tools as provider.tool_name(params), or route a plain-language intent with do(intent, context)."
	}
	return ""
}

func (s *Server) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Server) hostCanElicit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canElicit
}

// cancelledParams is the wire shape of notifications/cancelled.
type cancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleNotification(msg *transport.JSONRPCMessage) {
	switch msg.Method {
	case methodInitialized:
		logger.Debugw("host completed the handshake")
	case methodCancelled:
		var params cancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Debugw("malformed cancellation notification", "error", err)
			return
		}
		s.cancelCall(params.RequestID, params.Reason)
	default:
		logger.Debugw("ignoring notification", "method", msg.Method)
	}
}

// cancelCall aborts the in-flight call with the given request id. The call's
// goroutine observes the abandoned flag and drops its reply, as cancelled
// requests must not be answered.
func (s *Server) cancelCall(id any, reason string) {
	key := transport.IDKey(id)
	s.mu.Lock()
	ic := s.calls[key]
	s.mu.Unlock()
	if ic == nil {
		logger.Debugw("cancellation for unknown call", "id", key)
		return
	}
	logger.Debugw("host cancelled call", "id", key, "reason", reason)
	ic.abandoned.Store(true)
	ic.cancel()
}

// callParams is the wire shape of tools/call params.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// startToolCall spawns the handler goroutine for one tools/call so the read
// loop stays free for cancellations and elicitation responses.
func (s *Server) startToolCall(ctx context.Context, msg *transport.JSONRPCMessage) {
	var params callParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.replyError(msg.ID, CodeInvalidRequest, "malformed tools/call params: "+err.Error(), nil)
		return
	}

	key := transport.IDKey(msg.ID)
	s.mu.Lock()
	if _, dup := s.calls[key]; dup {
		s.mu.Unlock()
		s.replyError(msg.ID, CodeInvalidRequest, fmt.Sprintf("request id %v is already in flight", msg.ID), nil)
		return
	}
	callCtx, cancel := context.WithCancel(ctx)
	ic := &inflightCall{cancel: cancel}
	s.calls[key] = ic
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.calls, key)
			s.mu.Unlock()
		}()

		start := time.Now()
		payload, isErr, err := s.invokeTool(callCtx, params)
		if ic.abandoned.Load() {
			logger.Debugw("dropping reply for cancelled call", "id", key, "tool", params.Name, "elapsed", time.Since(start))
			return
		}
		if err != nil {
			logger.Debugw("tool call failed",
				"id", key, "tool", params.Name, "elapsed", time.Since(start), "error", err)
			s.replyError(msg.ID, errorCode(err), err.Error(), errorData(err))
			return
		}
		logger.Debugw("tool call finished",
			"id", key, "tool", params.Name, "elapsed", time.Since(start), "isError", isErr)
		s.replyToolResult(msg.ID, payload, isErr)
	}()
}

// toolCallResult is the MCP tools/call result envelope. The structured
// payload is also rendered as one text item for hosts that only read
// content.
type toolCallResult struct {
	Content           []gateway.Content `json:"content"`
	StructuredContent any               `json:"structuredContent,omitempty"`
	IsError           bool              `json:"isError,omitempty"`
}

func (s *Server) replyToolResult(id any, payload any, isErr bool) {
	blob, err := json.Marshal(payload)
	if err != nil {
		s.replyError(id, CodeInternal, "marshaling tool result: "+err.Error(), nil)
		return
	}
	s.reply(id, toolCallResult{
		Content:           []gateway.Content{gateway.TextContent(string(blob))},
		StructuredContent: payload,
		IsError:           isErr,
	})
}

func (s *Server) reply(id any, result any) {
	msg, err := transport.NewResponseMessage(id, result)
	if err != nil {
		s.replyError(id, CodeInternal, "marshaling result: "+err.Error(), nil)
		return
	}
	if err := s.writer.WriteFrame(msg); err != nil {
		if errors.Is(err, transport.ErrFrameTooLarge) {
			s.replyError(id, CodeParseError, "result exceeds the frame size cap", nil)
			return
		}
		logger.Warnw("reply write failed", "id", transport.IDKey(id), "error", err)
	}
}

func (s *Server) replyError(id any, code int, message string, data any) {
	msg, err := transport.NewErrorMessage(id, code, message, data)
	if err != nil {
		logger.Errorw("building error reply failed", "error", err)
		return
	}
	if err := s.writer.WriteFrame(msg); err != nil {
		logger.Warnw("error reply write failed", "id", transport.IDKey(id), "error", err)
	}
}

// dispatchResponse routes a host response to the elicitation waiter with the
// matching id. Orphans are dropped the way the downstream client drops them.
func (s *Server) dispatchResponse(msg *transport.JSONRPCMessage) {
	key := transport.IDKey(msg.ID)
	s.pendingMu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()
	if !ok {
		logger.Debugw("orphan response from host", "id", key)
		return
	}
	ch <- msg
}

// elicitParams and elicitResult are the wire shapes of elicitation/create.
type elicitParams struct {
	Message         string         `json:"message"`
	RequestedSchema map[string]any `json:"requestedSchema"`
}

type elicitResult struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

// Elicit asks the host to prompt the user, implementing confirm.Requester.
// Hosts that did not declare the elicitation capability, or that reject the
// method outright, yield confirm.ErrNoElicitation so the caller can fall
// back to a native dialog.
func (s *Server) Elicit(ctx context.Context, message string, schema map[string]any) (confirm.Result, error) {
	if !s.hostCanElicit() {
		return confirm.Result{}, confirm.ErrNoElicitation
	}
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	id := s.nextID.Add(1)
	req, err := transport.NewRequestMessage(methodElicitationCreate, elicitParams{
		Message:         message,
		RequestedSchema: schema,
	}, id)
	if err != nil {
		return confirm.Result{}, fmt.Errorf("%w: building elicitation request: %v", gateway.ErrInternal, err)
	}

	ch := make(chan *transport.JSONRPCMessage, 1)
	key := transport.IDKey(id)
	s.pendingMu.Lock()
	s.pending[key] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
	}()

	if err := s.writer.WriteFrame(req); err != nil {
		return confirm.Result{}, fmt.Errorf("%w: sending elicitation request: %v", gateway.ErrInternal, err)
	}
	logger.Debugw("elicitation sent", "id", key)

	select {
	case <-ctx.Done():
		return confirm.Result{}, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			if resp.Error.Code == CodeMethodNotFound {
				return confirm.Result{}, fmt.Errorf("%w: host rejected %s", confirm.ErrNoElicitation, methodElicitationCreate)
			}
			return confirm.Result{}, fmt.Errorf("host rejected the prompt: %w", resp.Error)
		}
		var res elicitResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			return confirm.Result{}, fmt.Errorf("%w: malformed elicitation result: %v", gateway.ErrInvalidRequest, err)
		}
		return confirm.Result{Action: confirm.Action(res.Action), Content: res.Content}, nil
	}
}

// errorCode maps the error taxonomy to the stable wire codes. Bare context
// errors, from paths that did not wrap them, fold into the matching kinds.
func errorCode(err error) int {
	switch {
	case errors.Is(err, gateway.ErrParse):
		return CodeParseError
	case errors.Is(err, gateway.ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, gateway.ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, gateway.ErrToolNotFound):
		return CodeToolNotFound
	case errors.Is(err, gateway.ErrSchemaValidation):
		return CodeSchemaValidation
	case errors.Is(err, gateway.ErrProviderUnavailable):
		return CodeProviderUnavailable
	case errors.Is(err, gateway.ErrProviderBusy):
		return CodeProviderBusy
	case errors.Is(err, gateway.ErrProviderShutdown):
		return CodeProviderShutdown
	case errors.Is(err, gateway.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, gateway.ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, gateway.ErrChild):
		return CodeChildError
	case errors.Is(err, gateway.ErrSandbox):
		return CodeSandbox
	case errors.Is(err, gateway.ErrNetworkBlocked):
		return CodeNetworkBlocked
	default:
		return CodeInternal
	}
}

// errorData attaches retry hints to the refusals a host can act on.
func errorData(err error) any {
	switch {
	case errors.Is(err, gateway.ErrProviderUnavailable):
		return map[string]any{"retryable": true, "hint": "the provider may recover; try again later"}
	case errors.Is(err, gateway.ErrProviderBusy):
		return map[string]any{"retryable": true, "hint": "the provider is at its concurrency limit; retry shortly"}
	}
	return nil
}
