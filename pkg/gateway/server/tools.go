// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tooldeck/tooldeck/pkg/confirm"
	"github.com/tooldeck/tooldeck/pkg/egress"
	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/gateway/index"
	"github.com/tooldeck/tooldeck/pkg/logger"
	"github.com/tooldeck/tooldeck/pkg/sandbox"
)

const (
	toolFind = "find"
	toolRun  = "run"
	toolCode = "code"
)

// Deadlines for run when the caller names none or overshoots.
const (
	defaultRunTimeout = 30 * time.Second
	maxRunTimeout     = 5 * time.Minute
)

// toolDecl is one entry of the synthesized tools/list surface. Schemas are
// written by hand and served verbatim.
type toolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDecl `json:"tools"`
}

var findDecl = toolDecl{
	Name:        toolFind,
	Description: "Search the tool catalog by describing what you want to do. Returns ranked matches with the qualified names to invoke.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"description": {
				"type": "string",
				"description": "Natural-language description of the capability you need"
			},
			"limit": {
				"type": "integer",
				"minimum": 1,
				"maximum": 50,
				"default": 10,
				"description": "Maximum number of matches to return"
			},
			"filters": {
				"type": "object",
				"properties": {
					"providers": {
						"type": "array",
						"items": {"type": "string"},
						"description": "Restrict matches to these providers"
					},
					"substring": {
						"type": "string",
						"description": "Keep only tools whose name or description contains this text"
					}
				},
				"additionalProperties": false
			}
		},
		"required": ["description"],
		"additionalProperties": false
	}`),
}

var runDecl = toolDecl{
	Name:        toolRun,
	Description: "Invoke one catalog tool by its qualified name with JSON parameters.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"tool": {
				"type": "string",
				"description": "Qualified tool name of the form \"<provider>:<name>\""
			},
			"parameters": {
				"type": "object",
				"description": "Arguments forwarded to the tool; use {} for tools that take none"
			},
			"timeoutMs": {
				"type": "integer",
				"minimum": 1,
				"maximum": 300000,
				"description": "Call deadline in milliseconds; default 30000"
			},
			"skipValidation": {
				"type": "boolean",
				"description": "Skip structural validation against the tool's advertised schema"
			}
		},
		"required": ["tool", "parameters"],
		"additionalProperties": false
	}`),
}

var codeDecl = toolDecl{
	Name:        toolCode,
	Description: "Run JavaScript against the tool catalog. Catalog tools are callable as provider.tool_name(params) and return promises; do(intent, context) routes a plain-language intent to the best tool; fetch is available subject to egress policy. The final expression is returned as JSON together with console output.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {
				"type": "string",
				"description": "JavaScript source to execute"
			},
			"timeout": {
				"type": "integer",
				"minimum": 1,
				"maximum": 300000,
				"description": "Wall-clock budget in milliseconds; default 30000"
			}
		},
		"required": ["code"],
		"additionalProperties": false
	}`),
}

// decls returns the tool surface for the configured mode, discovery first.
func (s *Server) decls() []toolDecl {
	out := make([]toolDecl, 0, 2)
	if s.cfg.Mode.ExposesFind() {
		out = append(out, findDecl)
	}
	if s.cfg.Mode.ExposesRun() {
		out = append(out, runDecl)
	}
	if s.cfg.Mode.ExposesCode() {
		out = append(out, codeDecl)
	}
	return out
}

// invokeTool routes one tools/call to its handler. Tools outside the
// configured surface do not exist as far as the host is concerned. The bool
// reports whether the payload describes a tool-level failure.
func (s *Server) invokeTool(ctx context.Context, params callParams) (any, bool, error) {
	switch params.Name {
	case toolFind:
		if !s.cfg.Mode.ExposesFind() {
			break
		}
		p, err := s.handleFind(ctx, params.Arguments)
		if err != nil {
			return nil, false, err
		}
		return p, false, nil
	case toolRun:
		if !s.cfg.Mode.ExposesRun() {
			break
		}
		p, err := s.handleRun(ctx, params.Arguments)
		if err != nil {
			return nil, false, err
		}
		return p, !p.Success, nil
	case toolCode:
		if !s.cfg.Mode.ExposesCode() {
			break
		}
		p, err := s.handleCode(ctx, params.Arguments)
		if err != nil {
			return nil, false, err
		}
		return p, p.Error != "", nil
	}
	return nil, false, fmt.Errorf("%w: no tool named %q in mode %q", gateway.ErrToolNotFound, params.Name, s.cfg.Mode)
}

func unmarshalArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: malformed arguments: %v", gateway.ErrInvalidRequest, err)
	}
	return nil
}

// findArgs uses a pointer limit so an explicit zero is distinguishable from
// an absent one: zero means "no matches, just the index status".
type findArgs struct {
	Description string         `json:"description"`
	Limit       *int           `json:"limit,omitempty"`
	Filters     *index.Filters `json:"filters,omitempty"`
}

type findMatch struct {
	QualifiedName string  `json:"qualifiedName"`
	Score         float64 `json:"score"`
	Provider      string  `json:"provider"`
	Title         string  `json:"title,omitempty"`
	Description   string  `json:"description,omitempty"`

	// Unavailable marks tools whose provider is not callable right now;
	// they stay discoverable so the host can report what exists.
	Unavailable bool `json:"unavailable,omitempty"`
}

type findPayload struct {
	Matches            []findMatch `json:"matches"`
	Total              int         `json:"total"`
	IndexingInProgress bool        `json:"indexingInProgress"`
	Indexed            int         `json:"indexed"`
	TotalTools         int         `json:"totalTools"`
	Message            string      `json:"message,omitempty"`
}

func (s *Server) handleFind(ctx context.Context, raw json.RawMessage) (*findPayload, error) {
	var args findArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Description) == "" {
		return nil, fmt.Errorf("%w: find requires a description of the capability you need", gateway.ErrInvalidRequest)
	}

	if args.Limit != nil && *args.Limit <= 0 {
		indexed, totalTools, inProgress := s.finder.Status()
		return &findPayload{
			Matches:            []findMatch{},
			IndexingInProgress: inProgress,
			Indexed:            indexed,
			TotalTools:         totalTools,
		}, nil
	}
	limit := 0
	if args.Limit != nil {
		limit = *args.Limit
	}

	res, err := s.finder.Find(ctx, args.Description, limit, args.Filters)
	if err != nil {
		return nil, err
	}

	callable := s.callableProviders()
	matches := make([]findMatch, 0, len(res.Matches))
	for _, m := range res.Matches {
		matches = append(matches, findMatch{
			QualifiedName: m.QualifiedName,
			Score:         m.Score,
			Provider:      m.Provider,
			Title:         m.Title,
			Description:   m.Description,
			Unavailable:   !callable[m.Provider],
		})
	}

	return &findPayload{
		Matches:            matches,
		Total:              res.Total,
		IndexingInProgress: res.IndexingInProgress,
		Indexed:            res.Indexed,
		TotalTools:         res.TotalTools,
		Message:            res.Message,
	}, nil
}

func (s *Server) callableProviders() map[string]bool {
	out := make(map[string]bool)
	for _, st := range s.dispatcher.Statuses() {
		out[st.Provider] = st.State.Callable()
	}
	return out
}

type runArgs struct {
	Tool           string          `json:"tool"`
	Parameters     json.RawMessage `json:"parameters"`
	TimeoutMs      int             `json:"timeoutMs,omitempty"`
	SkipValidation bool            `json:"skipValidation,omitempty"`
}

// runPayload is run's result: success with content, or a tool-reported
// failure with its error text. Transport and taxonomy failures never land
// here; they become error replies.
type runPayload struct {
	Success           bool              `json:"success"`
	Content           []gateway.Content `json:"content,omitempty"`
	StructuredContent map[string]any    `json:"structuredContent,omitempty"`
	Error             string            `json:"error,omitempty"`
}

func (s *Server) handleRun(ctx context.Context, raw json.RawMessage) (*runPayload, error) {
	var args runArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Tool == "" {
		return nil, fmt.Errorf("%w: run requires a qualified tool name", gateway.ErrInvalidRequest)
	}
	if len(args.Parameters) == 0 {
		return nil, fmt.Errorf("%w: run requires a parameters object; use {} for tools that take none", gateway.ErrInvalidRequest)
	}
	if args.TimeoutMs < 0 {
		return nil, fmt.Errorf("%w: timeoutMs must be positive", gateway.ErrInvalidRequest)
	}

	if _, _, err := gateway.SplitQualifiedName(args.Tool); err != nil {
		return nil, err
	}
	rec, ok := s.catalog.Lookup(args.Tool)
	if !ok {
		return nil, fmt.Errorf("%w: no tool named %q in the catalog; use find to discover tools", gateway.ErrToolNotFound, args.Tool)
	}

	params := make(map[string]any)
	if err := json.Unmarshal(args.Parameters, &params); err != nil {
		return nil, fmt.Errorf("%w: parameters must be a JSON object: %v", gateway.ErrInvalidRequest, err)
	}

	if !args.SkipValidation && len(rec.InputSchema) > 0 {
		if err := validateParams(args.Tool, rec.InputSchema, args.Parameters); err != nil {
			return nil, err
		}
	}

	timeout := time.Duration(args.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = defaultRunTimeout
	}
	if timeout > maxRunTimeout {
		timeout = maxRunTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.dispatcher.CallTool(callCtx, args.Tool, params)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		text := res.Text()
		if text == "" {
			text = "tool reported an error without details"
		}
		return &runPayload{Error: text}, nil
	}
	return &runPayload{
		Success:           true,
		Content:           res.Content,
		StructuredContent: res.StructuredContent,
	}, nil
}

// validateParams checks the arguments against the tool's advertised schema.
// Schemas the validator cannot load are skipped rather than blocking the
// call; providers advertise all kinds of dialects.
func validateParams(tool string, schema, params json.RawMessage) error {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(params))
	if err != nil {
		logger.Debugw("advertised schema is not loadable, skipping validation", "tool", tool, "error", err)
		return nil
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", gateway.ErrSchemaValidation, strings.Join(msgs, "; "))
}

type codeArgs struct {
	Code    string `json:"code"`
	Timeout int    `json:"timeout,omitempty"`
}

// codePayload is code's result envelope. Run failures of every kind land in
// Error; the host never sees a JSON-RPC error for a script that ran.
type codePayload struct {
	Result json.RawMessage `json:"result"`
	Logs   []string        `json:"logs"`
	Error  string          `json:"error,omitempty"`
}

func (s *Server) handleCode(ctx context.Context, raw json.RawMessage) (*codePayload, error) {
	var args codeArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Code) == "" {
		return nil, fmt.Errorf("%w: code requires a script to run", gateway.ErrInvalidRequest)
	}
	if args.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", gateway.ErrInvalidRequest)
	}

	// Egress decisions are scoped to this invocation: a fresh policy means
	// a destination approved for one script is re-asked for the next.
	policy := egress.NewPolicy(s.cfg.EgressRules, nil, s.prompter())
	client := egress.NewClientBuilder(policy).
		WithUserAgent(serverName + "/" + s.cfg.ServerVersion).
		Build()

	res, err := s.runner.Run(ctx, sandbox.RunSpec{
		Code:    args.Code,
		Timeout: time.Duration(args.Timeout) * time.Millisecond,
		Client:  client,
	})
	if res == nil {
		res = &sandbox.Result{Value: json.RawMessage("null")}
	}

	payload := &codePayload{Result: res.Value, Logs: res.Logs}
	if payload.Result == nil {
		payload.Result = json.RawMessage("null")
	}
	if payload.Logs == nil {
		payload.Logs = []string{}
	}
	if err != nil {
		payload.Error = err.Error()
	}
	return payload, nil
}

// prompter returns the egress consent hook, or nil when the host cannot be
// asked; the policy then denies consent-gated destinations on its own.
func (s *Server) prompter() egress.Prompter {
	if !s.hostCanElicit() {
		return nil
	}
	return &egressPrompter{srv: s}
}

// egressPrompter adapts the elicitation flow to the egress policy. It goes
// straight to the host rather than through the confirmation channel: egress
// consent is cached per invocation by the policy itself, not per session.
type egressPrompter struct {
	srv *Server
}

func (p *egressPrompter) ApproveEgress(ctx context.Context, destination string, class egress.Class) (bool, error) {
	message := fmt.Sprintf("A script wants to connect to %s (%s). Allow this connection?", destination, class)
	res, err := p.srv.Elicit(ctx, message, nil)
	if err != nil {
		return false, err
	}
	return res.Action == confirm.ActionAccept, nil
}
