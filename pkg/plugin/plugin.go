// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugin hosts in-process tool providers. A plugin presents the same
// contract as an external downstream: it lists tools and serves calls. The
// host exposes each registered plugin through an in-process transport, so
// the connection manager handshakes with, lists and dispatches to plugins
// exactly as it does to child processes; nothing above the wire can tell
// them apart.
package plugin

import (
	"context"
	"encoding/json"

	"github.com/tooldeck/tooldeck/pkg/confirm"
	"github.com/tooldeck/tooldeck/pkg/gateway"
)

// Descriptor declares one tool. Schemas are hand-written JSON served
// verbatim, so the catalog fingerprints the exact bytes; nothing is
// extracted by reflection at runtime.
type Descriptor struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolProvider is the contract an in-process provider implements. It mirrors
// what an external downstream offers over the wire: a listing and a call
// surface.
type ToolProvider interface {
	// Name is the provider key; it prefixes every tool in the catalog.
	Name() string

	// ListTools returns the provider's tool descriptors.
	ListTools(ctx context.Context) ([]Descriptor, error)

	// CallTool runs one tool to completion without user interaction.
	CallTool(ctx context.Context, name string, args map[string]any) (*gateway.CallResult, error)
}

// Step is one turn of an interactive tool: either the final result or a
// request to put to the user.
type Step struct {
	// Result is the final outcome when the tool is done.
	Result *gateway.CallResult

	// Input, when non-nil, suspends the call until the user answers.
	Input *InputRequest
}

// InputRequest asks the user for input, confirmation or a selection. The
// host forwards it over the confirmation channel and resumes the tool with
// the answer.
type InputRequest struct {
	// Message is shown to the user.
	Message string

	// Schema describes the expected answer shape for elicitation-capable
	// hosts. May be nil for a bare yes/no.
	Schema map[string]any

	// Resume continues the tool with the user's answer.
	Resume func(ctx context.Context, answer confirm.Result) (Step, error)
}

// Interactive is implemented by providers whose tools may pause for user
// input mid-call. The host drives StartTool instead of CallTool for these,
// looping until the tool emits a final result.
type Interactive interface {
	// StartTool begins a call that may suspend on input requests.
	StartTool(ctx context.Context, name string, args map[string]any) (Step, error)
}

// Confirmer puts an input request to the user. *confirm.Channel satisfies
// it.
type Confirmer interface {
	Confirm(ctx context.Context, message string, schema map[string]any) (confirm.Result, error)
}
