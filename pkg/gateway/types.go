// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway holds the shared domain types for the aggregating MCP
// gateway: provider configuration, tool records, call results, and the
// error taxonomy used across subpackages.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// QualifiedNameSeparator joins a provider name and a local tool name into
// the gateway-wide address of a tool, e.g. "github:list_repos".
const QualifiedNameSeparator = ":"

// TransportKind selects how the gateway reaches a provider.
type TransportKind string

const (
	// TransportStdio runs the provider as a child process and speaks
	// newline-delimited JSON-RPC over its stdin/stdout.
	TransportStdio TransportKind = "stdio"

	// TransportHTTP posts frames to the provider's URL and receives
	// server-to-client frames on an SSE stream.
	TransportHTTP TransportKind = "http"

	// TransportInternal serves the provider in-process through the plugin
	// host. Internal providers speak the same protocol as external ones.
	TransportInternal TransportKind = "internal"
)

// AuthKind selects how HTTP providers are authenticated.
type AuthKind string

const (
	// AuthNone sends no credentials.
	AuthNone AuthKind = "none"

	// AuthBearer sends a static bearer token.
	AuthBearer AuthKind = "bearer"

	// AuthOAuth sends a bearer token obtained from an external OAuth
	// provider; the gateway never runs the OAuth flow itself.
	AuthOAuth AuthKind = "oauth"
)

// AuthConfig is the authentication section of an HTTP provider config.
// If nil on the provider, no credentials are attached.
type AuthConfig struct {
	Kind AuthKind `json:"kind"`

	// Token is the bearer token for AuthBearer, or the externally
	// refreshed token for AuthOAuth.
	Token string `json:"token,omitempty"`

	// OAuthParams carries opaque parameters for the external OAuth
	// provider. The gateway forwards them; it does not interpret them.
	OAuthParams map[string]string `json:"oauthParams,omitempty"`
}

// ProviderConfig is one named downstream entry in a profile. Exactly one of
// the transport variants is populated: Command/Args/Env for stdio, URL/Auth
// for HTTP, Internal for in-process plugins.
type ProviderConfig struct {
	// Name is the provider key. It prefixes every tool the provider
	// contributes and must be unique within a profile.
	Name string `json:"name"`

	// Command is the executable for stdio providers. It must pass the
	// transport command validator before any spawn.
	Command string `json:"command,omitempty"`

	// Args are the command arguments for stdio providers.
	Args []string `json:"args,omitempty"`

	// Env is merged onto the host environment for stdio providers.
	Env map[string]string `json:"env,omitempty"`

	// URL is the endpoint for HTTP providers.
	URL string `json:"url,omitempty"`

	// Auth configures credentials for HTTP providers.
	Auth *AuthConfig `json:"auth,omitempty"`

	// Internal marks a provider served in-process by the plugin host. Such
	// entries are never persisted to a profile.
	Internal bool `json:"-"`
}

// Kind reports the transport variant implied by the populated fields.
func (p *ProviderConfig) Kind() TransportKind {
	if p.Internal {
		return TransportInternal
	}
	if p.URL != "" {
		return TransportHTTP
	}
	return TransportStdio
}

// Endpoint returns the command line or URL used in the catalog fingerprint.
func (p *ProviderConfig) Endpoint() string {
	switch p.Kind() {
	case TransportInternal:
		return "internal:" + p.Name
	case TransportHTTP:
		return p.URL
	}
	if len(p.Args) == 0 {
		return p.Command
	}
	return p.Command + " " + strings.Join(p.Args, " ")
}

// ToolRecord is one entry in the catalog: a tool contributed by a provider,
// addressed gateway-wide by its qualified name.
type ToolRecord struct {
	// QualifiedName is "<provider>:<localName>". Unique per snapshot.
	QualifiedName string

	// Provider is the contributing provider's name.
	Provider string

	// LocalName is the tool name as the provider knows it; it is what the
	// gateway sends back downstream on tools/call.
	LocalName string

	// Title is the optional human-friendly display name.
	Title string

	// Description is the provider-advertised description; it feeds the
	// semantic index.
	Description string

	// InputSchema is the advertised JSON Schema for the tool arguments,
	// kept raw so validation and fingerprinting see the exact bytes.
	InputSchema json.RawMessage

	// SourceRevision is the provider's advertised version, or a hash of
	// its listing when no version is published.
	SourceRevision string
}

// QualifiedName joins a provider and a local tool name.
func QualifiedName(provider, localName string) string {
	return provider + QualifiedNameSeparator + localName
}

// SplitQualifiedName splits at the first separator. The local name may
// itself contain separators; only the first one is structural.
func SplitQualifiedName(qualified string) (provider, localName string, err error) {
	provider, localName, ok := strings.Cut(qualified, QualifiedNameSeparator)
	if !ok || provider == "" || localName == "" {
		return "", "", fmt.Errorf("%w: %q is not of the form provider:tool", ErrToolNotFound, qualified)
	}
	return provider, localName, nil
}

// Content is one item of tool output: text, image, audio, or an embedded
// resource reference.
type Content struct {
	// Type is "text", "image", "audio" or "resource".
	Type string `json:"type"`

	// Text carries text content.
	Text string `json:"text,omitempty"`

	// Data is base64 payload for image/audio content.
	Data string `json:"data,omitempty"`

	// MimeType qualifies Data.
	MimeType string `json:"mimeType,omitempty"`

	// URI addresses an embedded resource.
	URI string `json:"uri,omitempty"`
}

// TextContent builds a text content item.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// CallResult is the outcome of one downstream tools/call, preserving the
// content items and any structured payload the provider returned.
type CallResult struct {
	// Content is the ordered output of the call.
	Content []Content

	// StructuredContent is the provider's structured output, when given.
	StructuredContent map[string]any

	// IsError marks a provider-reported tool failure. The transport and
	// protocol succeeded; the tool itself reported the error.
	IsError bool
}

// Text concatenates the text items of the result, which is what most
// callers (and the sandbox) want.
func (r *CallResult) Text() string {
	var sb strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// ConnState is the lifecycle state of one downstream connection.
type ConnState string

const (
	// StatePending is the initial state before the transport is opened.
	StatePending ConnState = "pending"

	// StateHandshaking means the transport is open and initialize is in
	// flight.
	StateHandshaking ConnState = "handshaking"

	// StateReady means the handshake completed and calls are accepted.
	StateReady ConnState = "ready"

	// StateDegraded means a call hit a transport error; the next call
	// attempts a reconnect.
	StateDegraded ConnState = "degraded"

	// StateFailed means the handshake failed; the provider's tools stay
	// visible to discovery but calls are refused.
	StateFailed ConnState = "failed"

	// StateClosed means the connection was shut down deliberately.
	StateClosed ConnState = "closed"
)

// Callable reports whether a call may be dispatched in this state.
func (s ConnState) Callable() bool {
	return s == StateReady
}

// ConnStatus is a point-in-time snapshot of a downstream connection,
// reported by the connection manager.
type ConnStatus struct {
	Provider     string
	State        ConnState
	LastError    error
	Inflight     int
	LastActivity time.Time
}

// ToolCaller is the minimal dispatch surface: everything that can invoke a
// tool by qualified name. The connection manager implements it; the sandbox
// and internal plugins receive it so cycles stay data-flow only.
type ToolCaller interface {
	// CallTool invokes the tool addressed by qualifiedName. The context
	// carries the deadline; cancellation is forwarded downstream.
	CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*CallResult, error)
}

// CatalogView is a read-only view over the current catalog snapshot, used
// by components that must not mutate it (sandbox bindings, find surface).
type CatalogView interface {
	// Tools returns the records of the current snapshot.
	Tools() []ToolRecord

	// Lookup resolves a qualified name in the current snapshot.
	Lookup(qualifiedName string) (ToolRecord, bool)

	// Fingerprint identifies the snapshot contents.
	Fingerprint() string
}
