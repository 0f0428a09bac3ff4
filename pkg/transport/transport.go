// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the wire layer of the gateway: the JSON-RPC
// envelope, newline-delimited framing with a size cap, the stdio
// child-process transport, the HTTP+SSE transport, and the command
// validator that gates every subprocess spawn.
package transport

import (
	"context"
	"time"
)

// Transport moves JSON-RPC frames between the gateway and one peer. The
// contract is symmetric for both transports: one Send side, one Messages
// stream, a Done channel that closes when the peer is gone.
type Transport interface {
	// Kind returns the transport kind.
	Kind() Kind

	// Start establishes the connection (spawns the child, or opens the
	// SSE stream). It must be called exactly once.
	Start(ctx context.Context) error

	// Send emits one frame. It is safe for concurrent use; each frame is
	// written atomically.
	Send(ctx context.Context, msg *JSONRPCMessage) error

	// Messages returns the inbound frame stream. The channel closes
	// after the transport terminates.
	Messages() <-chan *JSONRPCMessage

	// Done closes when the transport has terminated for any reason.
	// Err reports why.
	Done() <-chan struct{}

	// Err returns the terminal error after Done is closed; nil means a
	// clean close.
	Err() error

	// Close tears the connection down. For stdio children this walks the
	// termination ladder: stdin close, SIGTERM after the grace period,
	// then SIGKILL.
	Close(ctx context.Context) error
}

// Kind represents the type of transport to use.
type Kind string

const (
	// KindStdio runs the peer as a child process.
	KindStdio Kind = "stdio"

	// KindHTTP speaks HTTP POST with an SSE return channel.
	KindHTTP Kind = "http"

	// KindInternal is an in-process peer. Internal transports are supplied
	// by the plugin host, never constructed by New.
	KindInternal Kind = "internal"
)

// String returns the string representation of the transport kind.
func (k Kind) String() string {
	return string(k)
}

// Config contains everything needed to construct a transport for one peer.
type Config struct {
	// Kind selects the transport variant.
	Kind Kind

	// Name labels log lines for this peer.
	Name string

	// Command, Args and Env configure a stdio child. Env entries are
	// merged onto the host environment. The command must pass
	// ValidateCommand before any spawn.
	Command string
	Args    []string
	Env     map[string]string

	// URL and AuthHeader configure an HTTP peer. AuthHeader, when
	// non-empty, is sent as the Authorization header on every request.
	URL        string
	AuthHeader string

	// FrameCap bounds frame size in both directions; zero selects
	// DefaultFrameCap.
	FrameCap int

	// GracePeriod is the wait between stdio termination steps; zero
	// selects DefaultGracePeriod.
	GracePeriod time.Duration

	// OnWireError is invoked for recoverable wire faults (a malformed
	// frame from the peer). May be nil.
	OnWireError func(error)
}

// New creates a transport for the given configuration. Stdio commands are
// validated here, before anything is spawned.
func New(cfg Config) (Transport, error) {
	switch cfg.Kind {
	case KindStdio:
		if err := ValidateCommand(cfg.Command, cfg.Args); err != nil {
			return nil, err
		}
		return newStdioTransport(cfg), nil
	case KindHTTP:
		return newHTTPTransport(cfg), nil
	default:
		return nil, ErrUnsupportedTransport
	}
}
