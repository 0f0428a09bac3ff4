// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import "errors"

// Domain errors shared across gateway subpackages. Each maps to one stable
// JSON-RPC error code at the server boundary; inside the process they are
// checked with errors.Is() and wrapped with additional detail.

var (
	// ErrParse indicates a malformed inbound or outbound JSON-RPC frame,
	// including frames over the configured size cap.
	ErrParse = errors.New("parse error")

	// ErrInvalidRequest indicates an unrecognized method or a params
	// shape that does not match the method.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotInitialized indicates a request arrived before the MCP
	// handshake completed.
	ErrNotInitialized = errors.New("not initialized")

	// ErrToolNotFound indicates an unknown qualified tool name.
	// Wrapping errors name the tool that was requested.
	ErrToolNotFound = errors.New("tool not found")

	// ErrSchemaValidation indicates tool parameters did not satisfy the
	// advertised input schema.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrProviderUnavailable indicates the target provider was not Ready
	// at dispatch time (failed handshake, degraded, or still starting).
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderBusy indicates the provider's inflight queue is over its
	// high-water mark; the call was refused rather than queued.
	ErrProviderBusy = errors.New("provider busy")

	// ErrProviderShutdown indicates the provider closed while the call
	// was in flight.
	ErrProviderShutdown = errors.New("provider shut down")

	// ErrTimeout indicates the call deadline elapsed.
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled indicates the caller abandoned the operation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrChild indicates the downstream returned an error payload; the
	// payload is forwarded verbatim in the wrapping error.
	ErrChild = errors.New("downstream error")

	// ErrSandbox indicates script failure: a thrown exception, timeout,
	// memory ceiling breach, or denied I/O inside the sandbox.
	ErrSandbox = errors.New("sandbox error")

	// ErrNetworkBlocked indicates the egress policy refused an outbound
	// destination. Wrapping errors carry the destination and reason.
	ErrNetworkBlocked = errors.New("network blocked")

	// ErrInternal is the bug-class fallback for states that should not
	// be reachable.
	ErrInternal = errors.New("internal error")

	// ErrInvalidConfig indicates an unusable profile or flag set; it is
	// fatal at startup and non-fatal on reload.
	ErrInvalidConfig = errors.New("invalid configuration")
)
