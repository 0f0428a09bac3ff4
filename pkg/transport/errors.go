// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "errors"

var (
	// ErrFrameTooLarge indicates a frame exceeded the configured size cap.
	// The offending frame is discarded; the stream itself stays usable.
	ErrFrameTooLarge = errors.New("frame exceeds size cap")

	// ErrMalformedFrame indicates a frame that is not valid JSON-RPC.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrClosed indicates the transport was closed, deliberately or by
	// peer death.
	ErrClosed = errors.New("transport closed")

	// ErrInvalidCommand indicates a stdio command that failed validation
	// and was never spawned.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrUnsupportedTransport indicates an unknown transport kind.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrConnectFailed indicates the transport could not be established.
	ErrConnectFailed = errors.New("connect failed")
)
