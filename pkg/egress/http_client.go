// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package egress

import (
	"net/http"
	"time"
)

// DefaultClientTimeout bounds a whole guarded request, body included.
const DefaultClientTimeout = 30 * time.Second

// ClientBuilder assembles an *http.Client whose every dial is authorized by
// an egress policy.
type ClientBuilder struct {
	policy                *Policy
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	userAgent             string
}

// NewClientBuilder returns a builder bound to the given policy.
func NewClientBuilder(policy *Policy) *ClientBuilder {
	return &ClientBuilder{
		policy:                policy,
		clientTimeout:         DefaultClientTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout sets the overall request timeout.
func (b *ClientBuilder) WithTimeout(d time.Duration) *ClientBuilder {
	b.clientTimeout = d
	return b
}

// WithUserAgent sets a User-Agent header applied to every request.
func (b *ClientBuilder) WithUserAgent(ua string) *ClientBuilder {
	b.userAgent = ua
	return b
}

// Build creates the guarded client. The policy's DialContext sits under the
// transport, so redirects and retries are re-authorized per destination.
func (b *ClientBuilder) Build() *http.Client {
	transport := &http.Transport{
		DialContext:           b.policy.DialContext,
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	var rt http.RoundTripper = transport
	if b.userAgent != "" {
		rt = &userAgentTransport{transport: rt, userAgent: b.userAgent}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   b.clientTimeout,
	}
}

// userAgentTransport stamps a User-Agent on requests that lack one.
type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip clones the request before mutating headers.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.transport.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(clone)
}
