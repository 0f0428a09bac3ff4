// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tooldeck/tooldeck/pkg/logger"
)

const (
	// DefaultConnectTimeout bounds dialing and response headers for HTTP
	// providers.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultIdleTimeout tears the SSE stream down when nothing (not
	// even a keepalive ping) arrives for this long.
	DefaultIdleTimeout = 5 * time.Minute
)

// httpTransport speaks MCP over HTTP: requests are POSTed to the provider,
// server-to-client frames arrive on an SSE stream. The stream reconnects
// with exponential backoff while the transport is open.
type httpTransport struct {
	cfg  Config
	base *url.URL

	client *http.Client

	msgCh    chan *JSONRPCMessage
	done     chan struct{}
	doneOnce sync.Once

	streamCancel context.CancelFunc

	endpointReady chan struct{}
	endpointOnce  sync.Once

	mu        sync.Mutex
	postURL   *url.URL
	termErr   error
	closed    bool
	wireFault bool
}

func newHTTPTransport(cfg Config) *httpTransport {
	return &httpTransport{
		cfg:           cfg,
		msgCh:         make(chan *JSONRPCMessage, 32),
		done:          make(chan struct{}),
		endpointReady: make(chan struct{}),
	}
}

// Kind returns the transport kind.
func (*httpTransport) Kind() Kind {
	return KindHTTP
}

// Start opens the SSE stream and waits briefly for the provider to announce
// its POST endpoint. Providers that never announce one are POSTed at the
// configured URL directly.
func (t *httpTransport) Start(_ context.Context) error {
	base, err := url.Parse(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: bad provider URL %q: %v", ErrConnectFailed, t.cfg.URL, err)
	}
	t.base = base
	t.postURL = base

	t.client = &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: DefaultConnectTimeout}).DialContext,
			ResponseHeaderTimeout: DefaultConnectTimeout,
			IdleConnTimeout:       DefaultIdleTimeout,
		},
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	t.streamCancel = cancel

	resp, err := t.connect(streamCtx)
	if err != nil {
		cancel()
		return err
	}
	go t.streamLoop(streamCtx, resp)

	timer := time.NewTimer(DefaultConnectTimeout)
	defer timer.Stop()
	select {
	case <-t.endpointReady:
	case <-timer.C:
		logger.Debugw("provider announced no endpoint event, posting to base URL", "provider", t.cfg.Name)
	case <-t.done:
		return fmt.Errorf("%w: stream closed during startup", ErrConnectFailed)
	}
	return nil
}

// connect opens one SSE stream attempt.
func (t *httpTransport) connect(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.setAuth(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: SSE endpoint returned %s", ErrConnectFailed, resp.Status)
	}
	return resp, nil
}

// streamLoop consumes SSE events, reconnecting with backoff until the
// transport is closed or retries are exhausted.
func (t *httpTransport) streamLoop(ctx context.Context, resp *http.Response) {
	defer close(t.msgCh)

	for {
		err := t.readEvents(ctx, resp.Body)
		resp.Body.Close()

		if t.isClosed() || ctx.Err() != nil {
			t.terminate(nil)
			return
		}
		logger.Debugw("SSE stream interrupted, reconnecting", "provider", t.cfg.Name, "error", err)

		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = 250 * time.Millisecond
		expBackoff.MaxInterval = 15 * time.Second

		next, err := backoff.Retry(ctx, func() (*http.Response, error) {
			return t.connect(ctx)
		},
			backoff.WithBackOff(expBackoff),
			backoff.WithMaxElapsedTime(DefaultIdleTimeout),
			backoff.WithNotify(func(_ error, duration time.Duration) {
				logger.Debugw("retrying SSE connect", "provider", t.cfg.Name, "after", duration)
			}),
		)
		if err != nil {
			t.terminate(fmt.Errorf("%w: SSE reconnect failed: %v", ErrClosed, err))
			return
		}
		resp = next
	}
}

// readEvents parses one SSE stream until it drops or the idle timer fires.
func (t *httpTransport) readEvents(ctx context.Context, body io.Reader) error {
	attemptCtx, attemptCancel := context.WithCancel(ctx)
	defer attemptCancel()
	idle := time.AfterFunc(DefaultIdleTimeout, attemptCancel)
	defer idle.Stop()

	frameCap := t.frameCap()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), frameCap+1024)

	var event string
	var data []string
	for scanner.Scan() {
		if attemptCtx.Err() != nil {
			return fmt.Errorf("idle timeout")
		}
		idle.Reset(DefaultIdleTimeout)

		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			if len(data) > 0 {
				t.dispatchEvent(event, strings.Join(data, "\n"))
			}
			event = ""
			data = nil
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			t.recordWireFault(fmt.Errorf("%w: SSE event over %d bytes", ErrFrameTooLarge, frameCap))
		}
		return err
	}
	return io.EOF
}

// dispatchEvent routes one complete SSE event.
func (t *httpTransport) dispatchEvent(event, data string) {
	switch event {
	case "endpoint":
		ref, err := url.Parse(strings.TrimSpace(data))
		if err != nil {
			logger.Warnw("ignoring unparsable endpoint event", "provider", t.cfg.Name, "error", err)
			return
		}
		t.mu.Lock()
		t.postURL = t.base.ResolveReference(ref)
		t.mu.Unlock()
		t.endpointOnce.Do(func() { close(t.endpointReady) })

	case "", "message":
		if len(data) > t.frameCap() {
			t.recordWireFault(fmt.Errorf("%w: frame is %d bytes", ErrFrameTooLarge, len(data)))
			return
		}
		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			t.recordWireFault(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
			return
		}
		if err := msg.Validate(); err != nil {
			t.recordWireFault(err)
			return
		}
		select {
		case t.msgCh <- &msg:
		case <-t.done:
		}

	default:
		logger.Debugw("ignoring SSE event", "provider", t.cfg.Name, "event", event)
	}
}

// Send POSTs one frame to the provider. Responses arrive on the SSE
// stream, never in the POST body; the body is drained and discarded.
func (t *httpTransport) Send(ctx context.Context, msg *JSONRPCMessage) error {
	select {
	case <-t.done:
		return fmt.Errorf("%w: %s", ErrClosed, t.cfg.Name)
	default:
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(payload) > t.frameCap() {
		return fmt.Errorf("%w: outbound frame is %d bytes", ErrFrameTooLarge, len(payload))
	}

	t.mu.Lock()
	target := t.postURL.String()
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.setAuth(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST failed: %v", ErrClosed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("provider rejected frame: %s", resp.Status)
	}
	return nil
}

// Messages returns the inbound frame stream.
func (t *httpTransport) Messages() <-chan *JSONRPCMessage {
	return t.msgCh
}

// Done closes when the transport has terminated.
func (t *httpTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns the terminal error after Done closes.
func (t *httpTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.termErr
}

// Close cancels the stream and marks the transport closed.
func (t *httpTransport) Close(_ context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.streamCancel != nil {
		t.streamCancel()
	}
	t.terminate(nil)
	return nil
}

func (t *httpTransport) setAuth(req *http.Request) {
	if t.cfg.AuthHeader != "" {
		req.Header.Set("Authorization", t.cfg.AuthHeader)
	}
}

func (t *httpTransport) frameCap() int {
	if t.cfg.FrameCap > 0 {
		return t.cfg.FrameCap
	}
	return DefaultFrameCap
}

func (t *httpTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// recordWireFault applies the malformed-frame policy: first fault is logged
// and reported, a second terminates the transport.
func (t *httpTransport) recordWireFault(err error) {
	t.mu.Lock()
	first := !t.wireFault
	t.wireFault = true
	t.mu.Unlock()

	if first {
		logger.Warnw("malformed frame from provider", "provider", t.cfg.Name, "error", err)
		if t.cfg.OnWireError != nil {
			t.cfg.OnWireError(err)
		}
		return
	}
	t.terminate(err)
	if t.streamCancel != nil {
		t.streamCancel()
	}
}

// terminate records the terminal error and closes Done exactly once.
func (t *httpTransport) terminate(err error) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.termErr = err
		t.mu.Unlock()
		close(t.done)
	})
}
