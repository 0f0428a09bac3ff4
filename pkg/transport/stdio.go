// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tooldeck/tooldeck/pkg/logger"
)

// DefaultGracePeriod is the wait between the steps of the stdio
// termination ladder (stdin close → SIGTERM → SIGKILL).
const DefaultGracePeriod = 2 * time.Second

// stdioTransport runs a provider as a child process and frames JSON-RPC
// over its stdin/stdout. stderr is teed to the debug log so a misbehaving
// child can be diagnosed without polluting the wire.
type stdioTransport struct {
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *FrameWriter

	msgCh    chan *JSONRPCMessage
	done     chan struct{}
	doneOnce sync.Once
	procDone chan struct{}

	mu        sync.Mutex
	termErr   error
	closed    bool
	wireFault bool
}

func newStdioTransport(cfg Config) *stdioTransport {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &stdioTransport{
		cfg:      cfg,
		msgCh:    make(chan *JSONRPCMessage, 32),
		done:     make(chan struct{}),
		procDone: make(chan struct{}),
	}
}

// Kind returns the transport kind.
func (*stdioTransport) Kind() Kind {
	return KindStdio
}

// Start spawns the child process and begins framing its stdout.
func (t *stdioTransport) Start(_ context.Context) error {
	//nolint:gosec // the command was vetted by ValidateCommand before construction
	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = mergedEnv(t.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrConnectFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrConnectFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", ErrConnectFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.writer = NewFrameWriter(stdin, t.cfg.FrameCap)

	readDone := make(chan struct{})
	go t.readLoop(stdout, readDone)
	go t.teeStderr(stderr)
	go t.reap(readDone)

	logger.Debugw("spawned stdio provider", "provider", t.cfg.Name, "command", t.cfg.Command, "pid", cmd.Process.Pid)
	return nil
}

// Send writes one frame to the child's stdin.
func (t *stdioTransport) Send(_ context.Context, msg *JSONRPCMessage) error {
	select {
	case <-t.done:
		return fmt.Errorf("%w: %s", ErrClosed, t.cfg.Name)
	default:
	}

	if err := t.writer.WriteFrame(msg); err != nil {
		if !errors.Is(err, ErrFrameTooLarge) {
			// A broken stdin means the child is gone.
			t.terminate(err)
		}
		return err
	}
	return nil
}

// Messages returns the inbound frame stream.
func (t *stdioTransport) Messages() <-chan *JSONRPCMessage {
	return t.msgCh
}

// Done closes when the child has terminated.
func (t *stdioTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns the terminal error after Done closes.
func (t *stdioTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.termErr
}

// Close walks the termination ladder: close stdin, wait the grace period,
// SIGTERM, wait again, SIGKILL. It returns once the process is reaped or
// ctx expires.
func (t *stdioTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.terminate(nil)

	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.waitExit(ctx, t.cfg.GracePeriod) {
		return nil
	}

	if proc := t.process(); proc != nil {
		logger.Debugw("provider ignored stdin close, sending SIGTERM", "provider", t.cfg.Name)
		_ = signalTerm(proc)
	}
	if t.waitExit(ctx, t.cfg.GracePeriod) {
		return nil
	}

	if proc := t.process(); proc != nil {
		logger.Warnw("provider ignored SIGTERM, sending SIGKILL", "provider", t.cfg.Name)
		_ = proc.Kill()
	}
	t.waitExit(ctx, t.cfg.GracePeriod)
	return nil
}

func (t *stdioTransport) process() *os.Process {
	if t.cmd == nil {
		return nil
	}
	return t.cmd.Process
}

// waitExit waits for the child to be reaped, bounded by d and by ctx.
func (t *stdioTransport) waitExit(ctx context.Context, d time.Duration) bool {
	if t.cmd == nil {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.procDone:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// readLoop frames stdout until the pipe closes. Per the wire-fault policy a
// first malformed frame is logged and reported; a second terminates the
// connection.
func (t *stdioTransport) readLoop(stdout io.Reader, readDone chan<- struct{}) {
	defer close(readDone)
	defer close(t.msgCh)

	framer := NewFramer(stdout, t.cfg.FrameCap)
	for {
		msg, err := framer.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrMalformedFrame) {
				if t.recordWireFault(err) {
					continue
				}
				t.terminate(err)
				return
			}
			if errors.Is(err, io.EOF) {
				t.terminate(fmt.Errorf("%w: provider exited", ErrClosed))
			} else {
				t.terminate(fmt.Errorf("%w: %v", ErrClosed, err))
			}
			return
		}

		select {
		case t.msgCh <- msg:
		case <-t.done:
			return
		}
	}
}

// recordWireFault reports whether the connection survives this fault.
func (t *stdioTransport) recordWireFault(err error) bool {
	t.mu.Lock()
	first := !t.wireFault
	t.wireFault = true
	t.mu.Unlock()

	if first {
		logger.Warnw("malformed frame from provider", "provider", t.cfg.Name, "error", err)
		if t.cfg.OnWireError != nil {
			t.cfg.OnWireError(err)
		}
	}
	return first
}

// teeStderr forwards the child's stderr to the debug log line by line.
func (t *stdioTransport) teeStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debugw("provider stderr", "provider", t.cfg.Name, "line", scanner.Text())
	}
}

// reap waits for the read loop to drain the pipes, then collects the
// child's exit status.
func (t *stdioTransport) reap(readDone <-chan struct{}) {
	<-readDone
	if err := t.cmd.Wait(); err != nil {
		logger.Debugw("provider exited", "provider", t.cfg.Name, "error", err)
	}
	close(t.procDone)
}

// terminate records the terminal error and closes Done exactly once.
func (t *stdioTransport) terminate(err error) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.termErr = err
		t.mu.Unlock()
		close(t.done)
	})
}

// mergedEnv layers the provider env onto the host environment; later
// entries win, so provider values override inherited ones.
func mergedEnv(env map[string]string) []string {
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	return merged
}
