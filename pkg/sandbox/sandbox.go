// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox executes model-written scripts against the tool catalog.
//
// Every run gets a fresh JavaScript runtime with no host access: the only
// capabilities are the injected provider namespaces, the do() router, fetch
// through an egress-guarded client, and console capture. Budgets are
// enforced by interrupting the runtime, so a hostile script cannot outlive
// its timeout or memory ceiling.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/gateway/catalog"
	"github.com/tooldeck/tooldeck/pkg/gateway/index"
	"github.com/tooldeck/tooldeck/pkg/logger"
)

const (
	// DefaultTimeout bounds a run when the caller names no timeout.
	DefaultTimeout = 30 * time.Second

	// MaxTimeout is the longest any run may be granted.
	MaxTimeout = 5 * time.Minute

	// DefaultMemoryLimit is the allocation growth a run may cause.
	DefaultMemoryLimit = 64 << 20

	// DefaultOutputCap bounds the serialized result.
	DefaultOutputCap = 1 << 20

	// DefaultLogCap bounds captured console output.
	DefaultLogCap = 64 << 10

	// memorySampleInterval is how often the watchdog reads the heap.
	memorySampleInterval = 25 * time.Millisecond

	// fetchBodyCap bounds a brokered response body.
	fetchBodyCap = 4 << 20

	// scriptName labels user code in stack traces and syntax errors.
	scriptName = "code"
)

// errDeadline marks the run's own timeout as the context cause, so the
// interrupt path can tell a timeout from a caller cancellation.
var errDeadline = errors.New("script deadline reached")

// interruptReason is the value handed to Runtime.Interrupt; it names which
// watchdog fired.
type interruptReason string

const (
	reasonTimeout interruptReason = "timeout"
	reasonMemory  interruptReason = "memory"
	reasonCancel  interruptReason = "cancelled"
)

// Config carries the sandbox-wide budgets. Zero fields take the defaults
// above.
type Config struct {
	// Timeout is the wall-clock budget when a run names none.
	Timeout time.Duration
	// MemoryLimit is the heap growth ceiling in bytes.
	MemoryLimit int64
	// OutputCap is the serialized result ceiling in bytes.
	OutputCap int
	// LogCap is the captured console output ceiling in bytes.
	LogCap int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout > MaxTimeout {
		c.Timeout = MaxTimeout
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.OutputCap <= 0 {
		c.OutputCap = DefaultOutputCap
	}
	if c.LogCap <= 0 {
		c.LogCap = DefaultLogCap
	}
	return c
}

// ToolInvoker runs one catalog tool by qualified name. Scripts call tools
// through the same invoker as the run tool, so deadlines, backpressure and
// cancellation apply identically.
type ToolInvoker interface {
	CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*gateway.CallResult, error)
}

// Searcher ranks catalog tools for an intent; the semantic index satisfies
// it. do() is refused when no searcher is attached.
type Searcher interface {
	Find(ctx context.Context, query string, limit int, filters *index.Filters) (*index.FindResult, error)
}

// Sandbox runs scripts against one catalog. It is cheap and safe for
// concurrent use; all per-run state lives in the invocation.
type Sandbox struct {
	cfg      Config
	catalog  *catalog.Catalog
	invoker  ToolInvoker
	searcher Searcher
}

// New builds a sandbox over the given catalog, invoker and searcher. The
// searcher may be nil; do() then rejects with InvalidRequest.
func New(cfg Config, cat *catalog.Catalog, invoker ToolInvoker, searcher Searcher) *Sandbox {
	return &Sandbox{
		cfg:      cfg.withDefaults(),
		catalog:  cat,
		invoker:  invoker,
		searcher: searcher,
	}
}

// RunSpec describes one script execution.
type RunSpec struct {
	// Code is the script source.
	Code string
	// Timeout overrides the configured wall-clock budget; zero keeps the
	// default and anything above MaxTimeout is clamped.
	Timeout time.Duration
	// Client performs brokered fetches. It must be egress-guarded; nil
	// disables fetch entirely, which rejects as NetworkBlocked.
	Client *http.Client
}

// Result is what a run produced. Logs are populated even when Run reports an
// error, so a crashing script still shows what it printed.
type Result struct {
	// Value is the script's final value serialized as JSON; "null" when the
	// run failed or produced nothing.
	Value json.RawMessage
	// Logs are the captured console lines in emission order.
	Logs []string
}

// Run executes one script. The script's final value is the last evaluated
// expression when the source parses as one, otherwise whatever it returns.
// Errors thrown by bindings keep their taxonomy: a blocked fetch surfaces as
// NetworkBlocked, a missing tool as ToolNotFound, and everything the script
// itself throws as a sandbox error.
func (s *Sandbox) Run(ctx context.Context, spec RunSpec) (*Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	prog, err := compile(spec.Code)
	if err != nil {
		return &Result{Value: json.RawMessage("null")}, fmt.Errorf("%w: %v", gateway.ErrSandbox, err)
	}

	runCtx, cancel := context.WithTimeoutCause(ctx, timeout, errDeadline)
	defer cancel()

	inv := s.newInvocation(runCtx, spec, timeout)
	defer inv.shutdown()

	if err := inv.bindGlobals(); err != nil {
		return inv.result(), fmt.Errorf("%w: binding globals: %v", gateway.ErrInternal, err)
	}

	runID := uuid.NewString()
	logger.Debugw("sandbox run started", "run", runID, "timeout", timeout, "bytes", len(spec.Code))
	start := time.Now()

	go inv.interruptWatch()
	go inv.memoryWatch(s.cfg.MemoryLimit)

	value, err := inv.vm.RunProgram(prog)
	if err != nil {
		logger.Debugw("sandbox run failed", "run", runID, "elapsed", time.Since(start), "error", err)
		return inv.result(), inv.classifyRunError(err)
	}

	final, err := inv.drain(value)
	if err != nil {
		logger.Debugw("sandbox run failed", "run", runID, "elapsed", time.Since(start), "error", err)
		return inv.result(), err
	}

	res := inv.result()
	res.Value = inv.serialize(final)
	logger.Debugw("sandbox run finished",
		"run", runID, "elapsed", time.Since(start), "logs", len(res.Logs), "result_bytes", len(res.Value))
	return res, nil
}

// compile wraps user code in an async IIFE so top-level await works. The
// expression form is tried first so a bare expression evaluates to itself;
// multi-statement scripts fall back to the body form and need an explicit
// return to produce a value.
func compile(code string) (*goja.Program, error) {
	prog, exprErr := goja.Compile(scriptName, "(async () => ("+code+"\n))()", false)
	if exprErr == nil {
		return prog, nil
	}
	prog, stmtErr := goja.Compile(scriptName, "(async () => {"+code+"\n})()", false)
	if stmtErr != nil {
		return nil, fmt.Errorf("syntax error: %v", stmtErr)
	}
	return prog, nil
}

// drain pumps host-operation completions into the runtime until the
// script's promise settles. goja runs the dependent reactions whenever a
// completion resolves, so once the state flips the result is final.
func (inv *invocation) drain(v goja.Value) (goja.Value, error) {
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}

	for {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result(), nil
		case goja.PromiseStateRejected:
			return nil, thrownError(promise.Result())
		}

		// No operation in flight and nothing queued means nothing will ever
		// settle the promise the script is awaiting.
		if inv.inflight.Load() == 0 && len(inv.jobs) == 0 {
			return nil, fmt.Errorf("%w: script is awaiting a promise nothing will settle", gateway.ErrSandbox)
		}

		select {
		case job := <-inv.jobs:
			if err := runJob(job); err != nil {
				return nil, inv.classifyRunError(err)
			}
		case <-inv.ctx.Done():
			return nil, inv.interruptError(interruptCause(inv.ctx))
		}
	}
}

// runJob executes one completion callback. An interrupt fired while the
// runtime was idle surfaces as a panic out of the promise machinery; it is
// recovered here and classified like any other interrupted run.
func runJob(job func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", r)
		}
	}()
	job()
	return nil
}

// interruptWatch interrupts the runtime when the run context ends, which is
// what stops a busy loop that never yields.
func (inv *invocation) interruptWatch() {
	select {
	case <-inv.done:
	case <-inv.ctx.Done():
		inv.vm.Interrupt(interruptCause(inv.ctx))
	}
}

// memoryWatch samples heap growth since the run started and interrupts on
// breach. HeapAlloc is process-wide, so a busy co-resident call can trip it
// early; that errs on the safe side.
func (inv *invocation) memoryWatch(limit int64) {
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	ticker := time.NewTicker(memorySampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-inv.done:
			return
		case <-ticker.C:
			var now runtime.MemStats
			runtime.ReadMemStats(&now)
			if int64(now.HeapAlloc)-int64(base.HeapAlloc) > limit {
				inv.vm.Interrupt(reasonMemory)
				return
			}
		}
	}
}

// interruptCause maps the run context's end to the reason handed to
// Runtime.Interrupt.
func interruptCause(ctx context.Context) interruptReason {
	cause := context.Cause(ctx)
	if errors.Is(cause, errDeadline) || errors.Is(cause, context.DeadlineExceeded) {
		return reasonTimeout
	}
	return reasonCancel
}

// classifyRunError folds a runtime error into the gateway taxonomy:
// interrupts by their watchdog, thrown values by their name, anything else
// as a plain sandbox error.
func (inv *invocation) classifyRunError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if reason, ok := interrupted.Value().(interruptReason); ok {
			return inv.interruptError(reason)
		}
		return inv.interruptError(reasonCancel)
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return thrownError(exception.Value())
	}

	return fmt.Errorf("%w: %v", gateway.ErrSandbox, err)
}

func (inv *invocation) interruptError(reason interruptReason) error {
	switch reason {
	case reasonMemory:
		return fmt.Errorf("%w: script exceeded the %d MiB memory ceiling",
			gateway.ErrSandbox, inv.sb.cfg.MemoryLimit>>20)
	case reasonCancel:
		return fmt.Errorf("%w: script interrupted", gateway.ErrCancelled)
	default:
		return fmt.Errorf("%w: script timed out after %s", gateway.ErrSandbox, inv.timeout)
	}
}

// serialize renders the script's final value as JSON under the output cap.
// Values JSON cannot express degrade to their string form; oversize results
// are replaced by a marker instead of being clipped mid-token.
func (inv *invocation) serialize(v goja.Value) json.RawMessage {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return json.RawMessage("null")
	}

	data, err := json.Marshal(v.Export())
	if err != nil {
		data, err = json.Marshal(v.String())
		if err != nil {
			return json.RawMessage("null")
		}
	}

	if len(data) > inv.sb.cfg.OutputCap {
		marker, _ := json.Marshal(map[string]any{
			"truncated": true,
			"reason":    fmt.Sprintf("result of %d bytes exceeds the %d byte cap", len(data), inv.sb.cfg.OutputCap),
		})
		return marker
	}
	return data
}
