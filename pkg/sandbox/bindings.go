// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/tooldeck/tooldeck/pkg/egress"
	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/logger"
)

// invocation is the per-run state: one fresh runtime plus the machinery that
// moves host-operation completions onto it. The runtime itself is only ever
// touched from the goroutine that called Run.
type invocation struct {
	vm      *goja.Runtime
	sb      *Sandbox
	ctx     context.Context
	spec    RunSpec
	timeout time.Duration

	// jobs carries completions from worker goroutines to the drain loop;
	// inflight counts workers that have not posted yet, which is how the
	// loop tells a pending script from a stuck one.
	jobs     chan func()
	inflight atomic.Int64

	done      chan struct{}
	closeOnce sync.Once

	logs *logBuffer
}

func (s *Sandbox) newInvocation(ctx context.Context, spec RunSpec, timeout time.Duration) *invocation {
	return &invocation{
		vm:      goja.New(),
		sb:      s,
		ctx:     ctx,
		spec:    spec,
		timeout: timeout,
		jobs:    make(chan func(), 16),
		done:    make(chan struct{}),
		logs:    newLogBuffer(s.cfg.LogCap),
	}
}

// shutdown releases the watchdogs and lets late completions drop.
func (inv *invocation) shutdown() {
	inv.closeOnce.Do(func() { close(inv.done) })
}

func (inv *invocation) result() *Result {
	return &Result{Value: json.RawMessage("null"), Logs: inv.logs.snapshot()}
}

// bindGlobals installs the script-visible surface. Order matters: the
// builtins go in first so a provider that happens to share a name is skipped
// rather than shadowing them.
func (inv *invocation) bindGlobals() error {
	if err := inv.bindConsole(); err != nil {
		return err
	}
	if err := inv.vm.Set("fetch", inv.fetchFunc); err != nil {
		return err
	}
	// "do" is a reserved word, so scripts reach the router as doTool() or
	// via globalThis.do; both names carry the same function.
	if err := inv.vm.Set("do", inv.doFunc); err != nil {
		return err
	}
	if err := inv.vm.Set("doTool", inv.doFunc); err != nil {
		return err
	}
	if err := inv.vm.Set("setTimeout", inv.setTimeoutFunc); err != nil {
		return err
	}
	return inv.bindNamespaces()
}

// bindNamespaces publishes one dynamic object per provider in the catalog.
// Tool lookup happens per call, so the set of tools inside a namespace
// tracks the live catalog even while a script runs.
func (inv *invocation) bindNamespaces() error {
	seen := make(map[string]bool)
	for _, rec := range inv.sb.catalog.Tools() {
		if seen[rec.Provider] {
			continue
		}
		seen[rec.Provider] = true

		if inv.vm.GlobalObject().Get(rec.Provider) != nil {
			logger.Warnw("provider name shadows a sandbox global, namespace not bound",
				"provider", rec.Provider)
			continue
		}

		ns := inv.vm.NewDynamicObject(&namespace{inv: inv, provider: rec.Provider})
		if err := inv.vm.Set(rec.Provider, ns); err != nil {
			return err
		}
	}
	return nil
}

// namespace exposes one provider's tools as properties. Any key resolves to
// a callable so scripts can reference tools that appear mid-run; calling a
// name the catalog does not hold rejects with ToolNotFound.
type namespace struct {
	inv      *invocation
	provider string
}

func (n *namespace) Get(key string) goja.Value {
	qualified := gateway.QualifiedName(n.provider, key)
	if _, ok := n.inv.sb.catalog.Lookup(qualified); !ok && jsProtocolKey(key) {
		// Keep await and JSON.stringify from mistaking the namespace for a
		// thenable or a serializable host object.
		return nil
	}
	return n.inv.vm.ToValue(n.inv.toolFunc(qualified))
}

func (n *namespace) Set(string, goja.Value) bool { return false }

func (n *namespace) Has(key string) bool {
	_, ok := n.inv.sb.catalog.Lookup(gateway.QualifiedName(n.provider, key))
	return ok
}

func (n *namespace) Delete(string) bool { return false }

func (n *namespace) Keys() []string {
	var keys []string
	for _, rec := range n.inv.sb.catalog.Tools() {
		if rec.Provider == n.provider {
			keys = append(keys, rec.LocalName)
		}
	}
	return keys
}

func jsProtocolKey(key string) bool {
	switch key {
	case "then", "catch", "finally", "constructor", "toString", "valueOf", "toJSON":
		return true
	}
	return false
}

// toolFunc returns the callable behind provider.tool. The first argument is
// the params object; the promise resolves to the tool's structured content,
// or its text when it has none, and rejects with a named error otherwise.
func (inv *invocation) toolFunc(qualified string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := inv.vm.NewPromise()
		ret := inv.vm.ToValue(promise)

		args, err := exportArgs(call.Argument(0), "tool parameters")
		if err != nil {
			reject(inv.jsError(err))
			return ret
		}
		if _, ok := inv.sb.catalog.Lookup(qualified); !ok {
			reject(inv.jsError(fmt.Errorf("%w: %s", gateway.ErrToolNotFound, qualified)))
			return ret
		}

		inv.startOp(func() (any, error) {
			return inv.invokeTool(qualified, args)
		}, resolve, reject)
		return ret
	}
}

// invokeTool runs one tool through the shared invoker and shapes the
// script-visible outcome.
func (inv *invocation) invokeTool(qualified string, args map[string]any) (any, error) {
	res, err := inv.sb.invoker.CallTool(inv.ctx, qualified, args)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, fmt.Errorf("%w: %s", gateway.ErrChild, res.Text())
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return res.Text(), nil
}

// startOp runs work off the runtime goroutine and settles the promise from
// the drain loop.
func (inv *invocation) startOp(work func() (any, error), resolve, reject func(any) error) {
	inv.inflight.Add(1)
	go func() {
		value, err := work()
		inv.post(func() {
			if err != nil {
				reject(inv.jsError(err))
				return
			}
			resolve(value)
		})
	}()
}

// post hands a completion to the drain loop. When the loop is already gone
// the completion is dropped; nothing reads the result after shutdown. The
// inflight counter is released only after the hand-off so the loop never
// mistakes an about-to-post worker for a stuck script.
func (inv *invocation) post(fn func()) {
	defer inv.inflight.Add(-1)
	select {
	case inv.jobs <- fn:
	case <-inv.done:
	}
}

// setTimeoutFunc backs setTimeout(cb, ms) so scripts can pace retries. A
// non-function callback is ignored.
func (inv *invocation) setTimeoutFunc(call goja.FunctionCall) goja.Value {
	callback, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return goja.Undefined()
	}
	delay := call.Argument(1).ToInteger()
	if delay < 0 {
		delay = 0
	}

	inv.inflight.Add(1)
	go func() {
		timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-inv.done:
		}
		inv.post(func() {
			if _, err := callback(goja.Undefined()); err != nil {
				// An interrupted callback ends the run; anything else is the
				// script's own bug and goes to its logs.
				var interrupted *goja.InterruptedError
				if errors.As(err, &interrupted) {
					panic(interrupted)
				}
				inv.logs.append("error: uncaught exception in setTimeout callback: " + err.Error())
			}
		})
	}()
	return inv.vm.ToValue(0)
}

// fetchFunc brokers fetch(url, opts) through the egress-guarded client. The
// body is fully read off-loop, so text() and json() are plain accessors by
// the time the promise resolves.
func (inv *invocation) fetchFunc(call goja.FunctionCall) goja.Value {
	promise, resolve, reject := inv.vm.NewPromise()
	ret := inv.vm.ToValue(promise)

	if inv.spec.Client == nil {
		reject(inv.jsError(fmt.Errorf("%w: this run has no egress policy", gateway.ErrNetworkBlocked)))
		return ret
	}
	if goja.IsUndefined(call.Argument(0)) || call.Argument(0).String() == "" {
		reject(inv.jsError(fmt.Errorf("%w: fetch needs a url", gateway.ErrInvalidRequest)))
		return ret
	}
	requestURL := call.Argument(0).String()

	opts, err := fetchOptions(call.Argument(1))
	if err != nil {
		reject(inv.jsError(err))
		return ret
	}

	inv.inflight.Add(1)
	go func() {
		result, fetchErr := egress.Fetch(inv.ctx, inv.spec.Client, requestURL, opts...)
		inv.post(func() {
			if fetchErr != nil {
				reject(inv.jsError(fetchErr))
				return
			}
			resolve(inv.responseValue(result))
		})
	}()
	return ret
}

func fetchOptions(v goja.Value) ([]egress.FetchOption, error) {
	opts := []egress.FetchOption{egress.WithMaxResponseSize(fetchBodyCap)}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return opts, nil
	}

	raw, ok := v.Export().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: fetch options must be an object", gateway.ErrInvalidRequest)
	}
	if method, ok := raw["method"].(string); ok && method != "" {
		opts = append(opts, egress.WithMethod(method))
	}
	if headers, ok := raw["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				opts = append(opts, egress.WithHeader(key, s))
			}
		}
	}
	if body, ok := raw["body"].(string); ok && body != "" {
		opts = append(opts, egress.WithBody(strings.NewReader(body)))
	}
	return opts, nil
}

// responseValue shapes a brokered response the way scripts expect from
// fetch.
func (inv *invocation) responseValue(fr *egress.FetchResult) goja.Value {
	resp := inv.vm.NewObject()
	_ = resp.Set("status", fr.StatusCode)
	_ = resp.Set("statusText", http.StatusText(fr.StatusCode))
	_ = resp.Set("ok", fr.StatusCode >= 200 && fr.StatusCode < 300)
	_ = resp.Set("truncated", fr.Truncated)

	headers := make(map[string]string, len(fr.Headers))
	for key := range fr.Headers {
		headers[key] = fr.Headers.Get(key)
	}
	_ = resp.Set("headers", headers)

	body := string(fr.Body)
	_ = resp.Set("text", func() string { return body })
	_ = resp.Set("json", func() (goja.Value, error) {
		var parsed any
		if err := json.Unmarshal(fr.Body, &parsed); err != nil {
			return nil, fmt.Errorf("response body is not JSON: %v", err)
		}
		return inv.vm.ToValue(parsed), nil
	})
	return resp
}

// exportArgs converts an optional JS object argument into the map the
// invoker takes.
func exportArgs(v goja.Value, what string) (map[string]any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if m, ok := v.Export().(map[string]any); ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s must be an object", gateway.ErrInvalidRequest, what)
}

// errNames pairs the gateway sentinels with the names scripts see on thrown
// errors, so catch blocks can branch on e.name.
var errNames = []struct {
	name string
	err  error
}{
	{"ToolNotFound", gateway.ErrToolNotFound},
	{"NetworkBlocked", gateway.ErrNetworkBlocked},
	{"ProviderUnavailable", gateway.ErrProviderUnavailable},
	{"ProviderBusy", gateway.ErrProviderBusy},
	{"ProviderShutdown", gateway.ErrProviderShutdown},
	{"ChildError", gateway.ErrChild},
	{"SchemaValidation", gateway.ErrSchemaValidation},
	{"InvalidRequest", gateway.ErrInvalidRequest},
	{"Timeout", gateway.ErrTimeout},
	{"Cancelled", gateway.ErrCancelled},
}

func sentinelFor(name string) error {
	for _, entry := range errNames {
		if entry.name == name {
			return entry.err
		}
	}
	return nil
}

// jsError converts a Go error into a JS Error whose name carries the
// taxonomy, so a script can tell a blocked fetch from a missing tool.
func (inv *invocation) jsError(err error) goja.Value {
	// Bare context errors come out of workers that never touched a
	// sentinel; fold them into the taxonomy first.
	switch {
	case errors.Is(err, context.Canceled) && !errors.Is(err, gateway.ErrCancelled):
		err = fmt.Errorf("%w: the run was cancelled", gateway.ErrCancelled)
	case errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, gateway.ErrTimeout):
		err = fmt.Errorf("%w: the deadline passed", gateway.ErrTimeout)
	}

	name := "Error"
	message := err.Error()
	for _, entry := range errNames {
		if errors.Is(err, entry.err) {
			name = entry.name
			message = strings.TrimPrefix(message, entry.err.Error()+": ")
			break
		}
	}

	obj, newErr := inv.vm.New(inv.vm.Get("Error"), inv.vm.ToValue(message))
	if newErr != nil {
		return inv.vm.ToValue(message)
	}
	if name != "Error" {
		_ = obj.Set("name", name)
	}
	return obj
}

// thrownError turns a thrown or rejected value back into a Go error,
// restoring the sentinel when the script left a named error uncaught.
func thrownError(v goja.Value) error {
	if v == nil {
		return fmt.Errorf("%w: script threw", gateway.ErrSandbox)
	}
	if obj, ok := v.(*goja.Object); ok {
		name := stringProp(obj, "name")
		message := stringProp(obj, "message")
		if sentinel := sentinelFor(name); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, message)
		}
		if name != "" {
			return fmt.Errorf("%w: %s: %s", gateway.ErrSandbox, name, message)
		}
	}
	return fmt.Errorf("%w: script threw: %s", gateway.ErrSandbox, v.String())
}

func stringProp(obj *goja.Object, key string) string {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// bindConsole captures console output into the run's log buffer instead of
// the gateway's stderr.
func (inv *invocation) bindConsole() error {
	console := inv.vm.NewObject()
	for _, level := range []struct{ name, prefix string }{
		{"log", ""},
		{"info", ""},
		{"warn", "warn: "},
		{"error", "error: "},
	} {
		if err := console.Set(level.name, inv.consoleFunc(level.prefix)); err != nil {
			return err
		}
	}
	return inv.vm.Set("console", console)
}

func (inv *invocation) consoleFunc(prefix string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, formatLogValue(arg))
		}
		inv.logs.append(prefix + strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func formatLogValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	exported := v.Export()
	switch exported.(type) {
	case string, bool, int64, float64:
		return v.String()
	}
	if data, err := json.Marshal(exported); err == nil {
		return string(data)
	}
	return v.String()
}

// logBuffer accumulates console lines up to a byte cap. It is only touched
// from the runtime goroutine, so it needs no lock.
type logBuffer struct {
	lines []string
	bytes int
	limit int
	full  bool
}

func newLogBuffer(limit int) *logBuffer {
	return &logBuffer{limit: limit}
}

func (b *logBuffer) append(line string) {
	if b.full {
		return
	}
	if b.bytes+len(line) > b.limit {
		b.full = true
		b.lines = append(b.lines, "[log output truncated]")
		return
	}
	b.bytes += len(line)
	b.lines = append(b.lines, line)
}

func (b *logBuffer) snapshot() []string {
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}
