// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dop251/goja"
	"github.com/tidwall/gjson"

	"github.com/tooldeck/tooldeck/pkg/gateway"
)

const (
	// doSearchLimit is how many ranked matches do() considers before giving
	// up on the intent.
	doSearchLimit = 5

	// similarityThreshold is the minimum bigram score for the last
	// alignment pass; below it a context key is dropped rather than guessed.
	similarityThreshold = 0.55
)

// doFunc implements do(intent, context): rank the catalog for the intent,
// align the supplied context onto the winner's input schema, and invoke it
// through the regular tool path. The promise resolves to {tool, result} so
// callers can see which tool actually ran. It performs no I/O of its own.
func (inv *invocation) doFunc(call goja.FunctionCall) goja.Value {
	promise, resolve, reject := inv.vm.NewPromise()
	ret := inv.vm.ToValue(promise)

	if goja.IsUndefined(call.Argument(0)) || strings.TrimSpace(call.Argument(0).String()) == "" {
		reject(inv.jsError(fmt.Errorf("%w: do needs an intent", gateway.ErrInvalidRequest)))
		return ret
	}
	intent := strings.TrimSpace(call.Argument(0).String())

	if inv.sb.searcher == nil {
		reject(inv.jsError(fmt.Errorf("%w: no semantic index is attached to this run", gateway.ErrInvalidRequest)))
		return ret
	}

	supplied, err := exportArgs(call.Argument(1), "do context")
	if err != nil {
		reject(inv.jsError(err))
		return ret
	}

	inv.startOp(func() (any, error) {
		return inv.route(intent, supplied)
	}, resolve, reject)
	return ret
}

// route picks the best live match for the intent and runs it. Matches whose
// tool vanished from the catalog between ranking and lookup are skipped.
func (inv *invocation) route(intent string, supplied map[string]any) (any, error) {
	found, err := inv.sb.searcher.Find(inv.ctx, intent, doSearchLimit, nil)
	if err != nil {
		return nil, err
	}

	var rec gateway.ToolRecord
	ok := false
	for _, match := range found.Matches {
		if rec, ok = inv.sb.catalog.Lookup(match.QualifiedName); ok {
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: nothing in the catalog matches %q", gateway.ErrToolNotFound, intent)
	}

	args := alignParams(supplied, rec.InputSchema)
	result, err := inv.invokeTool(rec.QualifiedName, args)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tool": rec.QualifiedName, "result": result}, nil
}

// paramAliases groups property names that commonly mean the same thing
// across tool schemas. Members are compared in normalized form (lowercase,
// alphanumerics only).
var paramAliases = [][]string{
	{"query", "q", "search", "term", "keyword"},
	{"path", "file", "filename", "filepath"},
	{"content", "text", "body", "data", "value"},
	{"url", "uri", "link", "endpoint"},
	{"id", "identifier", "key"},
	{"name", "title", "label"},
	{"directory", "dir", "folder", "cwd"},
	{"message", "msg", "description"},
	{"command", "cmd"},
	{"limit", "count", "max", "n"},
	{"user", "username", "login"},
	{"repo", "repository", "project"},
}

// alignParams maps the caller's context keys onto the schema's properties:
// exact names first, then the alias table, then bigram similarity. Every
// context key claims at most one property and unmatched keys are dropped,
// so the child never sees arguments its schema does not declare.
func alignParams(supplied map[string]any, schema []byte) map[string]any {
	aligned := make(map[string]any)
	props := schemaProperties(schema)
	if len(props) == 0 || len(supplied) == 0 {
		return aligned
	}

	claimed := make(map[string]bool, len(props))
	used := make(map[string]bool, len(supplied))
	keys := slices.Sorted(maps.Keys(supplied))

	for _, prop := range props {
		if value, ok := supplied[prop]; ok {
			aligned[prop] = value
			claimed[prop] = true
			used[prop] = true
		}
	}

	for _, prop := range props {
		if claimed[prop] {
			continue
		}
		for _, key := range keys {
			if used[key] {
				continue
			}
			if sameAliasGroup(key, prop) {
				aligned[prop] = supplied[key]
				claimed[prop] = true
				used[key] = true
				break
			}
		}
	}

	// Similarity last: the best-scoring unused key wins the property, ties
	// resolved by key order.
	for _, prop := range props {
		if claimed[prop] {
			continue
		}
		bestKey := ""
		bestScore := similarityThreshold
		for _, key := range keys {
			if used[key] {
				continue
			}
			if score := bigramSimilarity(normalizeParam(key), normalizeParam(prop)); score > bestScore {
				bestKey, bestScore = key, score
			}
		}
		if bestKey != "" {
			aligned[prop] = supplied[bestKey]
			claimed[prop] = true
			used[bestKey] = true
		}
	}
	return aligned
}

// schemaProperties lists a JSON schema's property names in declaration
// order.
func schemaProperties(schema []byte) []string {
	if len(schema) == 0 {
		return nil
	}
	props := gjson.GetBytes(schema, "properties")
	if !props.IsObject() {
		return nil
	}
	var names []string
	props.ForEach(func(key, _ gjson.Result) bool {
		names = append(names, key.String())
		return true
	})
	return names
}

func sameAliasGroup(a, b string) bool {
	a, b = normalizeParam(a), normalizeParam(b)
	if a == b {
		return true
	}
	for _, group := range paramAliases {
		if slices.Contains(group, a) && slices.Contains(group, b) {
			return true
		}
	}
	return false
}

func normalizeParam(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// bigramSimilarity is the Sørensen-Dice coefficient over character bigrams,
// which tolerates the snake/camel/prefix variation tool schemas show.
func bigramSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}

	counts := make(map[string]int)
	for i := 0; i+2 <= len(a); i++ {
		counts[a[i:i+2]]++
	}

	shared := 0
	for i := 0; i+2 <= len(b); i++ {
		pair := b[i : i+2]
		if counts[pair] > 0 {
			counts[pair]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b)-2)
}
