// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package confirm is the consent side-channel: mutating management tools,
// the egress policy and interactive tools all funnel their "may I?" moments
// through here. Elicitation through the host is preferred; an OS-native
// dialog is the fallback when the host cannot prompt.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/logger"
)

const (
	// DefaultElicitTimeout bounds how long an elicitation request waits for
	// the user. Long enough for a human to read and answer.
	DefaultElicitTimeout = 5 * time.Minute

	// maxSchemaBytes caps the serialized size of a requested schema.
	maxSchemaBytes = 100 * 1024

	// maxSchemaDepth caps schema nesting.
	maxSchemaDepth = 10

	// maxContentBytes caps the serialized size of a user answer.
	maxContentBytes = 1 << 20
)

// Action is the user's verdict on a confirmation request.
type Action string

const (
	// ActionAccept means the user consented; Content carries the answer.
	ActionAccept Action = "accept"

	// ActionDecline means the user explicitly refused.
	ActionDecline Action = "decline"

	// ActionCancel means the prompt was dismissed without a verdict.
	ActionCancel Action = "cancel"

	// ActionPending means the native dialog timed out before the user
	// answered; the caller should surface a "please retry" message.
	ActionPending Action = "pending"
)

// Result is the outcome of one confirmation request.
type Result struct {
	Action  Action
	Content map[string]any
}

// Accepted reports whether the user consented.
func (r Result) Accepted() bool {
	return r.Action == ActionAccept
}

// ErrNoElicitation is returned by a Requester whose host did not advertise
// the elicitation capability. The capability is only known once the host has
// initialized, so a requester may exist and still be unable to ask; the
// channel treats this error as "try the dialog instead".
var ErrNoElicitation = errors.New("host does not support elicitation")

// Requester sends one elicitation request to the host and blocks for the
// answer. Implemented by the serving layer over the inbound wire. A requester
// for a host without the elicitation capability returns ErrNoElicitation.
type Requester interface {
	Elicit(ctx context.Context, message string, schema map[string]any) (Result, error)
}

// RequesterFunc adapts a function to the Requester interface, which lets the
// composition root hand the channel a requester before the serving layer that
// backs it exists.
type RequesterFunc func(ctx context.Context, message string, schema map[string]any) (Result, error)

// Elicit implements Requester.
func (f RequesterFunc) Elicit(ctx context.Context, message string, schema map[string]any) (Result, error) {
	return f(ctx, message, schema)
}

// Dialog shows a native modal and reports the verdict. The message is all a
// modal can carry, so dialog results never have content.
type Dialog interface {
	Ask(ctx context.Context, message string) (Action, error)
}

// Channel routes confirmation requests to the host, preferring elicitation
// over the native dialog. Definitive answers are remembered for the lifetime
// of the channel, so one session never asks the same question twice.
type Channel struct {
	requester Requester
	dialog    Dialog
	timeout   time.Duration

	mu      sync.Mutex
	answers map[string]Result
}

// NewChannel builds a channel. Either requester or dialog may be nil; with
// both nil every confirmation fails, which callers see as denied consent.
func NewChannel(requester Requester, dialog Dialog) *Channel {
	return &Channel{
		requester: requester,
		dialog:    dialog,
		timeout:   DefaultElicitTimeout,
		answers:   make(map[string]Result),
	}
}

// Confirm asks the user for consent. The schema describes the answer shape
// for elicitation-capable hosts; accepted elicitation content is validated
// against it before it is returned.
func (c *Channel) Confirm(ctx context.Context, message string, schema map[string]any) (Result, error) {
	if message == "" {
		return Result{}, fmt.Errorf("%w: confirmation message is required", gateway.ErrInvalidRequest)
	}
	if err := validateSchema(schema); err != nil {
		return Result{}, err
	}

	key := answerKey(message, schema)
	c.mu.Lock()
	cached, ok := c.answers[key]
	c.mu.Unlock()
	if ok {
		logger.Debugw("confirmation answered from session cache", "action", cached.Action)
		return cached, nil
	}

	res, err := c.ask(ctx, message, schema)
	if err != nil {
		return Result{}, err
	}

	// Accept and decline are verdicts worth remembering; cancel and pending
	// mean the user never decided, so the next attempt asks again.
	if res.Action == ActionAccept || res.Action == ActionDecline {
		c.mu.Lock()
		c.answers[key] = res
		c.mu.Unlock()
	}
	return res, nil
}

func (c *Channel) ask(ctx context.Context, message string, schema map[string]any) (Result, error) {
	if c.requester != nil {
		res, err := c.elicit(ctx, message, schema)
		if !errors.Is(err, ErrNoElicitation) {
			return res, err
		}
		// The host cannot prompt; fall through to the native dialog.
	}
	if c.dialog != nil {
		action, err := c.dialog.Ask(ctx, message)
		if err != nil {
			return Result{}, fmt.Errorf("native dialog failed: %w", err)
		}
		return Result{Action: action}, nil
	}
	return Result{}, fmt.Errorf("%w: no way to ask the user for consent", gateway.ErrInvalidRequest)
}

func (c *Channel) elicit(ctx context.Context, message string, schema map[string]any) (Result, error) {
	ectx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.requester.Elicit(ectx, message, schema)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: confirmation not answered within %s", gateway.ErrTimeout, c.timeout)
		}
		return Result{}, fmt.Errorf("confirmation request failed: %w", err)
	}

	switch res.Action {
	case ActionAccept, ActionDecline, ActionCancel:
	default:
		return Result{}, fmt.Errorf("%w: host answered with unknown action %q", gateway.ErrInvalidRequest, res.Action)
	}

	if res.Action == ActionAccept && schema != nil {
		if err := validateContent(res.Content, schema); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// answerKey identifies a prompt by its message and schema. Map marshaling is
// key-sorted, so equal schemas produce equal keys.
func answerKey(message string, schema map[string]any) string {
	raw, err := json.Marshal(schema)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", schema))
	}
	return message + "\x00" + string(raw)
}

// validateSchema bounds the requested schema so a misbehaving caller cannot
// push an enormous or absurdly nested prompt at the host.
func validateSchema(schema map[string]any) error {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("%w: unmarshalable confirmation schema: %v", gateway.ErrSchemaValidation, err)
	}
	if len(raw) > maxSchemaBytes {
		return fmt.Errorf("%w: confirmation schema is %d bytes (max %d)", gateway.ErrSchemaValidation, len(raw), maxSchemaBytes)
	}
	if err := checkDepth(schema, 0); err != nil {
		return err
	}
	return nil
}

func checkDepth(v any, depth int) error {
	if depth > maxSchemaDepth {
		return fmt.Errorf("%w: confirmation schema nests deeper than %d levels", gateway.ErrSchemaValidation, maxSchemaDepth)
	}
	switch vv := v.(type) {
	case map[string]any:
		for _, item := range vv {
			if err := checkDepth(item, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range vv {
			if err := checkDepth(item, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateContent checks an accepted answer against the schema it was asked
// under.
func validateContent(content, schema map[string]any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("%w: unmarshalable confirmation answer: %v", gateway.ErrSchemaValidation, err)
	}
	if len(raw) > maxContentBytes {
		return fmt.Errorf("%w: confirmation answer is %d bytes (max %d)", gateway.ErrSchemaValidation, len(raw), maxContentBytes)
	}

	if content == nil {
		content = map[string]any{}
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(content))
	if err != nil {
		return fmt.Errorf("%w: confirmation schema rejected: %v", gateway.ErrSchemaValidation, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("%w: confirmation answer rejected: %s", gateway.ErrSchemaValidation, strings.Join(details, "; "))
	}
	return nil
}
