// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/tooldeck/tooldeck/pkg/confirm"
	"github.com/tooldeck/tooldeck/pkg/gateway"
)

// Deck is the mutable provider set the management plugin operates on. The
// composition root binds it to the profile store plus a manager reload, so
// mutations persist and take effect without a restart. Passing this narrow
// handle into the plugin keeps the dependency a data flow, not an ownership
// cycle.
type Deck interface {
	// Providers returns the active provider entries.
	Providers(ctx context.Context) ([]gateway.ProviderConfig, error)

	// AddProvider appends a provider and applies the change.
	AddProvider(ctx context.Context, pc gateway.ProviderConfig) error

	// RemoveProvider removes a provider by name and applies the change.
	RemoveProvider(ctx context.Context, name string) error
}

// DeckPlugin manages the active provider set from inside a conversation.
// Every mutation asks the user first, and mutations are refused entirely
// unless the gateway runs in extension mode.
type DeckPlugin struct {
	deck    Deck
	mutable bool
}

// NewDeckPlugin builds the deck plugin. mutable enables add/remove; a false
// value leaves list_providers working and turns mutations into refusals.
func NewDeckPlugin(deck Deck, mutable bool) *DeckPlugin {
	return &DeckPlugin{deck: deck, mutable: mutable}
}

// Name implements ToolProvider.
func (d *DeckPlugin) Name() string {
	return "deck"
}

var deckDescriptors = []Descriptor{
	{
		Name:        "list_providers",
		Description: "List the providers on the active deck with their transport and endpoint.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        "add_provider",
		Description: "Add an MCP provider to the active deck. Give either a command for a stdio provider or a url for an HTTP one. The user is asked for confirmation before anything changes.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"Provider key; prefixes the provider's tools"},"command":{"type":"string","description":"Executable for a stdio provider"},"args":{"type":"array","items":{"type":"string"},"description":"Arguments for the stdio command"},"env":{"type":"object","additionalProperties":{"type":"string"},"description":"Extra environment for the stdio command"},"url":{"type":"string","description":"Endpoint for an HTTP provider"},"token":{"type":"string","description":"Bearer token for an HTTP provider"}},"required":["name"]}`),
	},
	{
		Name:        "remove_provider",
		Description: "Remove a provider from the active deck. Its tools disappear from the catalog. The user is asked for confirmation first.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"Name of the provider to remove"}},"required":["name"]}`),
	},
}

// ListTools implements ToolProvider.
func (d *DeckPlugin) ListTools(context.Context) ([]Descriptor, error) {
	return slices.Clone(deckDescriptors), nil
}

// CallTool implements ToolProvider for the non-interactive path. Mutating
// tools need a confirmation round and refuse to run without one.
func (d *DeckPlugin) CallTool(ctx context.Context, name string, args map[string]any) (*gateway.CallResult, error) {
	step, err := d.StartTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if step.Input != nil {
		return nil, fmt.Errorf("%w: %q needs user confirmation", gateway.ErrInvalidRequest, name)
	}
	return step.Result, nil
}

// StartTool implements Interactive.
func (d *DeckPlugin) StartTool(ctx context.Context, name string, args map[string]any) (Step, error) {
	switch name {
	case "list_providers":
		res, err := d.listProviders(ctx)
		return Step{Result: res}, err
	case "add_provider":
		return d.addProvider(ctx, args)
	case "remove_provider":
		return d.removeProvider(ctx, args)
	default:
		return Step{}, fmt.Errorf("%w: deck has no tool %q", gateway.ErrToolNotFound, name)
	}
}

func (d *DeckPlugin) listProviders(ctx context.Context) (*gateway.CallResult, error) {
	providers, err := d.deck.Providers(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]any, 0, len(providers))
	var sb strings.Builder
	for _, pc := range providers {
		entries = append(entries, map[string]any{
			"name":     pc.Name,
			"kind":     string(pc.Kind()),
			"endpoint": pc.Endpoint(),
		})
		fmt.Fprintf(&sb, "%s (%s): %s\n", pc.Name, pc.Kind(), pc.Endpoint())
	}
	if len(providers) == 0 {
		sb.WriteString("No providers configured.")
	}
	return &gateway.CallResult{
		Content:           []gateway.Content{gateway.TextContent(strings.TrimRight(sb.String(), "\n"))},
		StructuredContent: map[string]any{"providers": entries},
	}, nil
}

func (d *DeckPlugin) addProvider(ctx context.Context, args map[string]any) (Step, error) {
	if !d.mutable {
		return mutationsDisabledStep(), nil
	}
	pc, err := providerFromArgs(args)
	if err != nil {
		return Step{}, err
	}
	if taken, err := d.nameTaken(ctx, pc.Name); err != nil {
		return Step{}, err
	} else if taken {
		return refusedStep(fmt.Sprintf("A provider named %q already exists.", pc.Name)), nil
	}

	return Step{Input: &InputRequest{
		Message: fmt.Sprintf("Add provider %q (%s)?", pc.Name, pc.Endpoint()),
		Schema:  consentSchema,
		Resume: func(ctx context.Context, answer confirm.Result) (Step, error) {
			if !answer.Accepted() {
				return verdictStep(answer, "adding provider "+pc.Name), nil
			}
			if err := d.deck.AddProvider(ctx, pc); err != nil {
				return Step{}, err
			}
			return textStep(fmt.Sprintf("Added provider %q. Its tools appear in the catalog once it connects.", pc.Name)), nil
		},
	}}, nil
}

func (d *DeckPlugin) removeProvider(ctx context.Context, args map[string]any) (Step, error) {
	if !d.mutable {
		return mutationsDisabledStep(), nil
	}
	name, _ := args["name"].(string)
	if name == "" {
		return Step{}, fmt.Errorf("%w: provider name is required", gateway.ErrInvalidRequest)
	}
	if taken, err := d.nameTaken(ctx, name); err != nil {
		return Step{}, err
	} else if !taken {
		return refusedStep(fmt.Sprintf("No provider named %q. Use list_providers to see the deck.", name)), nil
	}

	return Step{Input: &InputRequest{
		Message: fmt.Sprintf("Remove provider %q? Its tools disappear from the catalog.", name),
		Schema:  consentSchema,
		Resume: func(ctx context.Context, answer confirm.Result) (Step, error) {
			if !answer.Accepted() {
				return verdictStep(answer, "removing provider "+name), nil
			}
			if err := d.deck.RemoveProvider(ctx, name); err != nil {
				return Step{}, err
			}
			return textStep(fmt.Sprintf("Removed provider %q.", name)), nil
		},
	}}, nil
}

func (d *DeckPlugin) nameTaken(ctx context.Context, name string) (bool, error) {
	providers, err := d.deck.Providers(ctx)
	if err != nil {
		return false, err
	}
	for _, pc := range providers {
		if pc.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// providerFromArgs builds a provider entry from tool arguments. Exactly one
// of command or url must be given.
func providerFromArgs(args map[string]any) (gateway.ProviderConfig, error) {
	var pc gateway.ProviderConfig
	pc.Name, _ = args["name"].(string)
	if pc.Name == "" {
		return pc, fmt.Errorf("%w: provider name is required", gateway.ErrInvalidRequest)
	}
	if strings.Contains(pc.Name, gateway.QualifiedNameSeparator) {
		return pc, fmt.Errorf("%w: provider name must not contain %q", gateway.ErrInvalidRequest, gateway.QualifiedNameSeparator)
	}
	pc.Command, _ = args["command"].(string)
	pc.URL, _ = args["url"].(string)
	if raw, ok := args["args"].([]any); ok {
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				return pc, fmt.Errorf("%w: args entries must be strings", gateway.ErrInvalidRequest)
			}
			pc.Args = append(pc.Args, s)
		}
	}
	if raw, ok := args["env"].(map[string]any); ok {
		pc.Env = make(map[string]string, len(raw))
		for k, v := range raw {
			s, ok := v.(string)
			if !ok {
				return pc, fmt.Errorf("%w: env values must be strings", gateway.ErrInvalidRequest)
			}
			pc.Env[k] = s
		}
	}
	if token, ok := args["token"].(string); ok && token != "" {
		pc.Auth = &gateway.AuthConfig{Kind: gateway.AuthBearer, Token: token}
	}

	switch {
	case pc.Command == "" && pc.URL == "":
		return pc, fmt.Errorf("%w: provider needs a command or a url", gateway.ErrInvalidRequest)
	case pc.Command != "" && pc.URL != "":
		return pc, fmt.Errorf("%w: provider cannot have both a command and a url", gateway.ErrInvalidRequest)
	}
	return pc, nil
}

// consentSchema asks for no payload; the action itself is the verdict.
var consentSchema = map[string]any{"type": "object", "properties": map[string]any{}}

func textStep(text string) Step {
	return Step{Result: &gateway.CallResult{Content: []gateway.Content{gateway.TextContent(text)}}}
}

func refusedStep(text string) Step {
	s := textStep(text)
	s.Result.IsError = true
	return s
}

func mutationsDisabledStep() Step {
	return refusedStep("Managing providers is disabled outside extension mode.")
}

// verdictStep explains a non-accepted answer to the model so it can tell the
// user what happened.
func verdictStep(answer confirm.Result, what string) Step {
	switch answer.Action {
	case confirm.ActionDecline:
		return refusedStep("The user declined " + what + ".")
	case confirm.ActionPending:
		return refusedStep("The confirmation dialog timed out before the user answered; ask them to retry " + what + ".")
	default:
		return refusedStep("The user dismissed the confirmation for " + what + "; ask again if they still want it.")
	}
}
