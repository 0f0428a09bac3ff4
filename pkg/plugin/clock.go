// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tooldeck/tooldeck/pkg/gateway"
)

// ClockPlugin tells the time. It ships so a fresh install has a tool to poke
// at before any provider is configured, and it doubles as the trivial
// in-process provider in tests.
type ClockPlugin struct {
	now func() time.Time
}

// NewClockPlugin builds the time plugin.
func NewClockPlugin() *ClockPlugin {
	return &ClockPlugin{now: time.Now}
}

// Name implements ToolProvider.
func (*ClockPlugin) Name() string {
	return "time"
}

// ListTools implements ToolProvider.
func (*ClockPlugin) ListTools(context.Context) ([]Descriptor, error) {
	return []Descriptor{{
		Name:        "now",
		Description: "Current date and time, optionally in a named timezone.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA timezone name, e.g. Europe/Berlin; defaults to the gateway's local zone"}}}`),
	}}, nil
}

// CallTool implements ToolProvider.
func (c *ClockPlugin) CallTool(_ context.Context, name string, args map[string]any) (*gateway.CallResult, error) {
	if name != "now" {
		return nil, fmt.Errorf("%w: time has no tool %q", gateway.ErrToolNotFound, name)
	}

	loc := time.Local
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return &gateway.CallResult{
				Content: []gateway.Content{gateway.TextContent(fmt.Sprintf("Unknown timezone %q.", tz))},
				IsError: true,
			}, nil
		}
	}

	now := c.now().In(loc)
	iso := now.Format(time.RFC3339)
	return &gateway.CallResult{
		Content: []gateway.Content{gateway.TextContent(iso)},
		StructuredContent: map[string]any{
			"iso":      iso,
			"unix":     now.Unix(),
			"timezone": loc.String(),
		},
	}, nil
}
