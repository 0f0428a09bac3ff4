// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tooldeck/tooldeck/pkg/egress"
	"github.com/tooldeck/tooldeck/pkg/gateway"
)

// Profile is one on-disk provider deck: profiles/<name>.json. The file is
// read by the gateway and mutated externally (an editor, or the deck tools
// through the store), so it stays plain indented JSON.
type Profile struct {
	// Providers are the downstream servers this deck aggregates.
	Providers []gateway.ProviderConfig `json:"providers"`

	// Egress overrides the default per-class egress actions. Classes not
	// named keep their defaults.
	Egress egress.Rules `json:"egress,omitempty"`

	// Limits tunes connection-management ceilings; nil keeps defaults.
	Limits *Limits `json:"limits,omitempty"`
}

// Limits are the optional connection-management ceilings of a profile.
// Zero fields keep the built-in defaults.
type Limits struct {
	// HighWater is the per-provider inflight ceiling.
	HighWater int `json:"highWater,omitempty"`

	// PerProviderLimit additionally bounds concurrent dispatch per
	// provider with a semaphore.
	PerProviderLimit int `json:"perProviderLimit,omitempty"`

	// HandshakeConcurrency bounds simultaneous provider handshakes.
	HandshakeConcurrency int `json:"handshakeConcurrency,omitempty"`

	// HandshakeTimeout bounds each provider initialize.
	HandshakeTimeout Duration `json:"handshakeTimeout,omitempty"`

	// ShutdownGrace bounds the concurrent provider shutdown.
	ShutdownGrace Duration `json:"shutdownGrace,omitempty"`
}

// DefaultProfile is the deck served when the named profile has no file yet:
// no providers, default egress.
func DefaultProfile() *Profile {
	return &Profile{Providers: []gateway.ProviderConfig{}}
}

// Validate checks the document shape: provider entries must be named,
// unique, and exactly one transport variant; egress overrides must name
// known classes and actions; limits must not be negative.
func (p *Profile) Validate() error {
	seen := make(map[string]struct{}, len(p.Providers))
	for i := range p.Providers {
		pc := &p.Providers[i]
		if err := validateProvider(pc); err != nil {
			return err
		}
		if _, dup := seen[pc.Name]; dup {
			return fmt.Errorf("%w: provider %q configured twice", gateway.ErrInvalidConfig, pc.Name)
		}
		seen[pc.Name] = struct{}{}
	}

	if err := validateEgress(p.Egress); err != nil {
		return err
	}
	if p.Limits != nil {
		if err := p.Limits.validate(); err != nil {
			return err
		}
	}
	return nil
}

func validateProvider(pc *gateway.ProviderConfig) error {
	if pc.Name == "" {
		return fmt.Errorf("%w: provider with empty name", gateway.ErrInvalidConfig)
	}
	if strings.ContainsAny(pc.Name, ": \t\n") {
		return fmt.Errorf("%w: provider name %q may not contain %q or whitespace", gateway.ErrInvalidConfig, pc.Name, ":")
	}
	if pc.Internal {
		return fmt.Errorf("%w: provider %q: internal providers are not configured in profiles", gateway.ErrInvalidConfig, pc.Name)
	}
	switch {
	case pc.Command != "" && pc.URL != "":
		return fmt.Errorf("%w: provider %q names both a command and a url", gateway.ErrInvalidConfig, pc.Name)
	case pc.Command == "" && pc.URL == "":
		return fmt.Errorf("%w: provider %q names neither a command nor a url", gateway.ErrInvalidConfig, pc.Name)
	}
	if pc.Command == "" && len(pc.Args) > 0 {
		return fmt.Errorf("%w: provider %q has args but no command", gateway.ErrInvalidConfig, pc.Name)
	}
	return nil
}

func validateEgress(rules egress.Rules) error {
	for class, action := range rules {
		switch class {
		case egress.ClassLoopback, egress.ClassPrivateLAN, egress.ClassLinkLocal,
			egress.ClassPublicInternet, egress.ClassUnresolvedHostname:
		default:
			return fmt.Errorf("%w: unknown egress class %q", gateway.ErrInvalidConfig, class)
		}
		switch action {
		case egress.ActionAllow, egress.ActionDeny, egress.ActionAsk:
		default:
			return fmt.Errorf("%w: unknown egress action %q for class %q", gateway.ErrInvalidConfig, action, class)
		}
	}
	return nil
}

func (l *Limits) validate() error {
	switch {
	case l.HighWater < 0:
		return fmt.Errorf("%w: limits.highWater is negative", gateway.ErrInvalidConfig)
	case l.PerProviderLimit < 0:
		return fmt.Errorf("%w: limits.perProviderLimit is negative", gateway.ErrInvalidConfig)
	case l.HandshakeConcurrency < 0:
		return fmt.Errorf("%w: limits.handshakeConcurrency is negative", gateway.ErrInvalidConfig)
	case l.HandshakeTimeout < 0:
		return fmt.Errorf("%w: limits.handshakeTimeout is negative", gateway.ErrInvalidConfig)
	case l.ShutdownGrace < 0:
		return fmt.Errorf("%w: limits.shutdownGrace is negative", gateway.ErrInvalidConfig)
	}
	return nil
}

// EgressRules returns the effective per-class actions: the defaults with
// the profile's overrides applied.
func (p *Profile) EgressRules() egress.Rules {
	rules := egress.DefaultRules()
	for class, action := range p.Egress {
		rules[class] = action
	}
	return rules
}

// Duration marshals as a human-readable string ("30s") in profile JSON. A
// bare number is accepted on read and taken as nanoseconds.
type Duration time.Duration

// Duration converts to the time package's type.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// MarshalJSON renders the duration in time.Duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "30s" style strings and bare nanosecond numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("duration must be a string or a number, got %T", v)
	}
	return nil
}
