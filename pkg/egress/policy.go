// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package egress

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tooldeck/tooldeck/pkg/gateway"
	"github.com/tooldeck/tooldeck/pkg/logger"
)

// Action is what the policy does with a destination class.
type Action string

const (
	// ActionAllow lets the connection proceed without a prompt.
	ActionAllow Action = "allow"
	// ActionDeny refuses the connection without a prompt.
	ActionDeny Action = "deny"
	// ActionAsk suspends the connection while the user is prompted.
	ActionAsk Action = "ask"
)

// Rules maps each destination class to an action. Classes missing from the
// map are denied.
type Rules map[Class]Action

// DefaultRules allows loopback and public internet, prompts for private and
// link-local ranges, and prompts for names that did not resolve.
func DefaultRules() Rules {
	return Rules{
		ClassLoopback:           ActionAllow,
		ClassPrivateLAN:         ActionAsk,
		ClassLinkLocal:          ActionAsk,
		ClassPublicInternet:     ActionAllow,
		ClassUnresolvedHostname: ActionAsk,
	}
}

// Prompter asks the user whether a destination may be contacted. Implemented
// over the confirmation channel; nil when the host offers no way to ask.
type Prompter interface {
	ApproveEgress(ctx context.Context, destination string, class Class) (bool, error)
}

// BlockedError is returned for destinations the policy refused.
type BlockedError struct {
	Destination string
	Class       Class
	Reason      string
}

// Error implements the error interface.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("egress to %s blocked (%s): %s", e.Destination, e.Class, e.Reason)
}

// Unwrap ties every blocked destination to the gateway error taxonomy.
func (e *BlockedError) Unwrap() error {
	return gateway.ErrNetworkBlocked
}

// Policy gates outbound connections for one sandbox invocation. Decisions
// are cached per host:port for the policy's lifetime, so a destination is
// prompted at most once per run.
type Policy struct {
	classifier *Classifier
	rules      Rules
	prompter   Prompter

	prompts singleflight.Group

	mu        sync.Mutex
	decisions map[string]decision
}

type decision struct {
	allowed bool
	class   Class
	reason  string
}

// NewPolicy builds a policy from rules, a classifier and an optional
// prompter. Nil rules fall back to DefaultRules; a nil classifier uses the
// system resolver.
func NewPolicy(rules Rules, classifier *Classifier, prompter Prompter) *Policy {
	if rules == nil {
		rules = DefaultRules()
	}
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	return &Policy{
		classifier: classifier,
		rules:      rules,
		prompter:   prompter,
		decisions:  make(map[string]decision),
	}
}

// Authorize decides whether host:port may be contacted. It returns nil when
// the connection may proceed and a *BlockedError otherwise. Prompting for
// the same destination is collapsed: concurrent callers share one prompt.
func (p *Policy) Authorize(ctx context.Context, host, port string) error {
	key := net.JoinHostPort(strings.ToLower(strings.Trim(host, "[]")), port)

	if dec, ok := p.cached(key); ok {
		return dec.err(key)
	}

	result, err, _ := p.prompts.Do(key, func() (any, error) {
		return p.decide(ctx, key, host), nil
	})
	if err != nil {
		// The singleflight callback never fails; only context teardown
		// mid-flight lands here.
		return &BlockedError{Destination: key, Reason: err.Error()}
	}
	return result.(decision).err(key)
}

func (d decision) err(destination string) error {
	if d.allowed {
		return nil
	}
	return &BlockedError{Destination: destination, Class: d.class, Reason: d.reason}
}

func (p *Policy) cached(key string) (decision, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dec, ok := p.decisions[key]
	return dec, ok
}

func (p *Policy) record(key string, dec decision) decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions[key] = dec
	return dec
}

// decide classifies the destination and applies the configured action.
// Definitive outcomes are cached; a prompt that errored (timed out, channel
// broke) denies this attempt but leaves the cache empty so the user can
// retry.
func (p *Policy) decide(ctx context.Context, key, host string) decision {
	if dec, ok := p.cached(key); ok {
		return dec
	}

	class := p.classifier.Classify(ctx, host)
	action, ok := p.rules[class]
	if !ok {
		action = ActionDeny
	}

	switch action {
	case ActionAllow:
		return p.record(key, decision{allowed: true, class: class})
	case ActionAsk:
		if p.prompter == nil {
			return p.record(key, decision{
				class:  class,
				reason: "consent required but host offers no confirmation channel",
			})
		}
		start := time.Now()
		approved, err := p.prompter.ApproveEgress(ctx, key, class)
		if err != nil {
			logger.Warnw("egress prompt failed", "destination", key, "error", err)
			return decision{class: class, reason: "consent request failed: " + err.Error()}
		}
		logger.Debugw("egress prompt answered",
			"destination", key, "class", class, "approved", approved, "elapsed", time.Since(start))
		if approved {
			return p.record(key, decision{allowed: true, class: class})
		}
		return p.record(key, decision{class: class, reason: "denied by user"})
	default:
		return p.record(key, decision{class: class, reason: "denied by policy"})
	}
}

// DialContext authorizes the destination and then dials it. Installed as an
// http.Transport DialContext so every connection, including ones triggered
// by redirects, passes through the policy.
func (p *Policy) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid dial address %q: %w", address, err)
	}
	if err := p.Authorize(ctx, host, port); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return dialer.DialContext(ctx, network, address)
}
