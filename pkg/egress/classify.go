// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package egress classifies outbound network destinations and gates them
// behind a per-invocation consent policy. The sandbox's brokered fetch and
// any other guarded client dial through it.
package egress

import (
	"context"
	"net"
	"strings"
)

// Class buckets a destination by where its address points.
type Class string

const (
	// ClassLoopback is 127.0.0.0/8, ::1 and the unspecified address.
	ClassLoopback Class = "loopback"
	// ClassPrivateLAN is RFC 1918 space and IPv6 ULA.
	ClassPrivateLAN Class = "private_lan"
	// ClassLinkLocal is 169.254.0.0/16 and fe80::/10, which includes
	// cloud metadata endpoints.
	ClassLinkLocal Class = "link_local"
	// ClassPublicInternet is everything with a public route.
	ClassPublicInternet Class = "public_internet"
	// ClassUnresolvedHostname marks names the resolver could not answer.
	ClassUnresolvedHostname Class = "unresolved_hostname"
)

// severity orders classes for hostnames that resolve to a mix of address
// ranges: the destination is treated as its most sensitive member.
var severity = map[Class]int{
	ClassPublicInternet:     0,
	ClassLoopback:           1,
	ClassPrivateLAN:         2,
	ClassLinkLocal:          3,
	ClassUnresolvedHostname: 4,
}

// Resolver is the DNS lookup surface the classifier needs. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Classifier maps a host (literal IP or name) to a Class.
type Classifier struct {
	resolver Resolver
}

// NewClassifier returns a classifier backed by the given resolver, or the
// system resolver when nil.
func NewClassifier(resolver Resolver) *Classifier {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Classifier{resolver: resolver}
}

// Classify determines the class of a destination host. Literal IPs are
// classified directly; names are resolved and, when the answers span
// several ranges, the most sensitive one wins.
func (c *Classifier) Classify(ctx context.Context, host string) Class {
	host = strings.Trim(host, "[]")

	if ip := net.ParseIP(host); ip != nil {
		return ClassifyIP(ip)
	}

	ips, err := c.resolver.LookupIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return ClassUnresolvedHostname
	}

	class := ClassPublicInternet
	for _, ip := range ips {
		if ipClass := ClassifyIP(ip); severity[ipClass] > severity[class] {
			class = ipClass
		}
	}
	return class
}

// ClassifyIP buckets a single address.
func ClassifyIP(ip net.IP) Class {
	switch {
	case ip.IsLoopback():
		return ClassLoopback
	case ip.IsUnspecified():
		// Dialing 0.0.0.0 or :: reaches the local host.
		return ClassLoopback
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return ClassLinkLocal
	case ip.IsPrivate():
		return ClassPrivateLAN
	default:
		return ClassPublicInternet
	}
}
