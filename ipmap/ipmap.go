// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ipmap maintains, per hostname, a pool of candidate IP addresses
// and a single "confirmed" slot naming the address most recently known to
// work. It is the foundation the DoH transport's dial function consults
// before falling back to a fresh address.
package ipmap

import (
	"net/netip"
	"sync"

	"github.com/rethinkdns/intra-dataplane/internal/logx"
)

// Resolver looks up a hostname's addresses via the system or protected
// resolver. Implementations must tolerate zero results without error.
type Resolver func(hostname string) ([]netip.Addr, error)

// IPMap maps hostnames to Endpoints, lazily resolving on first Get.
type IPMap struct {
	mu       sync.Mutex
	m        map[string]*Endpoint
	resolver Resolver
}

// NewIPMap returns an IPMap that resolves hostnames through resolver.
// resolver may be nil, in which case Endpoints start empty until Add is
// called explicitly.
func NewIPMap(resolver Resolver) *IPMap {
	return &IPMap{
		m:        make(map[string]*Endpoint),
		resolver: resolver,
	}
}

// Get returns the Endpoint for hostname, creating and resolving it on the
// first call. Resolution failure is tolerated; the Endpoint may start
// empty and be populated later via Add.
func (im *IPMap) Get(hostname string) *Endpoint {
	im.mu.Lock()
	e, ok := im.m[hostname]
	if !ok {
		e = newEndpoint(hostname, im.resolver)
		im.m[hostname] = e
	}
	im.mu.Unlock()

	if !ok {
		e.resolve(hostname)
	}
	return e
}

// GetAny returns the Endpoint for hostname if one already exists, without
// creating it.
func (im *IPMap) GetAny(hostname string) *Endpoint {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.m[hostname]
}

// Of returns the Endpoint for hostname after seeding it with addrsOrHosts,
// creating it first if necessary.
func (im *IPMap) Of(hostname string, addrsOrHosts []string) *Endpoint {
	e := im.Get(hostname)
	e.Add(addrsOrHosts...)
	return e
}

// With replaces the resolver used for future lookups.
func (im *IPMap) With(r Resolver) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.resolver = r
}

// Endpoint is a hostname's address pool plus the single confirmed slot.
type Endpoint struct {
	mu        sync.Mutex
	hostname  string
	addrs     []netip.Addr
	confirmed netip.Addr
	resolver  Resolver
}

func newEndpoint(hostname string, r Resolver) *Endpoint {
	return &Endpoint{hostname: hostname, resolver: r}
}

func (e *Endpoint) resolve(hostname string) {
	if e.resolver == nil {
		return
	}
	addrs, err := e.resolver(hostname)
	if err != nil {
		logx.W("ipmap: resolve failed", "host", hostname, "err", err)
		return
	}
	e.Add(addrsToStrings(addrs)...)
}

func addrsToStrings(addrs []netip.Addr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// Add appends addresses to the pool, resolving any entry that is not
// itself a literal IP address through the Endpoint's resolver. Duplicate
// addresses (by address bytes) are dropped.
func (e *Endpoint) Add(addrsOrHosts ...string) {
	for _, s := range addrsOrHosts {
		if s == "" {
			continue
		}
		if ip, err := netip.ParseAddr(s); err == nil {
			e.addUnique(ip)
			continue
		}
		if e.resolver == nil {
			continue
		}
		resolved, err := e.resolver(s)
		if err != nil {
			logx.W("ipmap: resolve failed", "host", s, "err", err)
			continue
		}
		for _, ip := range resolved {
			e.addUnique(ip)
		}
	}
}

func (e *Endpoint) addUnique(ip netip.Addr) {
	if !ip.IsValid() || ip.IsLoopback() {
		return
	}
	ip = ip.Unmap()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, have := range e.addrs {
		if have == ip {
			return
		}
	}
	e.addrs = append(e.addrs, ip)
}

// GetAll returns a snapshot of the address set in insertion order.
func (e *Endpoint) GetAll() []netip.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]netip.Addr, len(e.addrs))
	copy(out, e.addrs)
	return out
}

// Confirmed returns the confirmed address, or the zero value if unset.
func (e *Endpoint) Confirmed() netip.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmed
}

// Confirm sets the confirmed slot to addr, provided addr is a member of
// the address set (adding it otherwise is the caller's job via Add).
func (e *Endpoint) Confirm(addr netip.Addr) {
	if !addr.IsValid() {
		return
	}
	addr = addr.Unmap()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, have := range e.addrs {
		if have == addr {
			e.confirmed = addr
			return
		}
	}
}

// Disconfirm clears the confirmed slot iff it currently equals addr,
// tolerating concurrent races with a fresh Confirm.
func (e *Endpoint) Disconfirm(addr netip.Addr) {
	if !addr.IsValid() {
		return
	}
	addr = addr.Unmap()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.confirmed == addr {
		e.confirmed = netip.Addr{}
	}
}

// Empty reports whether the address set is empty.
func (e *Endpoint) Empty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.addrs) == 0
}
