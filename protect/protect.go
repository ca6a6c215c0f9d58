// Copyright (c) 2020 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This file incorporates work covered by the following copyright and
// permission notice:
//
//     Copyright 2019 The Outline Authors
//
//     Licensed under the Apache License, Version 2.0 (the "License");
//     you may not use this file except in compliance with the License.
//     You may obtain a copy of the License at
//
//          http://www.apache.org/licenses/LICENSE-2.0
//
//     Unless required by applicable law or agreed to in writing, software
//     distributed under the License is distributed on an "AS IS" BASIS,
//     WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//     See the License for the specific language governing permissions and
//     limitations under the License.

// Package protect builds dialers and packet listeners whose sockets are
// handed to the host VPN service for exclusion from the tunnel, so the
// dataplane's own TCP/UDP traffic never loops back into itself.
package protect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"syscall"

	"github.com/rethinkdns/intra-dataplane/internal/logx"
)

// Protector lets the host OS exclude a raw socket from the VPN tunnel and
// reports the system's configured DNS resolvers so the dataplane's own
// bootstrap lookups can reach them directly.
type Protector interface {
	// Protect excludes fd from the VPN. Returns false if the host refused;
	// failure is not fatal, it surfaces later as an ordinary I/O error.
	Protect(fd int32) bool

	// GetResolvers returns a comma-separated list of the system's
	// configured DNS resolvers, in descending priority order.
	GetResolvers() string
}

// Controller is the multi-network capable variant of Protector, used by
// dialers that must pick an explicit outbound interface rather than rely
// on the default route (the relay's TCP/UDP handlers use this shape; the
// DoH transport's own dialer uses the simpler Protector).
type Controller interface {
	// Bind4 asks the host to bind fd to an internet-capable IPv4 interface.
	Bind4(who string, fd int)
	// Bind6 asks the host to bind fd to an internet-capable IPv6 interface.
	Bind6(who string, fd int)
}

// socketControl is the shape syscall.RawConn.Control expects from
// net.Dialer/net.ListenConfig's Control field: it receives the raw fd
// before connect()/bind() so the caller can hand it to the host.
type socketControl = func(network, address string, c syscall.RawConn) error

// withRawFD adapts a plain fd callback into a socketControl, so neither
// the Protector path nor the Controller path below has to repeat the
// c.Control(func(fd uintptr) {...}) boilerplate.
func withRawFD(fn func(network string, fd uintptr)) socketControl {
	return func(network, address string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) { fn(network, fd) })
	}
}

func protectControl(p Protector) socketControl {
	return withRawFD(func(network string, fd uintptr) {
		if !p.Protect(int32(fd)) {
			logx.W("protect: failed to protect socket", "network", network)
		}
	})
}

func bindControl(who string, c Controller) socketControl {
	return withRawFD(func(network string, fd uintptr) {
		if strings.HasSuffix(network, "6") {
			c.Bind6(who, int(fd))
			return
		}
		c.Bind4(who, int(fd))
	})
}

// preferredResolver picks the resolver from candidates whose address
// family matches v4, falling back to the first candidate if the
// preferred family isn't represented. Unparseable entries are skipped.
func preferredResolver(candidates []string, v4 bool) (netip.Addr, bool) {
	var fallback netip.Addr
	haveFallback := false

	for _, c := range candidates {
		addr, err := netip.ParseAddr(strings.TrimSpace(c))
		if err != nil {
			continue
		}
		if !haveFallback {
			fallback, haveFallback = addr, true
		}
		if addr.Is4() == v4 {
			return addr, true
		}
	}
	return fallback, haveFallback
}

// rewriteResolverAddr swaps addr's host for one of the system resolvers
// in csv (comma-separated, descending priority), preferring one that
// shares addr's address family.
func rewriteResolverAddr(addr, csv string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	origIP, err := netip.ParseAddr(host)
	if err != nil {
		return "", fmt.Errorf("protect: cannot parse resolver ip: %s", host)
	}

	candidates := strings.Split(csv, ",")
	picked, ok := preferredResolver(candidates, origIP.Is4())
	if !ok {
		return "", errors.New("protect: no resolvers")
	}
	return net.JoinHostPort(picked.String(), port), nil
}

// MakeDialer returns a *net.Dialer whose sockets (including those opened
// by its own resolver) are protected via p. A nil Protector yields a
// vanilla dialer.
func MakeDialer(p Protector) *net.Dialer {
	if p == nil {
		return &net.Dialer{}
	}
	d := &net.Dialer{Control: protectControl(p)}
	d.Resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			rewritten, err := rewriteResolverAddr(address, p.GetResolvers())
			if err != nil {
				return nil, err
			}
			return d.DialContext(ctx, network, rewritten)
		},
	}
	return d
}

// MakeListenConfig returns a *net.ListenConfig whose listener sockets are
// protected via p. A nil Protector yields a vanilla listen config.
func MakeListenConfig(p Protector) *net.ListenConfig {
	if p == nil {
		return &net.ListenConfig{}
	}
	return &net.ListenConfig{Control: protectControl(p)}
}

// MakeNsDialer returns a *net.Dialer bound to an explicit network
// interface via Controller, used by the relay's per-flow dialers rather
// than the DoH transport's own bootstrap dialer. A nil Controller yields
// a vanilla dialer.
func MakeNsDialer(who string, c Controller) *net.Dialer {
	if c == nil {
		return &net.Dialer{}
	}
	return &net.Dialer{Control: bindControl(who, c)}
}

// MakeNsListenConfig is the Controller-based analogue of MakeListenConfig.
func MakeNsListenConfig(who string, c Controller) *net.ListenConfig {
	if c == nil {
		return &net.ListenConfig{}
	}
	return &net.ListenConfig{Control: bindControl(who, c)}
}
