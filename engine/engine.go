// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package engine declares the narrow capability ports the tunnel relay
// plugs into a user-space TCP/IP stack: a stream dialer for accepted TCP
// flows and a packet proxy for UDP datagrams. Reassembly of IP packets
// into flows is an external collaborator's job (a gVisor-based netstack
// in the originating codebase); this package never touches an IP header.
package engine

import (
	"context"
	"io"
	"net/netip"

	"github.com/Jigsaw-Code/outline-sdk/transport"
)

// StreamConn is a full-duplex byte stream with independent half-close.
type StreamConn = transport.StreamConn

// StreamDialer opens a StreamConn to raddr ("host:port"), invoked by the
// Engine once it has accepted a TCP flow off the TUN device.
type StreamDialer = transport.StreamDialer

// PacketResponseWriter lets a PacketSession deliver datagrams back
// towards the TUN device, addressed as if sent from src.
type PacketResponseWriter interface {
	WriteFrom(p []byte, src netip.AddrPort) (int, error)
}

// PacketSession handles datagrams for one UDP association for as long
// as the Engine considers it alive.
type PacketSession interface {
	io.Closer
	WriteTo(p []byte, dst netip.AddrPort) (int, error)
}

// PacketProxy is consulted once per distinct UDP association the Engine
// observes coming off the TUN device.
type PacketProxy interface {
	NewSession(respWriter PacketResponseWriter) (PacketSession, error)
}

// Engine is the IP-device side of the tunnel: it reads/writes whole IP
// packets and dispatches accepted flows to the installed StreamDialer /
// PacketProxy. A concrete Engine (not implemented in this module; see
// Non-goals) owns all IP/TCP/UDP reassembly.
type Engine interface {
	io.ReadWriteCloser
	// SetStreamDialer installs the dialer used for every TCP flow the
	// engine accepts from here on. Safe to call before flows exist.
	SetStreamDialer(StreamDialer)
	// SetPacketProxy installs the proxy used for every UDP datagram the
	// engine accepts from here on.
	SetPacketProxy(PacketProxy)
	// MTU reports the device's maximum transmission unit.
	MTU() int
}

// DialStreamFunc adapts a plain function to a StreamDialer.
type DialStreamFunc func(ctx context.Context, raddr string) (StreamConn, error)

func (f DialStreamFunc) Dial(ctx context.Context, raddr string) (StreamConn, error) {
	return f(ctx, raddr)
}
