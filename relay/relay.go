// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package relay glues a TUN device to a user-space TCP/IP engine,
// diverting fake-DNS traffic into a DoH transport and forwarding
// everything else through protected sockets.
package relay

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/rethinkdns/intra-dataplane/doh"
	"github.com/rethinkdns/intra-dataplane/engine"
	"github.com/rethinkdns/intra-dataplane/internal/logx"
)

var errNilTransport = errors.New("relay: doh transport must not be nil")

const bridgeMTU = 1500

// Config configures a Relay.
type Config struct {
	// FakeDNS is the host:port the guest OS believes is its DNS server.
	FakeDNS netip.AddrPort
	// Dialer opens outbound TCP/UDP sockets; typically one returned by
	// protect.MakeDialer or protect.MakeNsDialer. Defaults to a vanilla
	// *net.Dialer when nil.
	Dialer *net.Dialer
	// Listener receives one summary per TCP/UDP flow. May be nil.
	Listener SocketListener
	// SNIReporter, if set, is called after OnTCPSocketClosed for flows
	// that carry a non-empty observed SNI. It is a pure consumer of the
	// summary, not part of the summary's emission contract.
	SNIReporter func(*TCPSocketSummary)
	// Tap, if set, receives a best-effort copy of every packet read off
	// the TUN device before it reaches the engine. A failing Tap never
	// breaks the real bridge; Tap.Write runs on the bridge goroutine, so a
	// Tap that blocks also holds up the bridge.
	Tap io.Writer
}

// Relay bridges a TUN file descriptor and an engine.Engine, dispatching
// fake-DNS flows into a DoH transport.
type Relay struct {
	eng engine.Engine
	tun io.ReadWriteCloser
	sd  *streamDialer
	pp  *packetProxy

	closeOnce sync.Once
}

// New wires tun (the raw TUN device, already opened by the caller) to
// eng, installing a StreamDialer/PacketProxy that divert fake-DNS
// traffic to transport, and starts the bidirectional bridge.
func New(tun io.ReadWriteCloser, eng engine.Engine, transport doh.Transport, cfg Config) (*Relay, error) {
	if transport == nil {
		return nil, errNilTransport
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	listener := cfg.Listener
	if listener == nil {
		listener = nopListener{}
	}

	sd := &streamDialer{fakeDNS: cfg.FakeDNS, dialer: cfg.Dialer, listener: listener, sniReporter: cfg.SNIReporter}
	sd.doh.Store(&transport)

	pp := &packetProxy{fakeDNS: cfg.FakeDNS, dialer: cfg.Dialer, listener: listener}
	pp.doh.Store(&transport)

	eng.SetStreamDialer(sd)
	eng.SetPacketProxy(pp)

	r := &Relay{eng: eng, tun: tun, sd: sd, pp: pp}

	inbound := io.Writer(r.eng)
	if cfg.Tap != nil {
		inbound = io.MultiWriter(r.eng, bestEffortWriter{cfg.Tap})
	}
	go r.bridge(inbound, r.tun, "tun->engine")
	go r.bridge(r.tun, r.eng, "engine->tun")

	logx.I("relay: started", "fakedns", cfg.FakeDNS)
	return r, nil
}

// UpdateDoH atomically swaps the DoH transport used by the fake-DNS
// branches of both the stream dialer and the packet proxy. In-flight
// queries finish on their original transport.
func (r *Relay) UpdateDoH(t doh.Transport) {
	if t == nil {
		return
	}
	r.sd.doh.Store(&t)
	r.pp.doh.Store(&t)
	logx.I("relay: doh transport updated")
}

// Close tears down the engine; the bridge goroutines exit once their
// next read or write observes the resulting closed-pipe error.
func (r *Relay) Close() (err error) {
	r.closeOnce.Do(func() {
		err = r.eng.Close()
	})
	return err
}

func (r *Relay) bridge(dst io.Writer, src io.Reader, dir string) {
	logx.D("relay: bridge start", "dir", dir)
	defer logx.D("relay: bridge stop", "dir", dir)

	buf := make([]byte, bridgeMTU)
	for {
		_, err := io.CopyBuffer(dst, src, buf)
		if err == nil || isErrClosed(err) {
			return
		}
		logx.W("relay: bridge error, continuing", "dir", dir, "err", err)
	}
}

// bestEffortWriter never reports an error or short write, so a failing
// pcap sink cannot break the real TUN<->engine copy. It calls the wrapped
// Write synchronously and does not guard against a slow sink.
type bestEffortWriter struct{ w io.Writer }

func (b bestEffortWriter) Write(p []byte) (int, error) {
	_, _ = b.w.Write(p)
	return len(p), nil
}

func isErrClosed(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
