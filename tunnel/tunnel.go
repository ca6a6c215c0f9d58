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

// Package tunnel is the lifecycle and listener facade: it constructs the
// relay over a TUN device and an engine, owns the atomically-swappable
// DoH transport slot, and exposes the optional pcap tap.
package tunnel

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/rethinkdns/intra-dataplane/doh"
	"github.com/rethinkdns/intra-dataplane/engine"
	"github.com/rethinkdns/intra-dataplane/internal/logx"
	"github.com/rethinkdns/intra-dataplane/relay"
)

var (
	errNoTransport  = errors.New("tunnel: initial doh transport must not be nil")
	errDisconnected = errors.New("tunnel: already disconnected")
)

// Tunnel represents a running Intra session.
type Tunnel interface {
	// IsConnected reports whether Disconnect has not yet run.
	IsConnected() bool
	// Disconnect tears the session down; idempotent.
	Disconnect()
	// UpdateDoH atomically replaces the active DoH transport. Last
	// writer wins; readers (the relay's dial paths) never observe a
	// torn value.
	UpdateDoH(doh.Transport) error
	// Load returns the currently active DoH transport.
	Load() doh.Transport
	// SetPcap attaches (sink non-nil) or detaches (sink nil) a
	// packet-capture sink. Safe to call at any time; a slow sink never
	// blocks the bridge.
	SetPcap(sink io.WriteCloser) error
}

// Config configures a Tunnel.
type Config struct {
	FakeDNS     netip.AddrPort
	Dialer      *net.Dialer
	Listener    relay.SocketListener
	SNIReporter func(*relay.TCPSocketSummary)
}

type tunnel struct {
	dohSlot atomic.Pointer[doh.Transport]
	rel     *relay.Relay
	pcap    *pcapsink
	closed  atomic.Bool
	once    sync.Once
}

var _ Tunnel = (*tunnel)(nil)

// pcapsink is a passive tap on the relay's TUN-bound bridge, adapted
// from the teacher's own pcap sink: writes are queued asynchronously so
// a slow or absent sink never backs up the real copy loop.
type pcapsink struct {
	mu   sync.RWMutex
	sink io.WriteCloser
}

func (p *pcapsink) Write(b []byte) (int, error) {
	go p.writeAsync(b)
	return len(b), nil
}

func (p *pcapsink) writeAsync(b []byte) {
	p.mu.RLock()
	w := p.sink
	p.mu.RUnlock()
	if w != nil {
		_, _ = w.Write(b)
	}
}

func (p *pcapsink) attach(w io.WriteCloser) error {
	p.mu.Lock()
	old := p.sink
	p.sink = w
	p.mu.Unlock()

	if old != nil {
		return old.Close()
	}
	return nil
}

// New constructs a Tunnel over tun and eng, routing fake-DNS traffic
// into initial and everything else through relay.Config's dialer.
func New(tun io.ReadWriteCloser, eng engine.Engine, initial doh.Transport, cfg Config) (Tunnel, error) {
	if initial == nil {
		return nil, errNoTransport
	}

	t := &tunnel{pcap: new(pcapsink)}
	t.dohSlot.Store(&initial)

	rel, err := relay.New(tun, eng, initial, relay.Config{
		FakeDNS:     cfg.FakeDNS,
		Dialer:      cfg.Dialer,
		Listener:    cfg.Listener,
		SNIReporter: cfg.SNIReporter,
		Tap:         t.pcap,
	})
	if err != nil {
		return nil, err
	}
	t.rel = rel

	logx.I("tunnel: session started", "fakedns", cfg.FakeDNS)
	return t, nil
}

func (t *tunnel) IsConnected() bool { return !t.closed.Load() }

func (t *tunnel) Load() doh.Transport {
	p := t.dohSlot.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (t *tunnel) UpdateDoH(d doh.Transport) error {
	if d == nil {
		return errors.New("tunnel: doh transport must not be nil")
	}
	if t.closed.Load() {
		return errDisconnected
	}
	t.dohSlot.Store(&d)
	t.rel.UpdateDoH(d)
	logx.I("tunnel: doh transport swapped")
	return nil
}

func (t *tunnel) SetPcap(sink io.WriteCloser) error {
	return t.pcap.attach(sink)
}

func (t *tunnel) Disconnect() {
	t.once.Do(func() {
		t.closed.Store(true)
		relErr := t.rel.Close()
		pcapErr := t.pcap.attach(nil)
		logx.I("tunnel: disconnected", "relay-err", relErr, "pcap-err", pcapErr)
	})
}
