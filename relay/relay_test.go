// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rethinkdns/intra-dataplane/doh"
	"github.com/rethinkdns/intra-dataplane/engine"
)

// fakeTransport is a minimal doh.Transport test double that echoes the
// query bytes back as the response.
type fakeTransport struct{ tag string }

func (f fakeTransport) Query(_ context.Context, q []byte) ([]byte, error) {
	resp := make([]byte, len(q))
	copy(resp, q)
	return resp, nil
}
func (f fakeTransport) Probe() error   { return nil }
func (f fakeTransport) GetURL() string { return f.tag }

type fakeEngine struct {
	net.Conn
	mtu int
	sd  engine.StreamDialer
	pp  engine.PacketProxy
}

func (e *fakeEngine) SetStreamDialer(d engine.StreamDialer) { e.sd = d }
func (e *fakeEngine) SetPacketProxy(p engine.PacketProxy)   { e.pp = p }
func (e *fakeEngine) MTU() int                              { return e.mtu }

var _ engine.Engine = (*fakeEngine)(nil)

func TestRelayInstallsCapabilityPorts(t *testing.T) {
	_, engSide := net.Pipe()
	eng := &fakeEngine{Conn: engSide, mtu: 1500}
	tun, _ := net.Pipe()

	var tr doh.Transport = fakeTransport{tag: "a"}
	r, err := New(tun, eng, tr, Config{FakeDNS: netip.MustParseAddrPort("127.0.0.1:53")})
	require.NoError(t, err)
	require.NotNil(t, eng.sd)
	require.NotNil(t, eng.pp)
	require.NoError(t, r.Close())
}

func TestRelayRejectsNilTransport(t *testing.T) {
	_, engSide := net.Pipe()
	eng := &fakeEngine{Conn: engSide, mtu: 1500}
	tun, _ := net.Pipe()

	_, err := New(tun, eng, nil, Config{})
	require.Error(t, err)
}

// TestRelayBridgesBothDirections exercises the 1500-byte-buffer TUN<->engine
// copy loops end to end: bytes written on the simulated TUN side arrive on
// the simulated engine side, and vice versa.
func TestRelayBridgesBothDirections(t *testing.T) {
	tunTestEnd, tunRelayEnd := net.Pipe()
	engRelayEnd, engTestEnd := net.Pipe()
	defer tunTestEnd.Close()
	defer engTestEnd.Close()

	eng := &fakeEngine{Conn: engRelayEnd, mtu: 1500}
	var tr doh.Transport = fakeTransport{tag: "a"}
	r, err := New(tunRelayEnd, eng, tr, Config{FakeDNS: netip.MustParseAddrPort("127.0.0.1:53")})
	require.NoError(t, err)
	defer r.Close()

	go func() { _, _ = tunTestEnd.Write([]byte("packet-from-tun")) }()
	buf := make([]byte, 64)
	n, err := engTestEnd.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "packet-from-tun", string(buf[:n]))

	go func() { _, _ = engTestEnd.Write([]byte("packet-from-engine")) }()
	n, err = tunTestEnd.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "packet-from-engine", string(buf[:n]))
}

func TestRelayUpdateDoHSwapsBothCapabilityPorts(t *testing.T) {
	_, engSide := net.Pipe()
	eng := &fakeEngine{Conn: engSide, mtu: 1500}
	tun, _ := net.Pipe()

	var tr1 doh.Transport = fakeTransport{tag: "first"}
	r, err := New(tun, eng, tr1, Config{FakeDNS: netip.MustParseAddrPort("127.0.0.1:53")})
	require.NoError(t, err)

	require.Equal(t, "first", (*r.sd.doh.Load()).GetURL())
	require.Equal(t, "first", (*r.pp.doh.Load()).GetURL())

	var tr2 doh.Transport = fakeTransport{tag: "second"}
	r.UpdateDoH(tr2)

	require.Equal(t, "second", (*r.sd.doh.Load()).GetURL())
	require.Equal(t, "second", (*r.pp.doh.Load()).GetURL())
}

func TestIsErrClosedRecognizesNetErrClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	_, err = ln.Accept()
	require.Error(t, err)
	require.True(t, isErrClosed(err))
}
