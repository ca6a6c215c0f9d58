// Copyright (c) 2020 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tunnel

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rethinkdns/intra-dataplane/doh"
	"github.com/rethinkdns/intra-dataplane/engine"
)

type fakeTransport struct{ tag string }

func (f fakeTransport) Query(_ context.Context, q []byte) ([]byte, error) { return q, nil }
func (f fakeTransport) Probe() error                                      { return nil }
func (f fakeTransport) GetURL() string                                    { return f.tag }

type fakeEngine struct {
	net.Conn
	sd engine.StreamDialer
	pp engine.PacketProxy
}

func (e *fakeEngine) SetStreamDialer(d engine.StreamDialer) { e.sd = d }
func (e *fakeEngine) SetPacketProxy(p engine.PacketProxy)   { e.pp = p }
func (e *fakeEngine) MTU() int                              { return 1500 }

var _ engine.Engine = (*fakeEngine)(nil)

func newTestTunnel(t *testing.T) (Tunnel, *fakeEngine) {
	t.Helper()
	_, engSide := net.Pipe()
	eng := &fakeEngine{Conn: engSide}
	tun, _ := net.Pipe()

	var tr doh.Transport = fakeTransport{tag: "initial"}
	tu, err := New(tun, eng, tr, Config{FakeDNS: netip.MustParseAddrPort("127.0.0.1:53")})
	require.NoError(t, err)
	return tu, eng
}

func TestNewRejectsNilTransport(t *testing.T) {
	_, engSide := net.Pipe()
	eng := &fakeEngine{Conn: engSide}
	tun, _ := net.Pipe()

	_, err := New(tun, eng, nil, Config{})
	require.Error(t, err)
}

func TestTunnelIsConnectedUntilDisconnect(t *testing.T) {
	tu, _ := newTestTunnel(t)
	require.True(t, tu.IsConnected())
	tu.Disconnect()
	require.False(t, tu.IsConnected())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	tu, _ := newTestTunnel(t)
	tu.Disconnect()
	tu.Disconnect()
	tu.Disconnect()
	require.False(t, tu.IsConnected())
}

func TestUpdateDoHSwapsLoadedTransport(t *testing.T) {
	tu, _ := newTestTunnel(t)
	require.Equal(t, "initial", tu.Load().GetURL())

	require.NoError(t, tu.UpdateDoH(fakeTransport{tag: "second"}))
	require.Equal(t, "second", tu.Load().GetURL())
}

func TestUpdateDoHFailsAfterDisconnect(t *testing.T) {
	tu, _ := newTestTunnel(t)
	tu.Disconnect()
	err := tu.UpdateDoH(fakeTransport{tag: "late"})
	require.ErrorIs(t, err, errDisconnected)
}

func TestUpdateDoHRejectsNil(t *testing.T) {
	tu, _ := newTestTunnel(t)
	require.Error(t, tu.UpdateDoH(nil))
}

type recordingWriteCloser struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (r *recordingWriteCloser) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written = append(r.written, append([]byte(nil), p...))
	return len(p), nil
}

func (r *recordingWriteCloser) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestSetPcapAttachAndDetach(t *testing.T) {
	tu, _ := newTestTunnel(t)
	sink := &recordingWriteCloser{}
	require.NoError(t, tu.SetPcap(sink))

	tu.(*tunnel).pcap.Write([]byte("packet"))
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.written) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, tu.SetPcap(nil))
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.closed
	}, time.Second, 10*time.Millisecond)
}

func TestDisconnectDetachesPcap(t *testing.T) {
	tu, _ := newTestTunnel(t)
	sink := &recordingWriteCloser{}
	require.NoError(t, tu.SetPcap(sink))

	tu.Disconnect()
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.closed
	}, time.Second, 10*time.Millisecond)
}
