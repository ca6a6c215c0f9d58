// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rethinkdns/intra-dataplane/doh"
	"github.com/rethinkdns/intra-dataplane/engine"
	"github.com/rethinkdns/intra-dataplane/internal/logx"
)

var errNoDoHTransport = errors.New("relay: no doh transport installed")

// packetProxy implements engine.PacketProxy. Datagrams to the fake-DNS
// destination are handled synchronously; non-DNS associations additionally
// get a background goroutine pumping replies back to the Engine.
type packetProxy struct {
	fakeDNS  netip.AddrPort
	dialer   *net.Dialer
	doh      atomic.Pointer[doh.Transport]
	listener SocketListener
}

var _ engine.PacketProxy = (*packetProxy)(nil)

func (p *packetProxy) NewSession(respWriter engine.PacketResponseWriter) (engine.PacketSession, error) {
	return &packetSession{proxy: p, respWriter: respWriter, start: time.Now()}, nil
}

type packetSession struct {
	proxy      *packetProxy
	respWriter engine.PacketResponseWriter
	start      time.Time

	mu   sync.Mutex
	conn net.Conn // lazily dialed, non-DNS associations only

	rx, tx    int64
	closeOnce sync.Once
}

var _ engine.PacketSession = (*packetSession)(nil)

func (s *packetSession) WriteTo(p []byte, dst netip.AddrPort) (int, error) {
	if dst == s.proxy.fakeDNS {
		return s.forwardDoH(p, dst)
	}
	return s.forwardDirect(p, dst)
}

// forwardDoH sends p to the DoH transport and writes the reply back
// immediately, then emits the association's summary, which accounts for
// that one exchange. The session itself is not closed: a later datagram
// to the fake-DNS destination is still queried and answered, but is not
// counted in any summary.
func (s *packetSession) forwardDoH(p []byte, dst netip.AddrPort) (int, error) {
	t := s.proxy.doh.Load()
	if t == nil {
		s.emitAndClose(dst.Port())
		return 0, errNoDoHTransport
	}
	atomic.AddInt64(&s.tx, int64(len(p)))

	resp, qerr := (*t).Query(context.Background(), p)
	if len(resp) > 0 {
		if n, err := s.respWriter.WriteFrom(resp, dst); err == nil {
			atomic.AddInt64(&s.rx, int64(n))
		}
	}
	s.emitAndClose(dst.Port())
	if qerr != nil {
		return len(p), qerr
	}
	return len(p), nil
}

func (s *packetSession) forwardDirect(p []byte, dst netip.AddrPort) (int, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		var err error
		conn, err = s.proxy.dialer.Dial("udp", dst.String())
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		s.conn = conn
		go s.pump(conn, dst)
	}
	s.mu.Unlock()

	n, err := conn.Write(p)
	atomic.AddInt64(&s.tx, int64(n))
	return n, err
}

func (s *packetSession) pump(conn net.Conn, dst netip.AddrPort) {
	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if wn, werr := s.respWriter.WriteFrom(buf[:n], dst); werr == nil {
				atomic.AddInt64(&s.rx, int64(wn))
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *packetSession) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.emitAndClose(0)
	return err
}

func (s *packetSession) emitAndClose(port uint16) {
	s.closeOnce.Do(func() {
		summary := &UDPSocketSummary{
			ServerPort: filteredPort(port),
			Rx:         atomic.LoadInt64(&s.rx),
			Tx:         atomic.LoadInt64(&s.tx),
			Duration:   durationSeconds(s.start),
		}
		s.proxy.listener.OnUDPSocketClosed(summary)
		logx.D("relay: udp session closed", "port", summary.ServerPort, "rx", summary.Rx, "tx", summary.Tx)
	})
}
