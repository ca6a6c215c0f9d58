// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rethinkdns/intra-dataplane/doh"
	"github.com/rethinkdns/intra-dataplane/engine"
	"github.com/rethinkdns/intra-dataplane/internal/logx"
	"github.com/rethinkdns/intra-dataplane/split"
)

var (
	errNotTCPConn  = errors.New("relay: dialed connection is not a *net.TCPConn")
	errPipeDeadline = errors.New("relay: deadlines unsupported on the in-memory doh pipe")
)

// streamDialer implements engine.StreamDialer. Flows to the fake-DNS
// address are diverted into the DoH transport over an in-memory pipe;
// everything else is dialed with the split-retry dialer (port 443) or a
// plain TCP dial, then wrapped so its close emits exactly one summary.
type streamDialer struct {
	fakeDNS     netip.AddrPort
	dialer      *net.Dialer
	doh         atomic.Pointer[doh.Transport]
	listener    SocketListener
	sniReporter func(*TCPSocketSummary)
}

var _ engine.StreamDialer = (*streamDialer)(nil)

func (sd *streamDialer) Dial(ctx context.Context, raddr string) (engine.StreamConn, error) {
	if raddr == sd.fakeDNS.String() {
		client, server := newDoHPipe()
		t := sd.doh.Load()
		go doh.Accept(*t, server)
		return client, nil
	}

	dest, err := netip.ParseAddrPort(raddr)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid raddr %q: %w", raddr, err)
	}

	summary := &TCPSocketSummary{ServerPort: filteredPort(dest.Port())}
	before := time.Now()
	conn, err := sd.dial(ctx, dest, summary)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", dest, err)
	}
	summary.Synack = int32(time.Since(before).Milliseconds())

	return wrapWithStats(conn, summary, sd.listener, sd.sniReporter), nil
}

func (sd *streamDialer) dial(ctx context.Context, dest netip.AddrPort, summary *TCPSocketSummary) (split.DuplexConn, error) {
	tcpaddr := net.TCPAddrFromAddrPort(dest)
	if dest.Port() == 443 {
		summary.Retry = &split.RetryStats{}
		return split.DialWithSplitRetry(ctx, sd.dialer, tcpaddr, summary.Retry)
	}

	conn, err := sd.dialer.DialContext(ctx, "tcp", tcpaddr.String())
	if err != nil {
		return nil, err
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, errNotTCPConn
	}
	return tc, nil
}

func filteredPort(port uint16) int16 {
	switch port {
	case 0, 53, 80, 443:
		return int16(port)
	default:
		return -1
	}
}

// statsConn wraps a DuplexConn so that exactly one TCPSocketSummary is
// emitted once both halves have closed, regardless of whether the
// caller drives shutdown via Close or via CloseRead/CloseWrite.
type statsConn struct {
	split.DuplexConn
	rx, tx      int64
	start       time.Time
	summary     *TCPSocketSummary
	listener    SocketListener
	sniReporter func(*TCPSocketSummary)
	closeOnce   sync.Once
	readClosed  atomic.Bool
	writeClosed atomic.Bool
}

func wrapWithStats(conn split.DuplexConn, summary *TCPSocketSummary, l SocketListener, sniReporter func(*TCPSocketSummary)) *statsConn {
	if l == nil {
		l = nopListener{}
	}
	return &statsConn{DuplexConn: conn, start: time.Now(), summary: summary, listener: l, sniReporter: sniReporter}
}

func (c *statsConn) Read(p []byte) (int, error) {
	n, err := c.DuplexConn.Read(p)
	atomic.AddInt64(&c.rx, int64(n))
	return n, err
}

func (c *statsConn) Write(p []byte) (int, error) {
	n, err := c.DuplexConn.Write(p)
	atomic.AddInt64(&c.tx, int64(n))
	return n, err
}

func (c *statsConn) WriteTo(w io.Writer) (int64, error) {
	if wt, ok := c.DuplexConn.(io.WriterTo); ok {
		n, err := wt.WriteTo(w)
		atomic.AddInt64(&c.rx, n)
		return n, err
	}
	n, err := io.Copy(w, c.DuplexConn)
	atomic.AddInt64(&c.rx, n)
	return n, err
}

func (c *statsConn) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := c.DuplexConn.(io.ReaderFrom); ok {
		n, err := rf.ReadFrom(r)
		atomic.AddInt64(&c.tx, n)
		return n, err
	}
	n, err := io.Copy(c.DuplexConn, r)
	atomic.AddInt64(&c.tx, n)
	return n, err
}

func (c *statsConn) CloseRead() error {
	err := c.DuplexConn.CloseRead()
	c.readClosed.Store(true)
	c.maybeEmit()
	return err
}

func (c *statsConn) CloseWrite() error {
	err := c.DuplexConn.CloseWrite()
	c.writeClosed.Store(true)
	c.maybeEmit()
	return err
}

// Close mirrors the retrier's own Close = CloseWrite then CloseRead.
func (c *statsConn) Close() error {
	errw := c.CloseWrite()
	errr := c.CloseRead()
	if errw != nil {
		return errw
	}
	return errr
}

func (c *statsConn) maybeEmit() {
	if !c.readClosed.Load() || !c.writeClosed.Load() {
		return
	}
	c.closeOnce.Do(func() {
		c.summary.Rx = atomic.LoadInt64(&c.rx)
		c.summary.Tx = atomic.LoadInt64(&c.tx)
		c.summary.Duration = durationSeconds(c.start)
		c.listener.OnTCPSocketClosed(c.summary)
		if c.sniReporter != nil && c.summary.Retry != nil && c.summary.Retry.SNI != "" {
			c.sniReporter(c.summary)
		}
		logx.D("relay: tcp socket closed", "port", c.summary.ServerPort, "rx", c.summary.Rx, "tx", c.summary.Tx)
	})
}

// pipeConn adapts a net.Pipe() side into an engine.StreamConn. net.Pipe
// offers no native half-close, so CloseRead/CloseWrite only fully close
// the pipe once both halves have been asked to close. Deadlines are
// unsupported, per the in-memory-pipe design note.
type pipeConn struct {
	net.Conn
	closeOnce   sync.Once
	readClosed  atomic.Bool
	writeClosed atomic.Bool
}

var _ engine.StreamConn = (*pipeConn)(nil)

func newDoHPipe() (client engine.StreamConn, server io.ReadWriteCloser) {
	c1, c2 := net.Pipe()
	return &pipeConn{Conn: c1}, c2
}

func (p *pipeConn) CloseRead() error {
	p.readClosed.Store(true)
	return p.maybeClose()
}

func (p *pipeConn) CloseWrite() error {
	p.writeClosed.Store(true)
	return p.maybeClose()
}

func (p *pipeConn) maybeClose() (err error) {
	if p.readClosed.Load() && p.writeClosed.Load() {
		p.closeOnce.Do(func() { err = p.Conn.Close() })
	}
	return err
}

func (p *pipeConn) SetDeadline(time.Time) error      { return errPipeDeadline }
func (p *pipeConn) SetReadDeadline(time.Time) error  { return errPipeDeadline }
func (p *pipeConn) SetWriteDeadline(time.Time) error { return errPipeDeadline }
