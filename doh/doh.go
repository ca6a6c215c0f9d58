// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package doh implements a POST-only DNS-over-HTTPS transport: it owns a
// pool of candidate server addresses via ipmap, hardens queries with
// EDNS(0) padding and query-ID zeroing, and enforces a servfail cool-down
// on misbehaving servers.
package doh

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rethinkdns/intra-dataplane/internal/logx"
	"github.com/rethinkdns/intra-dataplane/ipmap"
	"github.com/rethinkdns/intra-dataplane/split"
)

// hangoverDuration is how long a misbehaving server is cooled down for
// after any non-transport failure.
const hangoverDuration = 10 * time.Second

// tcpTimeout bounds the TCP handshake for the transport's own dial calls.
const tcpTimeout = 3 * time.Second

// Token is an opaque handle a Listener may use to correlate onQuery with
// onResponse; it is never interpreted by the transport.
type Token = any

// Summary reports the outcome of one DoH query.
type Summary struct {
	Latency    time.Duration
	Query      []byte
	Response   []byte
	Server     string
	Status     Status
	HTTPStatus int // zero unless Status is Complete or HTTPError
}

// Listener receives a notification before each query is sent and after
// each one completes.
type Listener interface {
	OnQuery(url string) Token
	OnResponse(Token, *Summary)
}

// Transport sends DNS queries over a DoH connection.
type Transport interface {
	// Query sends the raw DNS message q (with its original ID) and
	// returns the raw DNS response. A non-nil error may still be
	// accompanied by a synthesized SERVFAIL response.
	Query(ctx context.Context, q []byte) ([]byte, error)
	// Probe issues a fixed health-check query and reports whether it got
	// a non-empty reply.
	Probe() error
	// GetURL returns the DoH URL this transport was constructed with.
	GetURL() string
}

type transport struct {
	url      string
	hostname string
	port     int
	ips      *ipmap.IPMap
	client   http.Client
	dialer   *net.Dialer
	listener Listener

	hangoverLock       sync.RWMutex
	hangoverExpiration time.Time
}

var _ Transport = (*transport)(nil)

// NewTransport constructs a DoH transport bound to rawurl (scheme must be
// https). addrs seeds the IPMap with fallback hostnames/IPs in addition
// to whatever the dialer's resolver turns up for the URL's own hostname.
// Construction fails if the resulting Endpoint has no addresses.
func NewTransport(rawurl string, addrs []string, dialer *net.Dialer, tlsconfig *tls.Config, listener Listener) (Transport, error) {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: tcpTimeout}
	}
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "https" {
		return nil, fmt.Errorf("doh: bad scheme %q", parsed.Scheme)
	}

	port := 443
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
	}

	t := &transport{
		url:      rawurl,
		hostname: parsed.Hostname(),
		port:     port,
		listener: listener,
		dialer:   dialer,
		ips:      ipmap.NewIPMap(systemResolver(dialer)),
	}

	ep := t.ips.Get(t.hostname)
	ep.Add(addrs...)
	if ep.Empty() {
		return nil, fmt.Errorf("doh: no ip addresses for %s", t.hostname)
	}

	t.client.Transport = &http.Transport{
		DialContext:           t.dial,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		TLSClientConfig:       tlsconfig,
	}
	return t, nil
}

// systemResolver adapts dialer's resolver (falling back to net.DefaultResolver)
// into an ipmap.Resolver.
func systemResolver(dialer *net.Dialer) ipmap.Resolver {
	r := dialer.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	return func(hostname string) ([]netip.Addr, error) {
		ipaddrs, err := r.LookupIPAddr(context.Background(), hostname)
		if err != nil {
			return nil, err
		}
		out := make([]netip.Addr, 0, len(ipaddrs))
		for _, ia := range ipaddrs {
			if a, ok := netip.AddrFromSlice(ia.IP); ok {
				out = append(out, a.Unmap())
			}
		}
		return out, nil
	}
}

func (t *transport) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	domain, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	ep := t.ips.Get(domain)

	tryDial := func(ip netip.Addr) (net.Conn, error) {
		tcpaddr := &net.TCPAddr{IP: ip.AsSlice(), Port: port}
		dctx, cancel := context.WithTimeout(ctx, tcpTimeout)
		defer cancel()
		return split.DialWithSplitRetry(dctx, t.dialer, tcpaddr, nil)
	}

	confirmed := ep.Confirmed()
	if confirmed.IsValid() {
		if conn, err := tryDial(confirmed); err == nil {
			logx.D("doh: confirmed ip worked", "ip", confirmed)
			return conn, nil
		}
		logx.D("doh: confirmed ip failed, disconfirming", "ip", confirmed)
		ep.Disconfirm(confirmed)
	}

	var lastErr error = errNoAddresses
	for _, ip := range ep.GetAll() {
		if ip == confirmed {
			continue
		}
		var conn net.Conn
		if conn, lastErr = tryDial(ip); lastErr == nil {
			return conn, nil
		}
	}
	return nil, lastErr
}

var errNoAddresses = errors.New("doh: no addresses to dial")

func addrFromTCPIP(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

// doQuery performs the full Query path sans listener notification, and
// additionally returns the server address used on a best-effort basis.
func (t *transport) doQuery(ctx context.Context, q []byte) (response []byte, server *net.TCPAddr, qerr *QueryError) {
	if len(q) < 2 {
		qerr = newBadQueryError(fmt.Errorf("doh: query length is %d", len(q)))
		return
	}

	t.hangoverLock.RLock()
	inHangover := time.Now().Before(t.hangoverExpiration)
	t.hangoverLock.RUnlock()
	if inHangover {
		response = servfail(q)
		qerr = newHangoverError()
		return
	}

	padded, err := addEDNS0Padding(q)
	if err != nil {
		qerr = newInternalError(err)
		return
	}

	id := binary.BigEndian.Uint16(padded)
	binary.BigEndian.PutUint16(padded, 0)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(padded))
	if err != nil {
		qerr = newInternalError(err)
		return
	}

	var hostname string
	response, hostname, server, qerr = t.sendRequest(ctx, id, req)

	binary.BigEndian.PutUint16(padded, id)

	if qerr == nil {
		switch {
		case len(response) < 2:
			qerr = newBadResponseError(fmt.Errorf("doh: response length is %d", len(response)))
		case binary.BigEndian.Uint16(response) != 0:
			qerr = newBadResponseError(errors.New("doh: nonzero response id"))
		default:
			binary.BigEndian.PutUint16(response, id)
		}
	}

	if qerr != nil {
		if qerr.Status() != StatusSendFailed {
			t.hangoverLock.Lock()
			t.hangoverExpiration = time.Now().Add(hangoverDuration)
			t.hangoverLock.Unlock()
		}
		response = servfail(padded)
	} else if server != nil {
		t.ips.Get(hostname).Confirm(addrFromTCPIP(server.IP))
	}
	return
}

func (t *transport) sendRequest(ctx context.Context, id uint16, req *http.Request) (response []byte, hostname string, server *net.TCPAddr, qerr *QueryError) {
	hostname = t.hostname

	var conn net.Conn
	defer func() {
		if qerr == nil {
			return
		}
		if server != nil {
			t.ips.Get(hostname).Disconfirm(addrFromTCPIP(server.IP))
		}
		if conn != nil {
			conn.Close()
		}
	}()

	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Conn == nil {
				return
			}
			conn = info.Conn
			if tcpaddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
				server = tcpaddr
			}
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	const mimetype = "application/dns-message"
	req.Header.Set("Content-Type", mimetype)
	req.Header.Set("Accept", mimetype)
	req.Header.Set("User-Agent", "Intra")

	httpResponse, err := t.client.Do(req)
	if err != nil {
		qerr = newSendFailedError(err)
		return
	}
	defer httpResponse.Body.Close()

	response, err = io.ReadAll(httpResponse.Body)
	if err != nil {
		qerr = newBadResponseError(err)
		return
	}

	hostname = httpResponse.Request.URL.Hostname()

	if httpResponse.StatusCode != http.StatusOK {
		qerr = newHTTPError(httpResponse.StatusCode)
		return
	}
	return
}

// Query implements Transport.
func (t *transport) Query(ctx context.Context, q []byte) ([]byte, error) {
	var token Token
	if t.listener != nil {
		token = t.listener.OnQuery(t.url)
	}

	before := time.Now()
	response, server, qerr := t.doQuery(ctx, q)
	latency := time.Since(before)

	var err error
	status := StatusComplete
	httpStatus := http.StatusOK
	if qerr != nil {
		err = qerr
		status = qerr.Status()
		httpStatus = 0

		var herr *httpError
		if errors.As(qerr.err, &herr) {
			httpStatus = herr.code
		}
	}

	// A context-cancelled query suppresses onResponse: the host-side stop
	// path may hold a lock that the listener callback would re-enter.
	if ctx.Err() != nil {
		return response, err
	}

	if t.listener != nil {
		var ip string
		if server != nil {
			ip = server.IP.String()
		}
		t.listener.OnResponse(token, &Summary{
			Latency:    latency,
			Query:      q,
			Response:   response,
			Server:     ip,
			Status:     status,
			HTTPStatus: httpStatus,
		})
	}
	return response, err
}

func (t *transport) GetURL() string { return t.url }

// Accept reads length-prefixed DNS messages from c (a DNS-over-TCP style
// stream) and forwards each to t, writing back length-prefixed replies.
// Used by the tunnel relay to serve the fake-DNS endpoint.
func Accept(t Transport, c io.ReadWriteCloser) {
	defer c.Close()

	lbuf := make([]byte, 2)
	for {
		if _, err := io.ReadFull(c, lbuf); err != nil {
			return
		}
		qlen := binary.BigEndian.Uint16(lbuf)
		q := make([]byte, qlen)
		if _, err := io.ReadFull(c, q); err != nil {
			return
		}
		go forwardQueryAndCheck(t, q, c)
	}
}

func forwardQuery(t Transport, q []byte, w io.Writer) error {
	resp, qerr := t.Query(context.Background(), q)
	if resp == nil && qerr != nil {
		return qerr
	}
	rlbuf := make([]byte, 2+len(resp))
	binary.BigEndian.PutUint16(rlbuf, uint16(len(resp)))
	copy(rlbuf[2:], resp)
	if _, err := w.Write(rlbuf); err != nil {
		return err
	}
	return qerr
}

func forwardQueryAndCheck(t Transport, q []byte, c io.WriteCloser) {
	if err := forwardQuery(t, q, c); err != nil {
		logx.W("doh: query forwarding failed", "err", err)
		c.Close()
	}
}
