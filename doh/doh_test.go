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

package doh

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu        sync.Mutex
	queries   int
	responses int
	last      *Summary
}

func (l *recordingListener) OnQuery(url string) Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries++
	return l.queries
}

func (l *recordingListener) OnResponse(tok Token, s *Summary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responses++
	l.last = s
}

func aQuery(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.Id = id
	b, err := msg.Pack()
	require.NoError(t, err)
	return b
}

func newTransport(t *testing.T, srv *httptest.Server, listener Listener) Transport {
	t.Helper()
	tr, err := NewTransport(srv.URL, nil, &net.Dialer{}, &tls.Config{InsecureSkipVerify: true}, listener)
	require.NoError(t, err)
	return tr
}

// S1: happy path DoH.
func TestQueryHappyPath(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		// echo back with zeroed ID, as a spec-compliant server would.
		binary.BigEndian.PutUint16(body, 0)
		w.Header().Set("Content-Type", "application/dns-message")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	listener := &recordingListener{}
	tr := newTransport(t, srv, listener)

	q := aQuery(t, 0x1234, "youtube.com.")
	resp, err := tr.Query(context.Background(), q)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(resp), 2)
	require.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(resp))

	require.Equal(t, 1, listener.responses)
	require.Equal(t, StatusComplete, listener.last.Status)
	require.Equal(t, http.StatusOK, listener.last.HTTPStatus)
}

// S2: hangover.
func TestHangoverAfter500(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	listener := &recordingListener{}
	tr := newTransport(t, srv, listener)

	q1 := aQuery(t, 0x0001, "youtube.com.")
	_, err1 := tr.Query(context.Background(), q1)
	require.Error(t, err1)
	require.Equal(t, StatusHTTPError, listener.last.Status)
	require.Equal(t, http.StatusInternalServerError, listener.last.HTTPStatus)

	time.Sleep(100 * time.Millisecond)

	q2 := aQuery(t, 0x0002, "youtube.com.")
	resp2, err2 := tr.Query(context.Background(), q2)
	require.Error(t, err2)
	require.Equal(t, StatusHTTPError, listener.last.Status)
	require.Equal(t, 0, listener.last.HTTPStatus)
	require.Equal(t, uint16(0x0002), binary.BigEndian.Uint16(resp2))
}

// S3: ID mismatch.
func TestNonZeroReplyIDIsBadResponse(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		binary.BigEndian.PutUint16(body, 0xffff) // never zero
		w.Header().Set("Content-Type", "application/dns-message")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	listener := &recordingListener{}
	tr := newTransport(t, srv, listener)

	q := aQuery(t, 0x0003, "youtube.com.")
	_, err := tr.Query(context.Background(), q)
	require.Error(t, err)
	require.Equal(t, StatusBadResponse, listener.last.Status)
}

// invariant 1: ID round-trip.
func TestIDRoundTrip(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		binary.BigEndian.PutUint16(body, 0)
		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(body)
	}))
	defer srv.Close()

	tr := newTransport(t, srv, nil)
	for _, id := range []uint16{0x0000, 0x0001, 0xbeef, 0xffff} {
		q := aQuery(t, id, "example.com.")
		resp, err := tr.Query(context.Background(), q)
		require.NoError(t, err)
		require.Equal(t, q[0:2], resp[0:2])
	}
}

// invariant 3: hangover isolation — the second query returns promptly,
// proving no TCP connect / HTTP round trip was attempted.
func TestHangoverPerformsNoConnect(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := newTransport(t, srv, nil)

	q1 := aQuery(t, 0x0010, "youtube.com.")
	_, err1 := tr.Query(context.Background(), q1)
	require.Error(t, err1)

	start := time.Now()
	q2 := aQuery(t, 0x0011, "youtube.com.")
	resp2, err2 := tr.Query(context.Background(), q2)
	elapsed := time.Since(start)

	require.Error(t, err2)
	require.Less(t, elapsed, 500*time.Millisecond)
	require.Equal(t, uint16(0x0011), binary.BigEndian.Uint16(resp2))
}

// S6 / invariant 6: cancellation suppresses onResponse.
func TestCancellationSuppressesOnResponse(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	listener := &recordingListener{}
	tr := newTransport(t, srv, listener)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q := aQuery(t, 0x0020, "youtube.com.")
		_, err := tr.Query(ctx, q)
		require.Error(t, err)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	require.Equal(t, 0, listener.responses)
}

func TestBadQueryTooShort(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	listener := &recordingListener{}
	tr := newTransport(t, srv, listener)

	_, err := tr.Query(context.Background(), []byte{0x01})
	require.Error(t, err)
	require.Equal(t, StatusBadQuery, listener.last.Status)
}
