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

// Package split implements a TCP dialer that buffers the first client
// flight, detects a middlebox reset or hang on the reply, and transparently
// re-dials with the flight split (and, for a TLS ClientHello, fragmented)
// across several packets to evade SNI-based interference.
package split

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/getsni"
	"github.com/rethinkdns/intra-dataplane/internal/core"
	"github.com/rethinkdns/intra-dataplane/internal/logx"
)

// DuplexConn is a net.Conn with independently closable read and write
// halves, matching outline-sdk's transport.StreamConn structurally so a
// *retrier satisfies it without importing the package here.
type DuplexConn interface {
	net.Conn
	CloseRead() error
	CloseWrite() error
}

// RetryStats records what happened on a connection that needed a retry.
type RetryStats struct {
	SNI     string // TLS SNI observed, if present.
	Bytes   int32  // Number of bytes uploaded before the retry.
	Chunks  int16  // Number of writes before the retry.
	Split   int16  // Number of bytes in the first retried segment.
	Timeout bool   // True if the retry was caused by a timeout.
}

// half-close intent bits, latched so a redial can replay them on the
// freshly dialed socket.
const (
	halfClosedRead uint32 = 1 << iota
	halfClosedWrite
)

// retrier implements DuplexConn by racing a provisional connection against
// the caller's first flight: if the peer answers normally the provisional
// socket is kept as-is, but a reset, hang, or timeout triggers one redial
// with the buffered flight split (and, for a ClientHello, fragmented)
// across several writes. A single instance is intended for one reader
// goroutine (Read/CloseRead) and one writer goroutine
// (Write/ReadFrom/CloseWrite), mirroring plain TCP socket semantics.
type retrier struct {
	dialer  *net.Dialer
	addr    *net.TCPAddr
	stats   *RetryStats
	timeout time.Duration

	// settled latches once the redial decision has been made; every field
	// below it is guarded by mutex until then, and is lock-free afterward.
	settled *core.Flag

	mutex sync.Mutex
	conn  *net.TCPConn
	hello []byte

	readDeadline  time.Time
	writeDeadline time.Time

	halfClosed atomic.Uint32
}

// DefaultTimeout is the zero connect timeout, meaning the system's default
// TCP connect timeout (typically 2-3 minutes). DialWithSplitRetry takes no
// timeout argument and does not read it; its connect time is bounded by
// the dialer and ctx.
const DefaultTimeout time.Duration = 0

// DialWithSplitRetry opens a TCP connection through dialer to addr and
// wraps it in a retrier. If stats is nil, a throwaway record is used so
// the write path never needs a nil check.
func DialWithSplitRetry(ctx context.Context, dialer *net.Dialer, addr *net.TCPAddr, stats *RetryStats) (DuplexConn, error) {
	dialStart := time.Now()
	conn, err := dialer.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, err
	}
	dialEnd := time.Now()

	if stats == nil {
		stats = &RetryStats{}
	}

	return &retrier{
		dialer:  dialer,
		addr:    addr,
		conn:    conn.(*net.TCPConn),
		timeout: connectRTTBudget(dialStart, dialEnd),
		settled: core.NewFlag(),
		stats:   stats,
	}, nil
}

// connectRTTBudget turns the observed connect latency into a read-deadline
// duration for the provisional socket: long enough that a round trip on a
// slow path doesn't false-positive into a retry, short enough that a
// genuinely blackholed connection doesn't stall the caller for long.
func connectRTTBudget(dialStart, dialEnd time.Time) time.Duration {
	return 1200*time.Millisecond + 2*dialEnd.Sub(dialStart)
}

func (r *retrier) isSettled() bool { return r.settled.Is() }

func (r *retrier) readHalfClosed() bool  { return r.halfClosed.Load()&halfClosedRead != 0 }
func (r *retrier) writeHalfClosed() bool { return r.halfClosed.Load()&halfClosedWrite != 0 }

func (r *retrier) Read(buf []byte) (n int, err error) {
	n, err = r.conn.Read(buf)
	if n == 0 && err == nil {
		return // inconclusive; let the caller read again
	}
	if r.isSettled() {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err != nil {
		var neterr net.Error
		if errors.As(err, &neterr) {
			r.stats.Timeout = neterr.Timeout()
		}
		n, err = r.redial(buf)
	} else {
		logx.V("split: direct conn succeeded, no retry needed")
	}
	r.settled.Close()
	r.conn.SetReadDeadline(time.Time{})
	r.hello = nil
	return
}

// redial abandons the provisional socket, opens a fresh one, replays the
// buffered flight (split, and fragmented if it looks like a ClientHello),
// reapplies the close intents and deadlines the caller already set, and
// returns the result of the first read on the new socket. Called with
// r.mutex held.
func (r *retrier) redial(buf []byte) (n int, err error) {
	r.conn.Close()

	fresh, err := r.dialer.Dial(r.addr.Network(), r.addr.String())
	if err != nil {
		return 0, err
	}
	r.conn = fresh.(*net.TCPConn)

	segments, splitAt := splitHello(r.hello)
	r.stats.Split = splitAt

	// Write each segment individually; a gathered write could be coalesced
	// by the kernel into one packet, defeating the split.
	for _, seg := range segments {
		if _, err = r.conn.Write(seg); err != nil {
			return 0, err
		}
	}

	r.replayCloseIntent()
	r.conn.SetReadDeadline(r.readDeadline)
	r.conn.SetWriteDeadline(r.writeDeadline)

	return r.conn.Read(buf)
}

// replayCloseIntent re-applies CloseRead/CloseWrite calls the caller made
// against the provisional socket while the redial was in flight. Both
// calls are idempotent on the fresh socket.
func (r *retrier) replayCloseIntent() {
	if r.readHalfClosed() {
		r.conn.CloseRead()
	}
	if r.writeHalfClosed() {
		r.conn.CloseWrite()
	}
}

func (r *retrier) CloseRead() error {
	r.halfClosed.Or(halfClosedRead)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.conn.CloseRead()
}

func (r *retrier) CloseWrite() error {
	r.halfClosed.Or(halfClosedWrite)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.conn.CloseWrite()
}

func (r *retrier) Close() error {
	if err := r.CloseWrite(); err != nil {
		return err
	}
	return r.CloseRead()
}

const (
	minSplit       = 32
	maxSplit       = 64
	minTLSHelloLen = 6

	typeHandshake byte   = 22
	versionTLS10  uint16 = 0x0301
	versionTLS11  uint16 = 0x0302
	versionTLS12  uint16 = 0x0303
	versionTLS13  uint16 = 0x0304
)

// splitHello picks a split point for hello drawn uniformly from
// [minSplit, maxSplit], never past the midpoint, then hands the leading
// segment to fragmentClientHello in case it warrants finer fragmentation.
func splitHello(hello []byte) (segments net.Buffers, splitAt int16) {
	if len(hello) == 0 {
		return net.Buffers{hello}, 0
	}

	at := minSplit + rand.Intn(maxSplit+1-minSplit)
	if half := len(hello) / 2; at > half {
		at = half
	}
	splitAt = int16(at)
	head, tail := hello[:at], hello[at:]

	if frag, ok := fragmentClientHello(head); ok {
		return append(frag, tail), splitAt
	}
	return net.Buffers{head, tail}, splitAt
}

// fragmentClientHello inspects head as a candidate TLS record header. If
// it is a handshake record whose declared length covers (or exceeds) the
// rest of head, the record is split again at a random point inside its
// payload, producing a [hdr1, payload1, hdr2, payload2] sequence so a
// single-packet ClientHello never reaches the wire intact.
func fragmentClientHello(head []byte) (net.Buffers, bool) {
	if len(head) <= minTLSHelloLen {
		return nil, false
	}

	hdr := make([]byte, 5)
	copy(hdr, head[:5])
	payload := head[5:]

	typ := hdr[0]
	ver := binary.BigEndian.Uint16(hdr[1:3])
	recordLen := binary.BigEndian.Uint16(hdr[3:5])

	isTLSVersion := ver == versionTLS10 || ver == versionTLS11 ||
		ver == versionTLS12 || ver == versionTLS13

	if !(typ == typeHandshake && int(recordLen) >= len(payload) && isTLSVersion && len(payload) > 1) {
		return nil, false
	}

	cut := uint16(1 + rand.Intn(len(payload)-1))

	hdr1 := append([]byte(nil), hdr...)
	binary.BigEndian.PutUint16(hdr1[3:5], cut)

	hdr2 := append([]byte(nil), hdr...)
	binary.BigEndian.PutUint16(hdr2[3:5], recordLen-cut)

	return net.Buffers{hdr1, payload[:cut], hdr2, payload[cut:]}, true
}

func (r *retrier) Write(b []byte) (int, error) {
	if r.isSettled() {
		return r.conn.Write(b)
	}

	n, err, attempted := r.provisionalWrite(b)
	if !attempted {
		return r.conn.Write(b)
	}
	if err == nil {
		return n, nil
	}

	// The write failed on the provisional socket. The reader goroutine
	// performs the redial and replays b[:n]; wait for that to finish, then
	// fence on the mutex so we observe the post-redial value of r.conn
	// before writing the remainder.
	r.settled.Wait()
	r.mutex.Lock()
	r.mutex.Unlock()
	rest, err := r.conn.Write(b[n:])
	return n + rest, err
}

// provisionalWrite attempts b against the still-provisional socket and
// records it as part of the buffered flight, re-checking isSettled once
// the mutex is held to avoid racing a redial already in progress.
func (r *retrier) provisionalWrite(b []byte) (n int, err error, attempted bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.isSettled() {
		return 0, nil, false
	}

	n, err = r.conn.Write(b)
	r.hello = append(r.hello, b[:n]...)

	r.stats.Chunks++
	r.stats.Bytes = int32(len(r.hello))
	if r.stats.SNI == "" {
		r.stats.SNI, _ = getsni.GetSNI(r.hello)
	}

	r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	return n, err, true
}

func (r *retrier) ReadFrom(src io.Reader) (total int64, err error) {
	chunk := make([]byte, 2048)
	for !r.isSettled() {
		var n int
		if n, err = src.Read(chunk); err != nil {
			return total, err
		}
		var written int64
		if written, err = r.write64(chunk[:n]); err != nil {
			return total + written, err
		}
		total += written
	}

	rest, err := r.conn.ReadFrom(src)
	return total + rest, err
}

func (r *retrier) write64(p []byte) (int64, error) {
	n, err := r.Write(p)
	return int64(n), err
}

// LocalAddr may change across a retry; callers should not rely on it.
func (r *retrier) LocalAddr() net.Addr {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.conn.LocalAddr()
}

func (r *retrier) RemoteAddr() net.Addr {
	return r.addr
}

func (r *retrier) SetReadDeadline(t time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.readDeadline = t
	// Deferred until the redial decision is settled, since the retrier
	// owns the read deadline on the provisional socket until then.
	if r.isSettled() {
		return r.conn.SetReadDeadline(t)
	}
	return nil
}

func (r *retrier) SetWriteDeadline(t time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.writeDeadline = t
	return r.conn.SetWriteDeadline(t)
}

func (r *retrier) SetDeadline(t time.Time) error {
	e1 := r.SetReadDeadline(t)
	e2 := r.SetWriteDeadline(t)
	if e1 != nil {
		return e1
	}
	return e2
}
