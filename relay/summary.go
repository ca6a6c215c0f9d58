// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package relay

import (
	"time"

	"github.com/rethinkdns/intra-dataplane/split"
)

// TCPSocketSummary reports totals for one TCP flow, emitted exactly once
// when both halves of the flow have closed.
type TCPSocketSummary struct {
	ServerPort int16
	Rx, Tx     int64
	Duration   int32 // seconds
	Synack     int32 // ms, time-to-connect
	Retry      *split.RetryStats
	Err        error
}

// UDPSocketSummary reports totals for one UDP association, emitted
// exactly once: when the session is closed, or right after the first
// fake-DNS exchange.
type UDPSocketSummary struct {
	ServerPort int16
	Rx, Tx     int64
	Duration   int32 // seconds
	Err        error
}

// SocketListener receives exactly one summary per flow/association.
type SocketListener interface {
	OnTCPSocketClosed(*TCPSocketSummary)
	OnUDPSocketClosed(*UDPSocketSummary)
}

type nopListener struct{}

func (nopListener) OnTCPSocketClosed(*TCPSocketSummary) {}
func (nopListener) OnUDPSocketClosed(*UDPSocketSummary) {}

func durationSeconds(start time.Time) int32 {
	return int32(time.Since(start).Seconds())
}
