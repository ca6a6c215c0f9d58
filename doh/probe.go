// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package doh

import (
	"context"
	"errors"

	"github.com/miekg/dns"
)

// Probe sends a fixed, well-formed A-query for youtube.com through the
// transport, returning nil iff a non-empty response came back. Used by
// callers for server health-checks.
func (t *transport) Probe() error {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("youtube.com"), dns.TypeA)
	msg.Id = 0xbeef

	q, err := msg.Pack()
	if err != nil {
		return err
	}

	resp, err := t.Query(context.Background(), q)
	if err != nil {
		return err
	}
	if len(resp) == 0 {
		return errors.New("doh: probe got empty response")
	}
	return nil
}
