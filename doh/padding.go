// Copyright (c) 2020 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package doh

import (
	"github.com/miekg/dns"
)

// paddingBlockSize is the fixed block length requests are right-padded to,
// per RFC 8467.
const paddingBlockSize = 128

// addEDNS0Padding right-pads q with an EDNS(0) Padding option so that the
// on-wire message length becomes a multiple of paddingBlockSize. If an
// OPT record with a padding option is already present, q is returned
// unmodified.
func addEDNS0Padding(q []byte) ([]byte, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(q); err != nil {
		return nil, err
	}

	opt := msg.IsEdns0()
	if opt == nil {
		msg.SetEdns0(dns.DefaultMsgSize, false)
		opt = msg.IsEdns0()
		if opt == nil {
			return q, nil
		}
	}
	for _, o := range opt.Option {
		if o.Option() == dns.EDNS0PADDING {
			return q, nil
		}
	}

	unpadded, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	const optionHeaderLen = 4 // 2B option code + 2B option length
	padLen := paddingBlockSize - ((len(unpadded) + optionHeaderLen) % paddingBlockSize)
	if padLen == paddingBlockSize {
		padLen = 0
	}
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = 'X'
	}
	opt.Option = append(opt.Option, &dns.EDNS0_PADDING{Padding: padding})

	return msg.Pack()
}

// servfail synthesizes a SERVFAIL response mirroring q's ID, with EDNS
// stripped, so the guest OS always receives a well-formed reply.
func servfail(q []byte) []byte {
	msg := new(dns.Msg)
	if err := msg.Unpack(q); err != nil {
		return nil
	}
	msg.Response = true
	msg.RecursionAvailable = true
	msg.Rcode = dns.RcodeServerFailure
	msg.Extra = nil

	b, err := msg.Pack()
	if err != nil {
		return nil
	}
	return b
}
