// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ipmap

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var errResolveFailed = errors.New("resolve failed")

func TestEndpointAddDedupes(t *testing.T) {
	e := newEndpoint("example.com", nil)
	e.Add("1.1.1.1", "1.1.1.1", "2606:4700:4700::1111")
	require.Len(t, e.GetAll(), 2)
}

func TestEndpointAddIgnoresLoopback(t *testing.T) {
	e := newEndpoint("example.com", nil)
	e.Add("127.0.0.1", "::1", "8.8.8.8")
	require.Equal(t, []netip.Addr{netip.MustParseAddr("8.8.8.8")}, e.GetAll())
}

func TestConfirmMembership(t *testing.T) {
	e := newEndpoint("example.com", nil)
	e.Add("1.1.1.1", "9.9.9.9")

	a := netip.MustParseAddr("1.1.1.1")
	b := netip.MustParseAddr("9.9.9.9")
	other := netip.MustParseAddr("4.4.4.4")

	require.False(t, e.Confirmed().IsValid())

	e.Confirm(a)
	require.Equal(t, a, e.Confirmed())

	// confirming an address not in the set is a no-op
	e.Confirm(other)
	require.Equal(t, a, e.Confirmed())

	// disconfirm with a mismatched argument is a no-op
	e.Disconfirm(b)
	require.Equal(t, a, e.Confirmed())

	e.Disconfirm(a)
	require.False(t, e.Confirmed().IsValid())
}

// invariant 2: after any sequence of Add/Confirm/Disconfirm, Confirmed()
// is either unset or a member of GetAll().
func TestConfirmMembershipInvariantUnderConcurrency(t *testing.T) {
	e := newEndpoint("example.com", nil)
	addrs := []netip.Addr{
		netip.MustParseAddr("1.1.1.1"),
		netip.MustParseAddr("1.0.0.1"),
		netip.MustParseAddr("9.9.9.9"),
	}
	for _, a := range addrs {
		e.addUnique(a)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		a := addrs[i%len(addrs)]
		go func() { defer wg.Done(); e.Confirm(a) }()
		go func() { defer wg.Done(); e.Disconfirm(a) }()
	}
	wg.Wait()

	c := e.Confirmed()
	if !c.IsValid() {
		return
	}
	all := e.GetAll()
	found := false
	for _, a := range all {
		if a == c {
			found = true
			break
		}
	}
	require.True(t, found, "confirmed address %v must be a member of %v", c, all)
}

func TestEndpointEmpty(t *testing.T) {
	e := newEndpoint("example.com", nil)
	require.True(t, e.Empty())
	e.Add("1.1.1.1")
	require.False(t, e.Empty())
}

func TestIPMapGetIsStable(t *testing.T) {
	im := NewIPMap(nil)
	e1 := im.Get("example.com")
	e2 := im.Get("example.com")
	require.Same(t, e1, e2)
}

func TestIPMapOfSeedsEndpoint(t *testing.T) {
	im := NewIPMap(nil)
	e := im.Of("example.com", []string{"1.1.1.1", "8.8.8.8"})
	require.Len(t, e.GetAll(), 2)
}

func TestIPMapGetAnyDoesNotCreate(t *testing.T) {
	im := NewIPMap(nil)
	require.Nil(t, im.GetAny("example.com"))
	im.Get("example.com")
	require.NotNil(t, im.GetAny("example.com"))
}

func TestIPMapResolverToleratesFailure(t *testing.T) {
	im := NewIPMap(func(hostname string) ([]netip.Addr, error) {
		return nil, errResolveFailed
	})
	e := im.Get("example.com")
	require.True(t, e.Empty())
}
