// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"sync"
	"time"
)

var (
	reapthreshold = 5 * time.Minute
	maxreapiter   = 100
	sizethreshold = 500
)

type val struct {
	expiry time.Time
	hits   uint32
}

// ExpMap is a mutex-guarded map of keys to expiry-tagged hit counters that
// is swept without a background sweep goroutine per entry. Nothing else in
// this module uses it at present.
type ExpMap struct {
	sync.Mutex
	m        map[string]*val
	lastreap time.Time
}

func NewExpiringMap() *ExpMap {
	return &ExpMap{
		m:        make(map[string]*val),
		lastreap: time.Now(),
	}
}

// Get returns the current hit count for key, resetting it if its expiry
// has passed, and otherwise incrementing it.
func (m *ExpMap) Get(key string) uint32 {
	n := time.Now()

	m.Lock()
	defer m.Unlock()

	v, ok := m.m[key]
	if !ok {
		v = &val{expiry: n}
		m.m[key] = v
	} else if n.After(v.expiry) {
		v.hits = 0
	} else {
		v.hits++
	}
	return v.hits
}

// Set moves key's expiry to now+expiry when that is later than its current
// expiry, keeping its hit count; otherwise (or when key is absent) it stores
// a fresh entry with that expiry and zero hits. It triggers an async reap.
func (m *ExpMap) Set(key string, expiry time.Duration) uint32 {
	n := time.Now().Add(expiry)

	m.Lock()
	defer m.Unlock()

	v, ok := m.m[key]
	if ok && n.After(v.expiry) {
		v.expiry = n
	} else {
		v = &val{expiry: n}
		m.m[key] = v
	}

	go m.reaper()

	return v.hits
}

func (m *ExpMap) Delete(key string) {
	m.Lock()
	defer m.Unlock()

	delete(m.m, key)
}

func (m *ExpMap) Len() int {
	m.Lock()
	defer m.Unlock()

	return len(m.m)
}

func (m *ExpMap) Clear() int {
	m.Lock()
	defer m.Unlock()

	l := len(m.m)
	m.m = make(map[string]*val)
	return l
}

func (m *ExpMap) reaper() {
	m.Lock()
	defer m.Unlock()

	l := len(m.m)
	if l < sizethreshold {
		return
	}

	now := time.Now()
	treap := m.lastreap.Add(reapthreshold)
	if now.Sub(treap) <= 0 {
		return
	}
	m.lastreap = now

	i := 0
	for k, v := range m.m {
		i++
		if now.Sub(v.expiry) > 0 {
			delete(m.m, k)
		}
		if i > maxreapiter {
			break
		}
	}
}
