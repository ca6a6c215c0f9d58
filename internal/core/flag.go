// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import "sync"

// Flag is a one-way signal: initially open, closable exactly once,
// observable without blocking, and waitable. No payload ever crosses it.
type Flag struct {
	once sync.Once
	ch   chan struct{}
}

func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// Close closes the flag. Safe to call more than once or concurrently.
func (f *Flag) Close() {
	f.once.Do(func() { close(f.ch) })
}

// Is reports whether the flag is closed, without blocking.
func (f *Flag) Is() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the flag is closed.
func (f *Flag) Wait() {
	<-f.ch
}

// C exposes the underlying channel for use in select statements.
func (f *Flag) C() <-chan struct{} {
	return f.ch
}
