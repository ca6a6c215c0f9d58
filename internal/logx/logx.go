// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package logx is a thin leveled wrapper over log/slog, mirroring the
// verbose/debug/info/warn/error call shape used throughout the dataplane.
package logx

import (
	"log/slog"
	"os"
	"sync/atomic"
)

type Level int32

const (
	LevelVerbose Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

var level atomic.Int32

func init() {
	level.Store(int32(LevelInfo))
}

// SetLevel adjusts the minimum level that reaches the underlying logger.
func SetLevel(l Level) {
	level.Store(int32(l))
}

var std = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

func enabled(l Level) bool {
	return int32(l) >= level.Load()
}

func V(msg string, args ...any) {
	if enabled(LevelVerbose) {
		std.Debug(msg, args...)
	}
}

func D(msg string, args ...any) {
	if enabled(LevelDebug) {
		std.Debug(msg, args...)
	}
}

func I(msg string, args ...any) {
	if enabled(LevelInfo) {
		std.Info(msg, args...)
	}
}

func W(msg string, args ...any) {
	if enabled(LevelWarn) {
		std.Warn(msg, args...)
	}
}

func E(msg string, args ...any) {
	if enabled(LevelError) {
		std.Error(msg, args...)
	}
}
