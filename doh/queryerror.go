// Copyright (c) 2022 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package doh

import (
	"errors"
	"fmt"
)

// Status is the closed set of outcomes a Query can report.
type Status int

const (
	StatusComplete Status = iota
	StatusSendFailed
	StatusHTTPError
	StatusBadQuery
	StatusBadResponse
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusSendFailed:
		return "send-failed"
	case StatusHTTPError:
		return "http-error"
	case StatusBadQuery:
		return "bad-query"
	case StatusBadResponse:
		return "bad-response"
	case StatusInternalError:
		return "internal-error"
	default:
		return "unknown"
	}
}

var errNoUnderlying = errors.New("doh: no underlying error")

// QueryError carries the status of a failed Query alongside its cause.
type QueryError struct {
	status Status
	err    error
}

func newQueryError(status Status, err error) *QueryError {
	if err == nil {
		err = errNoUnderlying
	}
	return &QueryError{status, err}
}

func (e *QueryError) Error() string { return e.err.Error() }
func (e *QueryError) Unwrap() error { return e.err }
func (e *QueryError) Status() Status { return e.status }
func (e *QueryError) SendFailed() bool { return e.status == StatusSendFailed }

func newSendFailedError(err error) *QueryError     { return newQueryError(StatusSendFailed, err) }
func newHTTPError(code int) *QueryError            { return newQueryError(StatusHTTPError, &httpError{code}) }
func newHangoverError() *QueryError                { return newQueryError(StatusHTTPError, errors.New("forwarder in servfail hangover")) }
func newBadQueryError(err error) *QueryError       { return newQueryError(StatusBadQuery, err) }
func newBadResponseError(err error) *QueryError    { return newQueryError(StatusBadResponse, err) }
func newInternalError(err error) *QueryError       { return newQueryError(StatusInternalError, err) }

type httpError struct {
	code int
}

func (e *httpError) Error() string { return fmt.Sprintf("doh: http request failed: %d", e.code) }
