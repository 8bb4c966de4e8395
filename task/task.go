/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package task holds the forward-task bookkeeping struct shared by
// forward1, forward2 and ftptask: per-request timestamps, derived
// durations, and the outcome flags the summary log line reports
// (spec §3 "Forward task notes", §6).
package task

import (
	"time"

	"github.com/google/uuid"
)

// Notes is created once per forwarded request and mutated as the
// request/response pair progresses through its lifecycle.
type Notes struct {
	ID uuid.UUID

	CreatedAt time.Time

	ReqHeaderSentAt  time.Time
	ReqBodySentAt    time.Time
	RspHeaderRecvAt  time.Time
	RspBodyRecvAt    time.Time
	StreamReadyAt    time.Time

	RspStatus    int
	OriginStatus int

	ShouldClose          bool
	SendErrorResponse    bool
	RetryNewConnection   bool
	ReusedConnection     bool
}

// New creates a Notes stamped with the current time as CreatedAt.
func New(now time.Time) *Notes {
	return &Notes{ID: uuid.New(), CreatedAt: now}
}

// SendHeaderDuration is the time from task creation to the request
// header being fully flushed to the upstream connection.
func (n *Notes) SendHeaderDuration() time.Duration {
	if n.ReqHeaderSentAt.IsZero() {
		return 0
	}
	return n.ReqHeaderSentAt.Sub(n.CreatedAt)
}

// SendAllDuration is the time from task creation to the full request
// body being flushed to upstream.
func (n *Notes) SendAllDuration() time.Duration {
	if n.ReqBodySentAt.IsZero() {
		return 0
	}
	return n.ReqBodySentAt.Sub(n.CreatedAt)
}

// RecvHeaderDuration is the time from request-header-sent to the
// final (non-1xx) response header being received.
func (n *Notes) RecvHeaderDuration() time.Duration {
	if n.RspHeaderRecvAt.IsZero() || n.ReqHeaderSentAt.IsZero() {
		return 0
	}
	return n.RspHeaderRecvAt.Sub(n.ReqHeaderSentAt)
}

// RecvAllDuration is the time from task creation to the full response
// body being received.
func (n *Notes) RecvAllDuration() time.Duration {
	if n.RspBodyRecvAt.IsZero() {
		return 0
	}
	return n.RspBodyRecvAt.Sub(n.CreatedAt)
}

// StreamReadyDelay is the time from task creation to an upstream
// connection becoming ready (dialed or fetched from the pool).
func (n *Notes) StreamReadyDelay() time.Duration {
	if n.StreamReadyAt.IsZero() {
		return 0
	}
	return n.StreamReadyAt.Sub(n.CreatedAt)
}
