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

// Package errs provides the forward-proxy error taxonomy: a numeric
// CodeError classification layered on top of the standard error
// interface, with parent-error chaining and errors.Is/As compatibility.
package errs

import (
	"errors"
	"fmt"
)

// CodeError is a numeric error classification, similar in spirit to an
// HTTP status code but specific to the forward-task error taxonomy of
// the forwarding engine (see CodeError constants below).
type CodeError uint16

const (
	CodeUnknown CodeError = iota

	// user-facing refusals (band 1) -> map to 4xx
	CodeForbiddenByRule
	CodeInvalidClientProtocol
	CodeUnimplementedProtocol
	CodeTokenNotMatch
	CodeExpiredUser
	CodeBlockedUser
	CodeBlockedSrcIp
	CodeRateLimited
	CodeFullyLoaded

	// transport/timeout failures (band 2) -> map to 5xx or close
	CodeClientTcpReadFailed
	CodeClientTcpWriteFailed
	CodeUpstreamReadFailed
	CodeUpstreamWriteFailed
	CodeClosedByClient
	CodeClosedByUpstream
	CodeUpstreamAppTimeout
	CodeClientAppTimeout
	CodeUpstreamAppError
	CodeUpstreamAppUnavailable
	CodeTcpConnectFailed

	// fatal integrity failures (band 3) -> always should_close
	CodeInternalAdapterError
	CodeInternalServerError

	// cooperative cancellation
	CodeCanceledAsUserBlocked
	CodeCanceledAsServerQuit

	CodeFinished
)

// Error extends the standard error interface with a numeric code and
// parent-error chaining, modeled on the teacher's errors.Error.
type Error interface {
	error
	Code() CodeError
	Unwrap() error
	Add(parent error) Error
	GetParent() error
	// ShouldClose reports whether, per spec §7, this error forces the
	// client connection to close rather than allow keep-alive reuse.
	ShouldClose() bool
}

type ers struct {
	code   CodeError
	msg    string
	parent error
}

func (e *ers) Error() string {
	if e.parent != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.parent.Error())
	}
	return e.msg
}

func (e *ers) Code() CodeError { return e.code }
func (e *ers) Unwrap() error   { return e.parent }

func (e *ers) Add(parent error) Error {
	e.parent = parent
	return e
}

func (e *ers) GetParent() error { return e.parent }

func (e *ers) ShouldClose() bool {
	switch e.code {
	case CodeFinished, CodeForbiddenByRule, CodeInvalidClientProtocol, CodeUnimplementedProtocol:
		return false
	default:
		return true
	}
}

// New builds a new Error with the given code, message and optional parent.
func New(code CodeError, msg string, parent ...error) Error {
	var p error
	if len(parent) > 0 {
		p = parent[0]
	}
	return &ers{code: code, msg: msg, parent: p}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code CodeError, pattern string, args ...any) Error {
	return &ers{code: code, msg: fmt.Sprintf(pattern, args...)}
}

// Is reports whether the first Error found in err's chain (err itself
// included) has the given code; Errors further down the chain are not
// consulted. It is built on top of errors.As for compatibility with
// the standard library.
func Is(err error, code CodeError) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Code() == code
	}
	return false
}

// Get returns err as an Error if it (or any wrapped error) is one.
func Get(err error) (Error, bool) {
	var e Error
	ok := errors.As(err, &e)
	return e, ok
}

// Make wraps a plain error into an Error with CodeUnknown if it is not
// already one.
func Make(err error) Error {
	if err == nil {
		return nil
	}
	if e, ok := Get(err); ok {
		return e
	}
	return New(CodeUnknown, err.Error())
}
