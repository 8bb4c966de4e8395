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

// Package inspect implements the stream protocol classifier of spec
// §4.J: race the client and upstream sides for the first bytes of a
// freshly accepted duplex pair, inspect whichever side answered first
// against the recognised protocol signatures, and hand the connection
// off pre-buffered so no peeked byte is lost.
package inspect

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"time"

	"github.com/sabouaram/g3forward/errs"
)

// Protocol is the outcome of one classification pass.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolHTTP1
	ProtocolHTTP2
	ProtocolTLS
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP1:
		return "http1"
	case ProtocolHTTP2:
		return "http2"
	case ProtocolTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// http2Preface is the fixed connection preface RFC 7540 §3.5 requires
// every HTTP/2 client to send first.
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

var http1Methods = [][]byte{
	[]byte("GET "), []byte("HEAD "), []byte("POST "), []byte("PUT "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("PATCH "), []byte("TRACE "),
	[]byte("CONNECT "),
}

// Config bounds the classification timeouts of spec §4.J.
type Config struct {
	InitialDataWaitTimeout time.Duration // data0_wait_timeout
	InitialDataReadTimeout time.Duration // data0_read_timeout
	BufferSize             int
	MaxInspectionDepth      int
}

// Inspector tracks how many times a single connection has been
// re-classified (spec §4.J "inspection depth counter" — e.g. after a
// TLS layer is stripped the plaintext behind it is inspected again).
type Inspector struct {
	Cfg   Config
	depth int
}

// Result is the classified protocol plus the client/upstream readers
// pre-seeded with whatever bytes were peeked to reach a verdict, so
// the caller never re-reads or drops them (spec §4.J "no peeked byte
// is lost").
type Result struct {
	Protocol Protocol
	ClientR  io.Reader
	UpstreamR io.Reader
	Depth    int
}

// Classify races reads from clientR and upstreamR, inspects whichever
// side answers first against the known signatures, and degrades to
// ProtocolUnknown if inspection exceeds its read timeout or the
// initial wait produces nothing from either side in time (spec §4.J
// "timeout degrades to Unknown").
func (ins *Inspector) Classify(ctx context.Context, clientR, upstreamR io.Reader) (*Result, errs.Error) {
	if ins.Cfg.MaxInspectionDepth > 0 && ins.depth >= ins.Cfg.MaxInspectionDepth {
		return &Result{Protocol: ProtocolUnknown, ClientR: clientR, UpstreamR: upstreamR, Depth: ins.depth}, nil
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if ins.Cfg.InitialDataWaitTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, ins.Cfg.InitialDataWaitTimeout)
		defer cancel()
	}

	bufSize := ins.Cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 4096
	}

	source, clientBuf, upstreamBuf, err := waitInitialData(waitCtx, clientR, upstreamR, bufSize)
	if err != nil {
		if err == context.DeadlineExceeded {
			return unknownResult(ins, clientR, upstreamR, nil, nil), nil
		}
		return nil, errs.New(errs.CodeClientTcpReadFailed, "read initial inspection data", err)
	}

	readCtx := ctx
	if ins.Cfg.InitialDataReadTimeout > 0 {
		var rcancel context.CancelFunc
		readCtx, rcancel = context.WithTimeout(ctx, ins.Cfg.InitialDataReadTimeout)
		defer rcancel()
	}

	// The inspection loop runs in its own goroutine and reports back
	// over a channel rather than mutating clientBuf/upstreamBuf
	// directly: on a read-timeout the caller gives up waiting while
	// that goroutine may still be blocked in a Read, so the buffers it
	// would have produced must never be touched by the caller.
	type loopResult struct {
		proto Protocol
		buf   []byte
		err   errs.Error
	}
	results := make(chan loopResult, 1)
	go func() {
		var r loopResult
		switch source {
		case sourceClient:
			r.proto, r.buf, r.err = inspectLoop(clientR, clientBuf, bufSize)
		case sourceUpstream:
			r.proto, r.buf, r.err = inspectLoop(upstreamR, upstreamBuf, bufSize)
		}
		results <- r
	}()

	var proto Protocol
	select {
	case r := <-results:
		if r.err != nil {
			return nil, r.err
		}
		proto = r.proto
		if source == sourceClient {
			clientBuf = r.buf
		} else {
			upstreamBuf = r.buf
		}
	case <-readCtx.Done():
		return unknownResult(ins, clientR, upstreamR, clientBuf, upstreamBuf), nil
	}

	ins.depth++
	return &Result{
		Protocol:  proto,
		ClientR:   prependReader(clientBuf, clientR),
		UpstreamR: prependReader(upstreamBuf, upstreamR),
		Depth:     ins.depth,
	}, nil
}

func unknownResult(ins *Inspector, clientR, upstreamR io.Reader, clientBuf, upstreamBuf []byte) *Result {
	ins.depth++
	return &Result{
		Protocol:  ProtocolUnknown,
		ClientR:   prependReader(clientBuf, clientR),
		UpstreamR: prependReader(upstreamBuf, upstreamR),
		Depth:     ins.depth,
	}
}

// prependReader wraps src so any already-peeked bytes are replayed
// before further reads reach the underlying connection (the
// once-buffered-reader pattern spec §4.J requires on every
// classification outcome).
func prependReader(peeked []byte, src io.Reader) io.Reader {
	if len(peeked) == 0 {
		return src
	}
	return io.MultiReader(bytes.NewReader(peeked), src)
}

type initialSource int

const (
	sourceClient initialSource = iota
	sourceUpstream
)

// waitInitialData is the biased select of spec §4.J "wait_initial_data":
// the client side is preferred when both sides have data ready at the
// same instant, matching the Rust `tokio::select! { biased; ... }`
// ordering this mirrors.
func waitInitialData(ctx context.Context, clientR, upstreamR io.Reader, bufSize int) (initialSource, []byte, []byte, error) {
	clientCh := make(chan readOutcome, 1)
	upstreamCh := make(chan readOutcome, 1)

	go func() { clientCh <- readOnce(clientR, bufSize) }()
	go func() { upstreamCh <- readOnce(upstreamR, bufSize) }()

	// Client is preferred when both sides already have data waiting,
	// mirroring the `tokio::select! { biased; ... }` ordering this
	// function is modeled on: a non-blocking peek at clientCh first,
	// falling through to a fair select only if it isn't ready yet.
	select {
	case c := <-clientCh:
		if c.err != nil {
			return 0, nil, nil, c.err
		}
		return sourceClient, c.buf, nil, nil
	default:
	}

	select {
	case c := <-clientCh:
		if c.err != nil {
			return 0, nil, nil, c.err
		}
		return sourceClient, c.buf, nil, nil
	case u := <-upstreamCh:
		if u.err != nil {
			return 0, nil, nil, u.err
		}
		return sourceUpstream, nil, u.buf, nil
	case <-ctx.Done():
		return 0, nil, nil, ctx.Err()
	}
}

type readOutcome struct {
	buf []byte
	err error
}

func readOnce(r io.Reader, bufSize int) readOutcome {
	buf := make([]byte, bufSize)
	n, err := r.Read(buf)
	if n > 0 {
		return readOutcome{buf: buf[:n]}
	}
	return readOutcome{err: err}
}

// inspectLoop grows buf by reading more from src until check()
// reaches a verdict or the source runs dry (spec §4.J
// "inspect_client_data"/"inspect_server_data" retry-on-short-buffer
// loop).
func inspectLoop(src io.Reader, buf []byte, bufSize int) (Protocol, []byte, errs.Error) {
	for {
		if p, ok := check(buf); ok {
			return p, buf, nil
		}
		more := make([]byte, bufSize)
		n, err := src.Read(more)
		if n > 0 {
			buf = append(buf, more[:n]...)
			continue
		}
		if err == io.EOF {
			return ProtocolUnknown, buf, nil
		}
		if err != nil {
			return ProtocolUnknown, buf, errs.New(errs.CodeClientTcpReadFailed, "read initial inspection data", err)
		}
	}
}

// check classifies buf against the three recognised signatures,
// returning ok=false while buf is a valid-but-incomplete prefix of
// one of them (spec §4.J "ProtocolInspector").
func check(buf []byte) (Protocol, bool) {
	if len(buf) == 0 {
		return ProtocolUnknown, false
	}

	if n := len(http2Preface); len(buf) >= n {
		if string(buf[:n]) == http2Preface {
			return ProtocolHTTP2, true
		}
	} else if string(buf) == http2Preface[:len(buf)] {
		return ProtocolUnknown, false // still a valid HTTP/2 preface prefix
	}

	if len(buf) < 3 && buf[0] == 0x16 && (len(buf) == 1 || buf[1] == 0x03) {
		return ProtocolUnknown, false // still a valid TLS record header prefix
	}

	if isTLSRecord(buf) {
		return ProtocolTLS, true
	}

	if looksLikeHTTP1(buf) {
		return ProtocolHTTP1, true
	}

	// buf matched none of the known prefixes outright: only keep
	// waiting if it is still a plausible prefix of an HTTP/1 method.
	for _, m := range http1Methods {
		if len(buf) < len(m) && bytes.HasPrefix(m, buf) {
			return ProtocolUnknown, false
		}
	}
	return ProtocolUnknown, true
}

// isTLSRecord checks for a TLS record header: content type 0x16
// (handshake) followed by a {3,1}..{3,4} protocol version, per the
// fixed-position signature g3proxy's ProtocolInspector uses for
// TlsModern detection.
func isTLSRecord(buf []byte) bool {
	if len(buf) < 3 {
		return false
	}
	if buf[0] != 0x16 {
		return false
	}
	if buf[1] != 0x03 {
		return false
	}
	return buf[2] >= 0x01 && buf[2] <= 0x04
}

func looksLikeHTTP1(buf []byte) bool {
	for _, m := range http1Methods {
		if bytes.HasPrefix(buf, m) {
			return true
		}
	}
	return false
}

// BufReaderForHTTP1 wraps a Result classified as ProtocolHTTP1 into
// the *bufio.Reader forward1.Task.UpstreamR expects, mirroring
// g3proxy's FlexBufReader hand-off from stream inspection to the
// HTTP/1 forward path.
func BufReaderForHTTP1(r *Result, fromClient bool) *bufio.Reader {
	if fromClient {
		return bufio.NewReader(r.ClientR)
	}
	return bufio.NewReader(r.UpstreamR)
}
