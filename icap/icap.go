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

// Package icap declares the REQMOD/RESPMOD adaptation contract the
// forward tasks optionally interpose between parsing a request (or
// response) and forwarding it upstream (or to the client), plus a
// BypassAdapter that always passes the message through unmodified and
// a minimal NetAdapter that speaks the ICAP wire protocol over a
// net.Conn (spec §4.F).
package icap

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
)

// Outcome is the tagged result of adapting one HTTP message.
type Outcome interface{ outcome() }

// OriginalTransferred means the adapter returned a 204-style verdict:
// forward the original message unchanged.
type OriginalTransferred struct{}

func (OriginalTransferred) outcome() {}

// AdaptedTransferred carries a replacement header/body the adapter
// produced in place of the original message.
type AdaptedTransferred struct {
	Header *http.Header
	Body   []byte
}

func (AdaptedTransferred) outcome() {}

// HttpErrResponse means the adapter wants the forward task to send
// this response directly to the client and stop.
type HttpErrResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

func (HttpErrResponse) outcome() {}

// Adapter is the REQMOD/RESPMOD contract.
type Adapter interface {
	// REQMOD adapts a request before it is sent upstream.
	REQMOD(ctx context.Context, req *http.Request, body []byte) (Outcome, error)
	// RESPMOD adapts a response before it is sent to the client. It
	// must never be called before the final, non-1xx response header
	// has been received (spec §4.G "Ordering guarantees").
	RESPMOD(ctx context.Context, req *http.Request, resp *http.Response, body []byte) (Outcome, error)
}

// BypassAdapter never modifies anything; it exists so the forward
// tasks can treat "no ICAP configured" and "ICAP configured but
// inert" identically.
type BypassAdapter struct{}

func (BypassAdapter) REQMOD(context.Context, *http.Request, []byte) (Outcome, error) {
	return OriginalTransferred{}, nil
}

func (BypassAdapter) RESPMOD(context.Context, *http.Request, *http.Response, []byte) (Outcome, error) {
	return OriginalTransferred{}, nil
}

// NetAdapter speaks a minimal subset of RFC 3507 ICAP over a
// persistent net.Conn to a single service URI: it sends a bare
// "METHOD service ICAP/1.0" request line, without encapsulating the
// HTTP message or its body, reads back a status line and header
// block, and classifies the reply: 204 as OriginalTransferred, 200 as
// AdaptedTransferred carrying the ICAP header block, and any other
// status as a 502 HttpErrResponse.
type NetAdapter struct {
	Conn    net.Conn
	Service string // e.g. "icap://adaptor.local:1344/reqmod"
}

func (a *NetAdapter) REQMOD(ctx context.Context, req *http.Request, body []byte) (Outcome, error) {
	return a.roundTrip(ctx, "REQMOD", req, nil, body)
}

func (a *NetAdapter) RESPMOD(ctx context.Context, req *http.Request, resp *http.Response, body []byte) (Outcome, error) {
	return a.roundTrip(ctx, "RESPMOD", req, resp, body)
}

func (a *NetAdapter) roundTrip(_ context.Context, method string, req *http.Request, resp *http.Response, body []byte) (Outcome, error) {
	w := bufio.NewWriter(a.Conn)
	if _, err := fmt.Fprintf(w, "%s %s ICAP/1.0\r\n\r\n", method, a.Service); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	r := bufio.NewReader(a.Conn)
	tp := textproto.NewReader(r)
	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}

	var status int
	if _, err := fmt.Sscanf(statusLine, "ICAP/1.0 %d", &status); err != nil {
		return nil, fmt.Errorf("icap: malformed status line %q", statusLine)
	}

	switch status {
	case 204:
		return OriginalTransferred{}, nil
	case 200:
		h := http.Header(hdr)
		return AdaptedTransferred{Header: &h, Body: nil}, nil
	default:
		return HttpErrResponse{Status: 502, Header: http.Header{}, Body: []byte("icap adaptation failed")}, nil
	}
}
