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

// Package forward2 implements the per-stream HTTP/2 forward task of
// spec §4.H: Expect-100 handling, a bounded wait for the upstream
// multiplexer to open a stream, straight/adapted request forwarding,
// ICAP REQMOD/RESPMOD delegation when an Adapter is configured, and
// push-promise forwarding for GET requests that accept it.
package forward2

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/sabouaram/g3forward/errs"
	"github.com/sabouaram/g3forward/icap"
	"github.com/sabouaram/g3forward/logging"
	"github.com/sabouaram/g3forward/task"
)

// Config bounds the per-stream timeouts of spec §4.H.
type Config struct {
	SilentDropExpectHeader bool
	StreamOpenTimeout      time.Duration
	RspHeadRecvTimeout     time.Duration
	MaxIdleCount           int
}

// Multiplexer is the narrow upstream-transport contract forward2
// needs: open a new HTTP/2 stream, write header/body frames, and read
// response frames. A real implementation wraps golang.org/x/net/http2.
type Multiplexer interface {
	OpenStream(ctx context.Context) (Stream, error)
}

// Stream is one HTTP/2 request/response exchange on a Multiplexer.
// Header values exchanged over Stream already carry any HTTP/2
// pseudo-headers (":status" on the response side) the way the
// underlying frame layer would deliver them.
type Stream interface {
	WriteHeader(h http.Header, endStream bool) error
	WriteData(p []byte, endStream bool) (int, error)
	ReadResponseHeader() (status int, header http.Header, endStream bool, err error)
	ReadData(p []byte) (int, bool, error) // returns n, endStream, err
	PushPromises() <-chan PushPromise
}

// PushPromise is a server-initiated stream a GET-accepting client
// stream may receive (spec §4.H "Push promises").
type PushPromise struct {
	Header http.Header
	Stream Stream
}

// Task runs one client HTTP/2 stream against one Multiplexer stream.
// When Adapter is set, the request and response both go through
// REQMOD/RESPMOD before being relayed (spec §4.H steps 3 and 6);
// otherwise the stream is forwarded straight through.
type Task struct {
	Cfg     Config
	Adapter icap.Adapter
	Logger  logging.Logger
}

// ErrExpectationFailed is the parent of the error Run returns when an
// Expect header triggers a 417 reply per spec §4.H step 1.
var ErrExpectationFailed = errors.New("forward2: expectation failed")

// Run executes spec §4.H's per-stream algorithm against an already
// opened Multiplexer. clientStream is the client's HTTP/2 stream, to
// which the upstream response (or an error response) is written.
func (t *Task) Run(ctx context.Context, mux Multiplexer, req *http.Request, clientStream Stream) *Result {
	n := task.New(time.Now())

	if req.Header.Get("Expect") != "" {
		if t.Cfg.SilentDropExpectHeader {
			req.Header.Del("Expect")
		} else {
			_ = clientStream.WriteHeader(http.Header{":status": []string{strconv.Itoa(http.StatusExpectationFailed)}}, true)
			return t.finish(n, errs.New(errs.CodeInvalidClientProtocol, "unsupported Expect header (417)", ErrExpectationFailed))
		}
	}

	openCtx := ctx
	var cancel context.CancelFunc
	if t.Cfg.StreamOpenTimeout > 0 {
		openCtx, cancel = context.WithTimeout(ctx, t.Cfg.StreamOpenTimeout)
		defer cancel()
	}
	up, err := mux.OpenStream(openCtx)
	if err != nil {
		return t.finish(n, errs.New(errs.CodeUpstreamAppUnavailable, "stream-open timeout (REFUSED_STREAM)", err))
	}
	n.StreamReadyAt = time.Now()

	acceptsPush := req.Method == http.MethodGet

	if t.Adapter != nil {
		return t.runAdapted(ctx, up, req, clientStream, n, acceptsPush)
	}
	return t.runStraight(ctx, up, req, clientStream, n, acceptsPush)
}

// runStraight forwards the request and response frame-for-frame with
// no ICAP involvement.
func (t *Task) runStraight(ctx context.Context, up Stream, req *http.Request, clientStream Stream, n *task.Notes, acceptsPush bool) *Result {
	hasBody := req.Body != nil && req.Body != http.NoBody
	if err := up.WriteHeader(req.Header, !hasBody); err != nil {
		return t.finish(n, errs.New(errs.CodeUpstreamWriteFailed, "write request header", err))
	}
	n.ReqHeaderSentAt = time.Now()

	if hasBody {
		if err := t.copyBody(req, up, n); err != nil {
			return t.finish(n, err)
		}
	} else {
		n.ReqBodySentAt = n.ReqHeaderSentAt
	}

	if acceptsPush {
		go t.forwardPushPromises(ctx, up)
	}

	status, hdr, endStream, rerr := t.waitResponseHeader(up)
	if rerr != nil {
		return t.finish(n, rerr)
	}
	n.RspHeaderRecvAt = time.Now()
	n.RspStatus = status
	n.OriginStatus = status

	if err := clientStream.WriteHeader(hdr, endStream); err != nil {
		return t.finish(n, errs.New(errs.CodeClientTcpWriteFailed, "write response header to client", err))
	}
	if !endStream {
		if err := t.pumpResponseBody(up, clientStream, n); err != nil {
			return t.finish(n, err)
		}
	} else {
		n.RspBodyRecvAt = time.Now()
	}

	return t.finish(n, nil)
}

// runAdapted runs the request through REQMOD before it reaches
// upstream and the response through RESPMOD before it reaches the
// client (spec §4.H steps 3 and 6). An HttpErrResponse verdict from
// either call is sent to the client directly: a REQMOD verdict before
// upstream is ever touched, a RESPMOD verdict in place of the
// upstream's own response.
func (t *Task) runAdapted(ctx context.Context, up Stream, req *http.Request, clientStream Stream, n *task.Notes, acceptsPush bool) *Result {
	var raw []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return t.finish(n, errs.New(errs.CodeClientTcpReadFailed, "read request body for adaptation", err))
		}
		raw = b
	}

	reqOutcome, aerr := t.Adapter.REQMOD(ctx, req, raw)
	if aerr != nil {
		return t.finish(n, errs.New(errs.CodeInternalAdapterError, "REQMOD failed", aerr))
	}
	if errResp, ok := reqOutcome.(icap.HttpErrResponse); ok {
		return t.finish(n, t.writeErrorResponse(clientStream, errResp, n))
	}

	hdr, body := req.Header, raw
	if adapted, ok := reqOutcome.(icap.AdaptedTransferred); ok {
		if adapted.Header != nil {
			hdr = *adapted.Header
		}
		if adapted.Body != nil {
			body = adapted.Body
		}
	}
	if verr := t.encodeForWire(hdr); verr != nil {
		return t.finish(n, verr)
	}

	if err := up.WriteHeader(hdr, len(body) == 0); err != nil {
		return t.finish(n, errs.New(errs.CodeUpstreamWriteFailed, "write adapted request header", err))
	}
	n.ReqHeaderSentAt = time.Now()
	if len(body) > 0 {
		if _, err := up.WriteData(body, true); err != nil {
			return t.finish(n, errs.New(errs.CodeUpstreamWriteFailed, "write adapted request body", err))
		}
	}
	n.ReqBodySentAt = time.Now()

	if acceptsPush {
		go t.forwardPushPromises(ctx, up)
	}

	status, rhdr, endStream, rerr := t.waitResponseHeader(up)
	if rerr != nil {
		return t.finish(n, rerr)
	}
	n.RspHeaderRecvAt = time.Now()
	n.RspStatus = status
	n.OriginStatus = status

	var rbody []byte
	if !endStream {
		b, err := t.readAllResponseBody(up)
		if err != nil {
			return t.finish(n, err)
		}
		rbody = b
	}
	n.RspBodyRecvAt = time.Now()

	resp := &http.Response{StatusCode: status, Header: rhdr}
	respOutcome, aerr := t.Adapter.RESPMOD(ctx, req, resp, rbody)
	if aerr != nil {
		return t.finish(n, errs.New(errs.CodeInternalAdapterError, "RESPMOD failed", aerr))
	}
	if errResp, ok := respOutcome.(icap.HttpErrResponse); ok {
		return t.finish(n, t.writeErrorResponse(clientStream, errResp, n))
	}

	finalHdr, finalBody := rhdr, rbody
	if adapted, ok := respOutcome.(icap.AdaptedTransferred); ok {
		if adapted.Header != nil {
			finalHdr = *adapted.Header
		}
		if adapted.Body != nil {
			finalBody = adapted.Body
		}
	}
	if verr := t.encodeForWire(finalHdr); verr != nil {
		return t.finish(n, verr)
	}
	if err := clientStream.WriteHeader(finalHdr, len(finalBody) == 0); err != nil {
		return t.finish(n, errs.New(errs.CodeClientTcpWriteFailed, "write adapted response header to client", err))
	}
	if len(finalBody) > 0 {
		if _, err := clientStream.WriteData(finalBody, true); err != nil {
			return t.finish(n, errs.New(errs.CodeClientTcpWriteFailed, "write adapted response body to client", err))
		}
	}
	return t.finish(n, nil)
}

// writeErrorResponse sends an ICAP-adapter-produced HttpErrResponse
// straight to the client stream in place of whatever the normal path
// would have written.
func (t *Task) writeErrorResponse(clientStream Stream, o icap.HttpErrResponse, n *task.Notes) errs.Error {
	n.SendErrorResponse = true
	status := o.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	h := o.Header
	if h == nil {
		h = http.Header{}
	}
	h.Set(":status", strconv.Itoa(status))
	if verr := t.encodeForWire(h); verr != nil {
		return verr
	}
	if err := clientStream.WriteHeader(h, len(o.Body) == 0); err != nil {
		return errs.New(errs.CodeClientTcpWriteFailed, "write adapted error header", err)
	}
	if len(o.Body) > 0 {
		if _, err := clientStream.WriteData(o.Body, true); err != nil {
			return errs.New(errs.CodeClientTcpWriteFailed, "write adapted error body", err)
		}
	}
	n.RspStatus = status
	n.OriginStatus = status
	n.RspBodyRecvAt = time.Now()
	return nil
}

// encodeForWire rejects an adapter-produced header set that hpack
// cannot encode as an HTTP/2 header block, catching a malformed
// adaptation before it reaches the stream layer.
func (t *Task) encodeForWire(h http.Header) errs.Error {
	if _, err := encodeHeaderBlock(h); err != nil {
		return errs.New(errs.CodeInternalAdapterError, "adapted header not encodable as an HTTP/2 header block", err)
	}
	return nil
}

func (t *Task) copyBody(req *http.Request, up Stream, n *task.Notes) errs.Error {
	buf := make([]byte, 32*1024)
	idle := 0
	for {
		rn, rerr := req.Body.Read(buf)
		if rn > 0 {
			if _, werr := up.WriteData(buf[:rn], false); werr != nil {
				return errs.New(errs.CodeUpstreamWriteFailed, "write request body frame", werr)
			}
			idle = 0
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return errs.New(errs.CodeClientTcpReadFailed, "read request body", rerr)
		}
		if rn == 0 {
			idle++
			if t.Cfg.MaxIdleCount > 0 && idle >= t.Cfg.MaxIdleCount {
				return errs.New(errs.CodeClientAppTimeout, "client body idle timeout")
			}
		}
	}
	if _, err := up.WriteData(nil, true); err != nil {
		return errs.New(errs.CodeUpstreamWriteFailed, "write end-stream frame", err)
	}
	n.ReqBodySentAt = time.Now()
	return nil
}

func (t *Task) waitResponseHeader(up Stream) (int, http.Header, bool, errs.Error) {
	status, hdr, endStream, err := up.ReadResponseHeader()
	if err != nil {
		return 0, nil, false, errs.New(errs.CodeUpstreamReadFailed, "read response header", err)
	}
	return status, hdr, endStream, nil
}

func (t *Task) pumpResponseBody(up Stream, clientStream Stream, n *task.Notes) errs.Error {
	buf := make([]byte, 32*1024)
	for {
		rn, end, rerr := up.ReadData(buf)
		if rn > 0 {
			if _, werr := clientStream.WriteData(buf[:rn], end && rn == 0); werr != nil {
				return errs.New(errs.CodeClientTcpWriteFailed, "write response body frame", werr)
			}
		}
		if rerr != nil {
			return errs.New(errs.CodeUpstreamReadFailed, "read response body frame", rerr)
		}
		if end {
			if _, werr := clientStream.WriteData(nil, true); werr != nil {
				return errs.New(errs.CodeClientTcpWriteFailed, "write end-stream frame", werr)
			}
			break
		}
	}
	n.RspBodyRecvAt = time.Now()
	return nil
}

// readAllResponseBody buffers a full upstream response body so it can
// be handed to RESPMOD in one piece, matching the icap.Adapter
// contract's []byte body parameter.
func (t *Task) readAllResponseBody(up Stream) ([]byte, errs.Error) {
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		rn, end, rerr := up.ReadData(buf)
		if rn > 0 {
			out = append(out, buf[:rn]...)
		}
		if rerr != nil {
			return nil, errs.New(errs.CodeUpstreamReadFailed, "read response body frame for adaptation", rerr)
		}
		if end {
			break
		}
	}
	return out, nil
}

// forwardPushPromises relays every server push the upstream offers to
// the client stream, for methods that accept push (spec §4.H).
func (t *Task) forwardPushPromises(ctx context.Context, up Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case pp, ok := <-up.PushPromises():
			if !ok {
				return
			}
			_ = pp.Stream.WriteHeader(pp.Header, false)
		}
	}
}

// Result is what Run reports back to the caller.
type Result struct {
	Notes *task.Notes
	Err   errs.Error
}

func (t *Task) finish(n *task.Notes, err errs.Error) *Result {
	if t.Logger != nil {
		f := logging.Fields{
			"task_id":          n.ID.String(),
			"stream_ready_ms":  n.StreamReadyDelay().Milliseconds(),
			"send_header_ms":   n.SendHeaderDuration().Milliseconds(),
			"recv_header_ms":   n.RecvHeaderDuration().Milliseconds(),
			"rsp_status":       n.RspStatus,
		}
		if err != nil {
			f["error"] = err.Error()
			f["error_code"] = err.Code()
		}
		t.Logger.Summary(f)
	}
	return &Result{Notes: n, Err: err}
}

// encodeHeaderBlock hpack-encodes an http.Header into an HTTP/2
// header block fragment. It backs encodeForWire's validation of
// adapter-produced headers before they are handed to a Stream.
func encodeHeaderBlock(h http.Header) ([]byte, error) {
	var buf []byte
	enc := hpack.NewEncoder(sliceWriter{&buf})
	for k, vs := range h {
		for _, v := range vs {
			if err := enc.WriteField(hpack.HeaderField{Name: k, Value: v}); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

type sliceWriter struct{ buf *[]byte }

func (w sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
