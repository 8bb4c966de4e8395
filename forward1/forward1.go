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

// Package forward1 implements the HTTP/1 forward task of spec §4.G:
// serialise the request to the upstream connection, race the body
// copy against an early upstream response, forward 100/103 interim
// responses as they arrive, optionally run the request and response
// through an ICAP adapter, retry once on a fresh connection when a
// reused connection fails before any byte crossed the wire, pump the
// final response back to the client, and emit one summary log line
// per attempt.
package forward1

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sabouaram/g3forward/body"
	"github.com/sabouaram/g3forward/errs"
	"github.com/sabouaram/g3forward/icap"
	"github.com/sabouaram/g3forward/logging"
	"github.com/sabouaram/g3forward/metrics"
	"github.com/sabouaram/g3forward/task"
)

// Config bounds the idle/cancel clock and the response-header wait.
type Config struct {
	MaxIdleCount     int
	IdleTick         time.Duration
	RspHeaderTimeout time.Duration
	ServerID         string
}

// Hooks lets the caller observe cooperative cancellation signals on
// every idle tick (spec §5 "Cancellation") and supply a fresh
// upstream connection for the one retry spec §4.G allows.
type Hooks struct {
	UserBlocked   func() bool
	ServerQuit    func() bool
	DecorateError func(h http.Header)

	// Redial dials a fresh upstream connection for the single retry
	// spec §4.G "Retry" allows when a reused connection fails before
	// any request/response byte crossed the wire. A nil Redial (or a
	// Redial that itself errors) means the failure is reported as-is,
	// with no retry attempted.
	Redial func(ctx context.Context) (*bufio.Reader, io.Writer, error)
}

// Task runs one HTTP/1 request/response cycle over an already-open
// client/upstream pair.
type Task struct {
	Cfg     Config
	Hooks   Hooks
	Adapter icap.Adapter // nil means "no ICAP configured"
	Logger  logging.Logger
	Metrics *metrics.Registry
	Tags    metrics.Tags

	ClientWriter io.Writer
	UpstreamR    *bufio.Reader
	UpstreamW    io.Writer
}

// Result is what Run reports back to the listener loop.
type Result struct {
	Notes *task.Notes
	Err   errs.Error
}

// Run executes the top-level algorithm of spec §4.G. reused indicates
// the upstream connection was fetched from the keep-alive pool
// (required to decide whether a post-send-header failure is
// retryable). body_ and contentLength are accepted for parity with
// the caller's request framing and are not otherwise consulted here;
// req.Body already carries the framing the standard library decoded.
func (t *Task) Run(ctx context.Context, req *http.Request, body_ body.Type, contentLength int64, reused bool) *Result {
	now := time.Now()
	n := task.New(now)
	n.ReusedConnection = reused
	n.ShouldClose = decideShouldClose(req)
	if reused {
		t.incReqReuse()
	}

	res := t.attempt(ctx, req, n)
	if res.Err != nil && n.RetryNewConnection && t.Hooks.Redial != nil {
		renewed := task.New(now)
		renewed.ShouldClose = n.ShouldClose
		if r, w, derr := t.Hooks.Redial(ctx); derr == nil {
			t.UpstreamR, t.UpstreamW = r, w
			t.incReqRenew()
			res = t.attempt(ctx, req, renewed)
		}
	}
	return res
}

// attempt runs one full send/receive cycle against whatever upstream
// connection t currently holds. Run calls it a second time, against a
// freshly dialed connection, when the first attempt is retry-eligible.
func (t *Task) attempt(ctx context.Context, req *http.Request, n *task.Notes) *Result {
	var resp *http.Response

	if t.Adapter != nil {
		outcome, err := t.adaptedPath(ctx, req, n)
		if err != nil {
			return t.finish(n, err)
		}
		if errResp, ok := outcome.(icap.HttpErrResponse); ok {
			// spec §4.G "Adapted path": REQMOD's HttpErrResponse verdict
			// is sent to the client directly; upstream is never touched.
			return t.finish(n, t.writeErrorResponse(errResp, n))
		}
		r, waitErr := t.waitFinalResponse(ctx, n, new(atomic.Bool))
		if waitErr != nil {
			return t.finish(n, waitErr)
		}
		resp = r
	} else {
		r, sendErr := t.straightSendRequest(ctx, req, n)
		if sendErr != nil {
			return t.finish(n, sendErr)
		}
		resp = r
	}

	n.RspStatus = resp.StatusCode
	n.OriginStatus = resp.StatusCode
	t.incReqReady()

	var respErr errs.Error
	if t.Adapter != nil {
		// An AdaptedTransferred verdict is not applied: the upstream
		// response is relayed as received.
		outcome, aerr := t.Adapter.RESPMOD(ctx, req, resp, nil)
		if aerr != nil {
			respErr = errs.New(errs.CodeInternalAdapterError, "RESPMOD failed", aerr)
		} else if errResp, ok := outcome.(icap.HttpErrResponse); ok {
			respErr = t.writeErrorResponse(errResp, n)
		} else {
			respErr = t.sendResponse(resp, n)
		}
	} else {
		respErr = t.sendResponse(resp, n)
	}
	return t.finish(n, respErr)
}

// decideShouldClose mirrors spec §4.G step 1: decide should_close
// from the client's Connection header (HTTP/1.0 defaults to close).
func decideShouldClose(req *http.Request) bool {
	if req.Close {
		return true
	}
	if req.ProtoAtLeast(1, 1) {
		return req.Header.Get("Connection") == "close"
	}
	return req.Header.Get("Connection") != "keep-alive"
}

// straightSendRequest serialises and flushes the request header to
// upstream, then races the request body copy against the upstream
// response per spec §4.G "Straight path with body": a fast final
// response (e.g. an early rejection) short-circuits the remaining
// body copy instead of waiting for it to finish.
func (t *Task) straightSendRequest(ctx context.Context, req *http.Request, n *task.Notes) (*http.Response, errs.Error) {
	bw := bufio.NewWriter(t.UpstreamW)
	if err := req.Write(bw); err != nil {
		return nil, errs.New(errs.CodeUpstreamWriteFailed, "write request header", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, errs.New(errs.CodeUpstreamWriteFailed, "flush request header", err)
	}
	n.ReqHeaderSentAt = time.Now()

	// retry_new_connection becomes eligible the instant the header is
	// flushed on a reused connection and before any body or response
	// byte has been observed (spec §4.G "Retry"). retryEligible is the
	// single memory location both the body-copy and response-wait
	// goroutines clear, via atomic stores so the race detector sees no
	// unsynchronised write; n.RetryNewConnection itself is only ever
	// assigned back on this (single) goroutine once the race settles.
	var retryEligible atomic.Bool
	retryEligible.Store(n.ReusedConnection)

	if req.Body == nil {
		n.ReqBodySentAt = n.ReqHeaderSentAt
		resp, err := t.waitFinalResponse(ctx, n, &retryEligible)
		n.RetryNewConnection = retryEligible.Load() && err != nil
		return resp, err
	}

	return t.raceBodyAgainstResponse(ctx, req, bw, n, &retryEligible)
}

// respOutcome is the message the response-waiting goroutine of
// raceBodyAgainstResponse sends back to the selecting goroutine.
type respOutcome struct {
	resp *http.Response
	err  errs.Error
}

// raceBodyAgainstResponse runs the client->upstream body copy and the
// upstream response wait concurrently (spec §4.G "Straight path with
// body"'s 3-way select: body copy, upstream-readable poll, idle
// clock — the idle clock itself lives inside copyRequestBody, which
// already owns the client-body idle timeout).
func (t *Task) raceBodyAgainstResponse(ctx context.Context, req *http.Request, bw *bufio.Writer, n *task.Notes, retryEligible *atomic.Bool) (*http.Response, errs.Error) {
	bodyDone := make(chan errs.Error, 1)
	go func() { bodyDone <- t.copyRequestBody(ctx, req, bw, n, retryEligible) }()

	respDone := make(chan respOutcome, 1)
	go func() {
		resp, err := t.waitFinalResponse(ctx, n, retryEligible)
		respDone <- respOutcome{resp: resp, err: err}
	}()

	bodyFinished := false
	for {
		select {
		case ro := <-respDone:
			n.RetryNewConnection = retryEligible.Load() && ro.err != nil
			return ro.resp, ro.err
		case berr := <-bodyDone:
			if berr != nil {
				n.RetryNewConnection = retryEligible.Load()
				return nil, berr
			}
			bodyFinished = true
		case <-ctx.Done():
			n.RetryNewConnection = false
			return nil, errs.New(errs.CodeCanceledAsServerQuit, "context canceled racing body copy against response")
		}
		if bodyFinished {
			ro := <-respDone
			n.RetryNewConnection = retryEligible.Load() && ro.err != nil
			return ro.resp, ro.err
		}
	}
}

// copyRequestBody copies the client request body to upstream under
// the idle/cancel clock of spec §4.G, clearing retryEligible the
// moment the first body byte is written.
func (t *Task) copyRequestBody(ctx context.Context, req *http.Request, bw *bufio.Writer, n *task.Notes, retryEligible *atomic.Bool) errs.Error {
	idle := 0
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return errs.New(errs.CodeCanceledAsServerQuit, "context canceled during body copy")
		default:
		}
		if t.Hooks.UserBlocked != nil && t.Hooks.UserBlocked() {
			return errs.New(errs.CodeCanceledAsUserBlocked, "user blocked during body copy")
		}
		if t.Hooks.ServerQuit != nil && t.Hooks.ServerQuit() {
			return errs.New(errs.CodeCanceledAsServerQuit, "server quit during body copy")
		}
		rn, rerr := req.Body.Read(buf)
		if rn > 0 {
			retryEligible.Store(false) // body bytes consumed: no longer safely retryable
			if _, werr := bw.Write(buf[:rn]); werr != nil {
				return errs.New(errs.CodeUpstreamWriteFailed, "write request body", werr)
			}
			t.addTrafficIn(int64(rn))
			t.addUpOut(int64(rn))
			idle = 0
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errs.New(errs.CodeClientTcpReadFailed, "read request body", rerr)
		}
		if rn == 0 {
			idle++
			if idle >= t.Cfg.MaxIdleCount {
				return errs.New(errs.CodeClientAppTimeout, "client body idle timeout")
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return errs.New(errs.CodeUpstreamWriteFailed, "flush request body", err)
	}
	n.ReqBodySentAt = time.Now()
	return nil
}

// adaptedPath launches REQMOD instead of a straight body copy (spec
// §4.G "Adapted path").
func (t *Task) adaptedPath(ctx context.Context, req *http.Request, n *task.Notes) (icap.Outcome, errs.Error) {
	var raw []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, errs.New(errs.CodeClientTcpReadFailed, "read request body for adaptation", err)
		}
		raw = b
	}
	out, err := t.Adapter.REQMOD(ctx, req, raw)
	if err != nil {
		return nil, errs.New(errs.CodeInternalAdapterError, "REQMOD failed", err)
	}
	n.ReqHeaderSentAt = time.Now()
	n.ReqBodySentAt = n.ReqHeaderSentAt

	switch o := out.(type) {
	case icap.HttpErrResponse:
		return o, nil
	default:
		bw := bufio.NewWriter(t.UpstreamW)
		if err := req.Write(bw); err != nil {
			return nil, errs.New(errs.CodeUpstreamWriteFailed, "write adapted request header", err)
		}
		if len(raw) > 0 {
			if _, err := bw.Write(raw); err != nil {
				return nil, errs.New(errs.CodeUpstreamWriteFailed, "write adapted request body", err)
			}
		}
		if err := bw.Flush(); err != nil {
			return nil, errs.New(errs.CodeUpstreamWriteFailed, "flush adapted request", err)
		}
		t.addUpOut(int64(len(raw)))
		return out, nil
	}
}

// writeErrorResponse sends an ICAP-adapter-produced HttpErrResponse
// straight to the client with Connection: close, then marks the task
// terminal (spec §4.G "Adapted path"). Upstream is never touched.
func (t *Task) writeErrorResponse(o icap.HttpErrResponse, n *task.Notes) errs.Error {
	n.SendErrorResponse = true
	n.ShouldClose = true

	status := o.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	h := o.Header
	if h == nil {
		h = http.Header{}
	}
	h.Set("Connection", "close")
	h.Set("Content-Length", itoa(len(o.Body)))

	bw := bufio.NewWriter(t.ClientWriter)
	if _, err := io.WriteString(bw, "HTTP/1.1 "+itoa(status)+" "+http.StatusText(status)+"\r\n"); err != nil {
		return errs.New(errs.CodeClientTcpWriteFailed, "write adapted error status line", err)
	}
	if err := h.Write(bw); err != nil {
		return errs.New(errs.CodeClientTcpWriteFailed, "write adapted error header", err)
	}
	if _, err := io.WriteString(bw, "\r\n"); err != nil {
		return errs.New(errs.CodeClientTcpWriteFailed, "write adapted error header terminator", err)
	}
	if len(o.Body) > 0 {
		if _, err := bw.Write(o.Body); err != nil {
			return errs.New(errs.CodeClientTcpWriteFailed, "write adapted error body", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return errs.New(errs.CodeClientTcpWriteFailed, "flush adapted error response", err)
	}
	t.addTrafficOut(int64(len(o.Body)))
	n.RspStatus = status
	n.OriginStatus = status
	n.RspBodyRecvAt = time.Now()
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// waitFinalResponse reads response headers from upstream, forwarding
// any 100/103 interim response to the client and continuing to read,
// until a final (non-1xx) status arrives (spec §4.G "While the
// received status code is 100 or 103 ... forward ... and continue").
// retryEligible is cleared the instant any response byte is observed.
func (t *Task) waitFinalResponse(ctx context.Context, n *task.Notes, retryEligible *atomic.Bool) (*http.Response, errs.Error) {
	deadline := time.Now().Add(t.Cfg.RspHeaderTimeout)
	for {
		if t.Cfg.RspHeaderTimeout > 0 && time.Now().After(deadline) {
			return nil, errs.New(errs.CodeUpstreamAppTimeout, "response header timeout")
		}
		resp, err := http.ReadResponse(t.UpstreamR, nil)
		if err != nil {
			if err == io.EOF {
				return nil, errs.New(errs.CodeClosedByUpstream, "upstream closed before response header", err)
			}
			return nil, errs.New(errs.CodeUpstreamReadFailed, "read response header", err)
		}
		retryEligible.Store(false) // a response byte has now been observed

		if resp.StatusCode == http.StatusContinue || resp.StatusCode == http.StatusEarlyHints {
			bw := bufio.NewWriter(t.ClientWriter)
			if err := resp.Write(bw); err != nil {
				return nil, errs.New(errs.CodeClientTcpWriteFailed, "forward interim response", err)
			}
			if err := bw.Flush(); err != nil {
				return nil, errs.New(errs.CodeClientTcpWriteFailed, "flush interim response", err)
			}
			continue
		}
		n.RspHeaderRecvAt = time.Now()
		return resp, nil
	}
}

// sendResponse writes the upstream response's status line, header and
// body to the client, matching spec §4.G "send_response".
func (t *Task) sendResponse(resp *http.Response, n *task.Notes) errs.Error {
	n.SendErrorResponse = false
	if n.ShouldClose {
		resp.Header.Set("Connection", "close")
		resp.Close = true
	}

	bw := bufio.NewWriter(t.ClientWriter)
	if _, err := io.WriteString(bw, "HTTP/"+itoa(resp.ProtoMajor)+"."+itoa(resp.ProtoMinor)+" "+resp.Status+"\r\n"); err != nil {
		return errs.New(errs.CodeClientTcpWriteFailed, "write response status line", err)
	}
	if err := resp.Header.Write(bw); err != nil {
		return errs.New(errs.CodeClientTcpWriteFailed, "write response header", err)
	}
	if _, err := io.WriteString(bw, "\r\n"); err != nil {
		return errs.New(errs.CodeClientTcpWriteFailed, "write response header terminator", err)
	}
	if resp.Body != nil {
		copied, err := io.Copy(bw, resp.Body)
		if err != nil {
			return errs.New(errs.CodeUpstreamReadFailed, "copy response body", err)
		}
		t.addUpIn(copied)
		t.addTrafficOut(copied)
	}
	if err := bw.Flush(); err != nil {
		return errs.New(errs.CodeClientTcpWriteFailed, "flush response", err)
	}
	n.RspBodyRecvAt = time.Now()
	return nil
}

// incReqReady, incReqReuse, incReqRenew and the add* byte counters
// feed spec §6's canonical metric family from the points task.Notes
// already timestamps; each is a no-op when Metrics is nil (metrics
// are optional for callers that don't wire a Registry, e.g. tests).
func (t *Task) incReqReady() {
	if t.Metrics == nil {
		return
	}
	t.Metrics.ReqReady.WithLabelValues(t.tagValues()...).Inc()
}

func (t *Task) incReqReuse() {
	if t.Metrics == nil {
		return
	}
	t.Metrics.ReqReuse.WithLabelValues(t.tagValues()...).Inc()
}

func (t *Task) incReqRenew() {
	if t.Metrics == nil {
		return
	}
	t.Metrics.ReqRenew.WithLabelValues(t.tagValues()...).Inc()
}

func (t *Task) addTrafficIn(n int64) {
	if t.Metrics == nil || n <= 0 {
		return
	}
	t.Metrics.TrafficIn.WithLabelValues(t.tagValues()...).Add(float64(n))
}

func (t *Task) addTrafficOut(n int64) {
	if t.Metrics == nil || n <= 0 {
		return
	}
	t.Metrics.TrafficOut.WithLabelValues(t.tagValues()...).Add(float64(n))
}

func (t *Task) addUpIn(n int64) {
	if t.Metrics == nil || n <= 0 {
		return
	}
	t.Metrics.UpIn.WithLabelValues(t.tagValues()...).Add(float64(n))
}

func (t *Task) addUpOut(n int64) {
	if t.Metrics == nil || n <= 0 {
		return
	}
	t.Metrics.UpOut.WithLabelValues(t.tagValues()...).Add(float64(n))
}

// tagValues mirrors metrics.Tags.values()'s label order; that method
// is unexported, so the label order is duplicated here the same way
// cmd/g3forwardd already duplicates it for its own metric calls.
func (t *Task) tagValues() []string {
	tg := t.Tags
	return []string{tg.UserGroup, tg.User, tg.UserType, tg.Server, tg.Request, tg.Transport, tg.Connection, tg.StatID}
}

// finish stamps terminal notes flags, emits the single summary log
// line required by spec §4.G step 4 / §6, and wraps the outcome.
func (t *Task) finish(n *task.Notes, err errs.Error) *Result {
	if err != nil {
		n.ShouldClose = n.ShouldClose || err.ShouldClose()
	}
	if t.Logger != nil {
		fields := logging.Fields{
			"task_id":           n.ID.String(),
			"send_header_ms":    n.SendHeaderDuration().Milliseconds(),
			"send_all_ms":       n.SendAllDuration().Milliseconds(),
			"recv_header_ms":    n.RecvHeaderDuration().Milliseconds(),
			"recv_all_ms":       n.RecvAllDuration().Milliseconds(),
			"rsp_status":        n.RspStatus,
			"should_close":      n.ShouldClose,
			"reused_connection": n.ReusedConnection,
		}
		if err != nil {
			fields["error"] = err.Error()
			fields["error_code"] = err.Code()
		}
		t.Logger.Summary(fields)
	}
	return &Result{Notes: n, Err: err}
}
