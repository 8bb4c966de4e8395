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

// Package ftptask implements the FTP-over-HTTP forward task of spec
// §4.I: translate GET/DELETE/PUT into FTP MLST/SIZE/RETR/DELE/STOR
// verbs, map the HTTP Range header onto an FTP REST offset, and
// report FTP-layer failures as the matching HTTP status.
package ftptask

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/sabouaram/g3forward/errs"
	"github.com/sabouaram/g3forward/logging"
	"github.com/sabouaram/g3forward/task"
)

// Entry is one directory-listing row, shaped after jlaffaye/ftp's
// Entry; jlaffayeConn converts each *ftp.Entry into one.
type Entry struct {
	Name string
	Size uint64
	Time time.Time
	Type EntryType
}

// EntryType mirrors jlaffaye/ftp's EntryType (file/folder/link).
type EntryType int

const (
	EntryTypeFile EntryType = iota
	EntryTypeFolder
	EntryTypeLink
)

// Client is the narrow contract ftptask needs from an FTP control
// connection; jlaffayeConn adapts github.com/jlaffaye/ftp.ServerConn
// to it (spec §4.I "FTP session").
type Client interface {
	FileSize(path string) (int64, error)
	GetTime(path string) (time.Time, error)
	List(path string) ([]*Entry, error)
	RetrFrom(path string, offset uint64) (io.ReadCloser, error)
	StorFrom(path string, r io.Reader, offset uint64) error
	Delete(path string) error
	RemoveDir(path string) error
	Quit() error
}

// LoginError distinguishes a bad FTP login (-> HTTP 401) from any
// other session failure.
type LoginError struct{ Err error }

func (e *LoginError) Error() string { return "ftp login failed: " + e.Err.Error() }
func (e *LoginError) Unwrap() error { return e.Err }

// Dialer establishes and authenticates a Client for one task (spec
// §4.I "USER/PASS, transfer type, passive data channel").
type Dialer func(network, address, username, password string) (Client, error)

// Config bounds the per-request behaviour of spec §4.I.
type Config struct {
	MaxLineLen     int // not consulted by upload: its chunked decoding applies net/http/httputil's own line limit
	RealmHost      string
	ServerID       string
}

// Task runs one FTP-over-HTTP request/response cycle.
type Task struct {
	Cfg    Config
	Dial   Dialer
	Logger logging.Logger

	ClientWriter io.Writer
}

// Result is what Run reports back to the listener loop.
type Result struct {
	Notes      *task.Notes
	RspStatus  int
	Err        errs.Error
}

// Run executes spec §4.I's verb dispatch: GET -> MLST/SIZE probe then
// RETR or LIST, DELETE -> RMD/DELE auto-detect, PUT -> STOR, anything
// else -> 501. network/address/username/password identify the FTP
// session to establish; path is the FTP path the URL maps to.
func (t *Task) Run(req *http.Request, body io.ReadCloser, contentLength int64, chunked bool, network, address, username, password, path string) *Result {
	n := task.New(time.Now())

	if req.Method != http.MethodGet && req.Method != http.MethodDelete && req.Method != http.MethodPut {
		return t.finish(n, t.replyUnimplemented(), nil)
	}
	if (req.Method == http.MethodGet || req.Method == http.MethodDelete) && body != nil {
		return t.finish(n, t.replyBadRequest("http body is not allowed in this ftp request"), nil)
	}
	if req.Method == http.MethodPut && req.Header.Get("Range") != "" {
		return t.finish(n, t.replyBadRequest("Content-Range is not allowed in PUT request"), nil)
	}
	if req.Method == http.MethodPut && body == nil {
		return t.finish(n, t.replyBadRequest("no body found"), nil)
	}

	cli, err := t.Dial(network, address, username, password)
	if err != nil {
		var le *LoginError
		if errors.As(err, &le) {
			return t.finish(n, t.replyUnauthorized(username), errs.New(errs.CodeUpstreamAppError, "ftp session login rejected", le))
		}
		return t.finish(n, t.replyServiceUnavailable(), errs.New(errs.CodeUpstreamAppUnavailable, "ftp session setup failed", err))
	}
	n.StreamReadyAt = time.Now()
	defer func() { _ = cli.Quit() }()

	switch req.Method {
	case http.MethodDelete:
		return t.finish(n, t.deletePath(cli, path), nil)
	case http.MethodGet:
		return t.finish(n, t.listOrDownload(cli, req, path), nil)
	case http.MethodPut:
		return t.finish(n, t.upload(cli, body, path, contentLength, chunked), nil)
	default:
		return t.finish(n, t.replyUnimplemented(), nil)
	}
}

// deletePath auto-detects file-vs-directory by trying DELE first and
// falling back to RMD, matching mod_proxy_ftp's DELETE semantics
// (spec §4.I "DELETE -> RMD/DELE auto-detect").
func (t *Task) deletePath(cli Client, path string) *reply {
	if err := cli.Delete(path); err == nil {
		return &reply{status: http.StatusNoContent}
	}
	if err := cli.RemoveDir(path); err == nil {
		return &reply{status: http.StatusNoContent}
	}
	return t.replyFileUnavailable()
}

// listOrDownload probes the path with FileSize (SIZE); a size
// response means it is a file worth downloading,
// anything else falls back to a directory listing (spec §4.I
// "GET -> MLST/SIZE/MDTM auto-detect -> RETR/LIST").
func (t *Task) listOrDownload(cli Client, req *http.Request, path string) *reply {
	size, sizeErr := cli.FileSize(path)
	if sizeErr == nil && size >= 0 {
		return t.downloadFile(cli, req, path, uint64(size))
	}
	return t.listEntry(cli, path)
}

func (t *Task) listEntry(cli Client, path string) *reply {
	entries, err := cli.List(path)
	if err != nil {
		return t.replyBadGateway(fmt.Sprintf("ftp list failed: %v", err))
	}
	var sb strings.Builder
	for _, e := range entries {
		kind := "file"
		if e.Type == EntryTypeFolder {
			kind = "dir"
		}
		fmt.Fprintf(&sb, "%-5s %12d %s %s\n", kind, e.Size, e.Time.Format(time.RFC3339), e.Name)
	}
	return &reply{status: http.StatusOK, contentType: "text/plain", body: []byte(sb.String())}
}

// downloadFile maps an optional single-range Range header onto an
// FTP REST offset (spec §4.I "Range<->REST mapping"). Multiple ranges
// or a malformed Range header are treated as "no range" per the
// upstream memchr-based parser this mirrors.
func (t *Task) downloadFile(cli Client, req *http.Request, path string, size uint64) *reply {
	start, end, hasRange := parseSingleRange(req.Header.Get("Range"))
	if !hasRange {
		return t.downloadFullFile(cli, path, size)
	}
	return t.downloadFromPosition(cli, path, size, start, end)
}

func (t *Task) downloadFullFile(cli Client, path string, size uint64) *reply {
	rc, err := cli.RetrFrom(path, 0)
	if err != nil {
		return t.replyBadGateway(fmt.Sprintf("ftp retrieve start failed: %v", err))
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return t.replyBadGateway(fmt.Sprintf("ftp retrieve failed: %v", err))
	}
	return &reply{status: http.StatusOK, contentType: "application/octet-stream", body: data, contentLength: int64(size)}
}

// downloadFromPosition applies the apache mod_proxy_ftp clamp: when
// the range has no explicit end, or an end at/past size-1, the
// response covers [start, size-1] rather than rejecting the request
// (spec §4.I Open Question decision, grounded on g3proxy's
// `end_size.unwrap_or(file_size - 1)` fallback).
func (t *Task) downloadFromPosition(cli Client, path string, size, start uint64, end *uint64) *reply {
	effectiveEnd := size - 1
	if end != nil && *end < size {
		effectiveEnd = *end
	}
	if effectiveEnd < start {
		return t.replyRangeNotSatisfiable(size)
	}
	want := effectiveEnd - start + 1

	rc, err := cli.RetrFrom(path, start)
	if err != nil {
		return t.replyBadGateway(fmt.Sprintf("ftp retrieve start failed: %v", err))
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, int64(want)))
	if err != nil {
		return t.replyBadGateway(fmt.Sprintf("ftp retrieve failed: %v", err))
	}
	return &reply{
		status:        http.StatusPartialContent,
		contentType:   "application/octet-stream",
		body:          data,
		contentLength: int64(want),
		contentRange:  fmt.Sprintf("bytes %d-%d/%d", start, effectiveEnd, size),
	}
}

// upload streams an HTTP request body to FTP via STOR. For a
// fixed-length body the declared Content-Length is trusted; a chunked
// body is decoded through httputil.NewChunkedReader first so STOR
// never sees raw chunk-size lines. Decoding stops at the last-chunk
// line; any trailer after it is not read.
func (t *Task) upload(cli Client, body io.ReadCloser, path string, contentLength int64, chunked bool) *reply {
	defer body.Close()

	var r io.Reader = body
	switch {
	case chunked:
		r = httputil.NewChunkedReader(bufio.NewReader(body))
	case contentLength >= 0:
		r = io.LimitReader(body, contentLength)
	}
	if err := cli.StorFrom(path, r, 0); err != nil {
		return t.replyBadGateway(fmt.Sprintf("ftp store failed: %v", err))
	}
	return &reply{status: http.StatusCreated}
}

func (t *Task) maxLineLen() int {
	if t.Cfg.MaxLineLen > 0 {
		return t.Cfg.MaxLineLen
	}
	return 4096
}

// parseSingleRange parses a "bytes=start-end" Range header, returning
// hasRange=false for anything it cannot confidently parse (multiple
// ranges, non-bytes unit, malformed bounds) so the caller falls back
// to a full download rather than guessing (spec §4.I, grounded on
// get_download_range()'s memchr-based single-range parser).
func parseSingleRange(header string) (start uint64, end *uint64, hasRange bool) {
	header = strings.TrimSpace(header)
	if header == "" || !strings.HasPrefix(header, "bytes=") {
		return 0, nil, false
	}
	spec := header[len("bytes="):]
	if spec == "" || strings.Contains(spec, ",") {
		return 0, nil, false
	}
	dash := strings.LastIndexByte(spec, '-')
	if dash < 0 {
		return 0, nil, false
	}
	startStr, endStr := spec[:dash], spec[dash+1:]
	if startStr == "" {
		return 0, nil, false // suffix ranges ("-500") are not supported by this mapping
	}
	s, err := strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return 0, nil, false
	}
	if endStr == "" {
		return s, nil, true
	}
	e, err := strconv.ParseUint(endStr, 10, 64)
	if err != nil {
		return 0, nil, false
	}
	return s, &e, true
}

// reply is the local-response shape produced by each verb handler
// before finish() writes it to the client and folds it into a Result.
type reply struct {
	status        int
	contentType   string
	contentRange  string
	contentLength int64
	body          []byte
	forceClose    bool
	authRealm     string
}

func (t *Task) replyBadRequest(reason string) *reply {
	return &reply{status: http.StatusBadRequest, body: []byte(reason), forceClose: true}
}

func (t *Task) replyUnimplemented() *reply {
	return &reply{status: http.StatusNotImplemented, forceClose: true}
}

func (t *Task) replyServiceUnavailable() *reply {
	return &reply{status: http.StatusServiceUnavailable, forceClose: true}
}

func (t *Task) replyBadGateway(reason string) *reply {
	return &reply{status: http.StatusBadGateway, body: []byte(reason), forceClose: true}
}

func (t *Task) replyFileUnavailable() *reply {
	return &reply{status: http.StatusNotFound}
}

func (t *Task) replyRangeNotSatisfiable(size uint64) *reply {
	return &reply{status: http.StatusRequestedRangeNotSatisfiable, contentRange: fmt.Sprintf("bytes */%d", size)}
}

// replyUnauthorized builds the WWW-Authenticate realm string the way
// apache's mod_proxy_ftp does (spec §4.I "login failures -> 401"):
// "ftp://[user@]host:port".
func (t *Task) replyUnauthorized(username string) *reply {
	realm := "ftp://" + t.Cfg.RealmHost
	if username != "" {
		realm = "ftp://" + username + "@" + t.Cfg.RealmHost
	}
	return &reply{status: http.StatusUnauthorized, forceClose: true, authRealm: realm}
}

func (t *Task) finish(n *task.Notes, r *reply, err errs.Error) *Result {
	n.RspBodyRecvAt = time.Now()
	n.RspStatus = r.status
	n.OriginStatus = r.status
	n.ShouldClose = r.forceClose

	if t.ClientWriter != nil {
		_ = t.writeReply(n, r)
	}

	if t.Logger != nil {
		fields := logging.Fields{
			"task_id":    n.ID.String(),
			"rsp_status": n.RspStatus,
		}
		if err != nil {
			fields["error"] = err.Error()
			fields["error_code"] = err.Code()
		}
		t.Logger.Summary(fields)
	}
	return &Result{Notes: n, RspStatus: r.status, Err: err}
}

func (t *Task) writeReply(n *task.Notes, r *reply) error {
	bw := bufio.NewWriter(t.ClientWriter)
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", r.status, http.StatusText(r.status))
	if r.contentType != "" {
		fmt.Fprintf(bw, "Content-Type: %s\r\n", r.contentType)
	}
	if r.contentRange != "" {
		fmt.Fprintf(bw, "Content-Range: %s\r\n", r.contentRange)
	}
	if r.authRealm != "" {
		fmt.Fprintf(bw, "WWW-Authenticate: Basic realm=%q\r\n", r.authRealm)
	}
	cl := r.contentLength
	if cl == 0 && r.body != nil {
		cl = int64(len(r.body))
	}
	fmt.Fprintf(bw, "Content-Length: %d\r\n\r\n", cl)
	if r.body != nil {
		bw.Write(r.body)
	}
	return bw.Flush()
}
