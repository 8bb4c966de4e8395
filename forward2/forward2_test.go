package forward2

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sabouaram/g3forward/icap"
	"github.com/sabouaram/g3forward/logging"
)

type fakeAdapter struct {
	reqOutcome icap.Outcome
	reqErr     error
	respOutcome icap.Outcome
	respErr     error
}

func (a *fakeAdapter) REQMOD(ctx context.Context, req *http.Request, body []byte) (icap.Outcome, error) {
	return a.reqOutcome, a.reqErr
}

func (a *fakeAdapter) RESPMOD(ctx context.Context, req *http.Request, resp *http.Response, body []byte) (icap.Outcome, error) {
	return a.respOutcome, a.respErr
}

type fakeStream struct {
	sentHeaders []http.Header
	sentData    bytes.Buffer
	respStatus  int
	respHeader  http.Header
	respBody    []byte
	respEnd     bool
	readOffset  int
	push        chan PushPromise
}

func newFakeStream(status int, hdr http.Header, body []byte, end bool) *fakeStream {
	return &fakeStream{respStatus: status, respHeader: hdr, respBody: body, respEnd: end, push: make(chan PushPromise)}
}

func (s *fakeStream) WriteHeader(h http.Header, endStream bool) error {
	s.sentHeaders = append(s.sentHeaders, h)
	return nil
}

func (s *fakeStream) WriteData(p []byte, endStream bool) (int, error) {
	return s.sentData.Write(p)
}

func (s *fakeStream) ReadResponseHeader() (int, http.Header, bool, error) {
	return s.respStatus, s.respHeader, s.respEnd, nil
}

func (s *fakeStream) ReadData(p []byte) (int, bool, error) {
	if s.readOffset >= len(s.respBody) {
		return 0, true, nil
	}
	n := copy(p, s.respBody[s.readOffset:])
	s.readOffset += n
	return n, s.readOffset >= len(s.respBody), nil
}

func (s *fakeStream) PushPromises() <-chan PushPromise { return s.push }

type fakeMux struct{ stream *fakeStream }

func (m *fakeMux) OpenStream(ctx context.Context) (Stream, error) { return m.stream, nil }

func TestExpectHeaderYields417(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/", nil)
	req.Header.Set("Expect", "100-continue")

	clientStream := newFakeStream(0, nil, nil, true)
	tk := &Task{Cfg: Config{}, Logger: logging.Discard()}

	res := tk.Run(context.Background(), &fakeMux{stream: newFakeStream(200, http.Header{}, nil, true)}, req, clientStream)
	if res.Err == nil {
		t.Fatal("expected an error for unsupported Expect header")
	}
	if len(clientStream.sentHeaders) != 1 {
		t.Fatal("expected exactly one header frame written to the client (the 417)")
	}
}

func TestSilentDropExpectHeaderForwards(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Expect", "100-continue")

	upBody := []byte("hello")
	up := newFakeStream(200, http.Header{"X-Ok": []string{"1"}}, upBody, false)
	clientStream := newFakeStream(0, nil, nil, true)

	tk := &Task{Cfg: Config{SilentDropExpectHeader: true}, Logger: logging.Discard()}
	res := tk.Run(context.Background(), &fakeMux{stream: up}, req, clientStream)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if req.Header.Get("Expect") != "" {
		t.Fatal("expected Expect header to be dropped")
	}
	if res.Notes.RspStatus != 200 {
		t.Fatalf("got status %d", res.Notes.RspStatus)
	}
	if clientStream.sentData.String() != string(upBody) {
		t.Fatalf("got body %q want %q", clientStream.sentData.String(), upBody)
	}
}

type zeroReadCloser struct{ reads int }

func (z *zeroReadCloser) Read(p []byte) (int, error) {
	z.reads++
	return 0, nil
}

func (z *zeroReadCloser) Close() error { return nil }

func TestCopyBodyRespectsIdleTimeout(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/", nil)
	req.Body = &zeroReadCloser{}

	up := newFakeStream(200, http.Header{}, nil, true)
	clientStream := newFakeStream(0, nil, nil, true)
	tk := &Task{Cfg: Config{MaxIdleCount: 3}, Logger: logging.Discard()}

	res := tk.Run(context.Background(), &fakeMux{stream: up}, req, clientStream)
	if res.Err == nil {
		t.Fatal("expected a client app timeout when the body never produces bytes or EOF")
	}
}

func TestAdapterREQMODErrResponseBypassesUpstream(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)

	up := newFakeStream(200, http.Header{}, []byte("should never be read"), true)
	clientStream := newFakeStream(0, nil, nil, true)
	adapter := &fakeAdapter{reqOutcome: icap.HttpErrResponse{Status: http.StatusForbidden, Body: []byte("blocked")}}

	tk := &Task{Cfg: Config{}, Adapter: adapter, Logger: logging.Discard()}
	res := tk.Run(context.Background(), &fakeMux{stream: up}, req, clientStream)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Notes.RspStatus != http.StatusForbidden {
		t.Fatalf("got status %d, want %d", res.Notes.RspStatus, http.StatusForbidden)
	}
	if !res.Notes.SendErrorResponse {
		t.Fatal("expected SendErrorResponse to be set")
	}
	if clientStream.sentData.String() != "blocked" {
		t.Fatalf("got client body %q, want %q", clientStream.sentData.String(), "blocked")
	}
	if len(up.sentHeaders) != 0 {
		t.Fatal("expected upstream to never receive a header when REQMOD rejects the request")
	}
}

func TestAdapterRESPMODRewritesResponse(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)

	up := newFakeStream(200, http.Header{"X-Orig": []string{"1"}}, []byte("original"), false)
	clientStream := newFakeStream(0, nil, nil, true)
	rewritten := http.Header{"X-Rewritten": []string{"1"}}
	adapter := &fakeAdapter{
		reqOutcome:  icap.OriginalTransferred{},
		respOutcome: icap.AdaptedTransferred{Header: &rewritten, Body: []byte("scrubbed")},
	}

	tk := &Task{Cfg: Config{}, Adapter: adapter, Logger: logging.Discard()}
	res := tk.Run(context.Background(), &fakeMux{stream: up}, req, clientStream)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if clientStream.sentData.String() != "scrubbed" {
		t.Fatalf("got client body %q, want %q", clientStream.sentData.String(), "scrubbed")
	}
	if got := clientStream.sentHeaders[len(clientStream.sentHeaders)-1].Get("X-Rewritten"); got != "1" {
		t.Fatalf("expected the RESPMOD-rewritten header to reach the client, got %q", got)
	}
}
