package forward1

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sabouaram/g3forward/body"
	"github.com/sabouaram/g3forward/logging"
)

// TestStraightPathNoBody matches spec §8 scenario S3: a GET request
// with no body, upstream replies directly with a final status.
func TestStraightPathNoBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.RequestURI = ""

	var clientOut bytes.Buffer
	upstreamWire := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	upstreamR := bufio.NewReader(bytes.NewBufferString(upstreamWire))
	var upstreamOut bytes.Buffer

	tk := &Task{
		Cfg:          Config{MaxIdleCount: 8, RspHeaderTimeout: 0},
		Logger:       logging.Discard(),
		ClientWriter: &clientOut,
		UpstreamR:    upstreamR,
		UpstreamW:    &upstreamOut,
	}

	res := tk.Run(context.Background(), req, body.ReadUntilEOF, 0, false)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Notes.RspStatus != 200 {
		t.Fatalf("got status %d", res.Notes.RspStatus)
	}
	if !bytes.Contains(upstreamOut.Bytes(), []byte("GET / HTTP/1.1")) {
		t.Fatalf("expected request line forwarded upstream, got %q", upstreamOut.String())
	}
	if !bytes.Contains(clientOut.Bytes(), []byte("ok")) {
		t.Fatalf("expected response body forwarded to client, got %q", clientOut.String())
	}
}

// TestInterimResponsesForwarded matches spec §8 scenario S4: a 100
// Continue is forwarded to the client before the final 200 OK.
func TestInterimResponsesForwarded(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.RequestURI = ""

	var clientOut bytes.Buffer
	upstreamWire := "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	upstreamR := bufio.NewReader(bytes.NewBufferString(upstreamWire))
	var upstreamOut bytes.Buffer

	tk := &Task{
		Cfg:          Config{MaxIdleCount: 8},
		Logger:       logging.Discard(),
		ClientWriter: &clientOut,
		UpstreamR:    upstreamR,
		UpstreamW:    &upstreamOut,
	}

	res := tk.Run(context.Background(), req, body.ReadUntilEOF, 0, false)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Notes.RspStatus != 200 {
		t.Fatalf("only the final status must be recorded, got %d", res.Notes.RspStatus)
	}
	if !bytes.Contains(clientOut.Bytes(), []byte("100 Continue")) {
		t.Fatalf("expected the 100 Continue to be forwarded, got %q", clientOut.String())
	}
}

func TestDecideShouldClose(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Connection", "close")
	if !decideShouldClose(req) {
		t.Fatal("expected Connection: close to force should_close")
	}

	req2 := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	if decideShouldClose(req2) {
		t.Fatal("expected HTTP/1.1 default keep-alive")
	}
}
