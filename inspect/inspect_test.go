package inspect

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

type blockingReader struct{ unblock chan struct{} }

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.unblock
	return 0, io.EOF
}

func TestClassifyHTTP1(t *testing.T) {
	ins := &Inspector{Cfg: Config{InitialDataWaitTimeout: time.Second, InitialDataReadTimeout: time.Second}}
	client := bytes.NewBufferString("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	upstream := &blockingReader{unblock: make(chan struct{})}
	defer close(upstream.unblock)

	res, err := ins.Classify(context.Background(), client, upstream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Protocol != ProtocolHTTP1 {
		t.Fatalf("got %v, want http1", res.Protocol)
	}
	replayed, _ := io.ReadAll(res.ClientR)
	if !bytes.HasPrefix(replayed, []byte("GET / HTTP/1.1")) {
		t.Fatalf("expected the peeked prefix to be replayed, got %q", replayed)
	}
}

func TestBufReaderForHTTP1ReplaysPeekedBytes(t *testing.T) {
	res := &Result{ClientR: bytes.NewBufferString("GET / HTTP/1.1\r\n\r\n")}
	br := BufReaderForHTTP1(res, true)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if line != "GET / HTTP/1.1\r\n" {
		t.Fatalf("got %q", line)
	}
}

func TestClassifyHTTP2Preface(t *testing.T) {
	ins := &Inspector{Cfg: Config{InitialDataWaitTimeout: time.Second, InitialDataReadTimeout: time.Second}}
	client := bytes.NewBufferString(http2Preface)
	upstream := &blockingReader{unblock: make(chan struct{})}
	defer close(upstream.unblock)

	res, err := ins.Classify(context.Background(), client, upstream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Protocol != ProtocolHTTP2 {
		t.Fatalf("got %v, want http2", res.Protocol)
	}
}

func TestClassifyTLSRecord(t *testing.T) {
	ins := &Inspector{Cfg: Config{InitialDataWaitTimeout: time.Second, InitialDataReadTimeout: time.Second}}
	client := bytes.NewBuffer([]byte{0x16, 0x03, 0x01, 0x00, 0x05, 0x01, 0x00, 0x00, 0x01, 0x03})
	upstream := &blockingReader{unblock: make(chan struct{})}
	defer close(upstream.unblock)

	res, err := ins.Classify(context.Background(), client, upstream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Protocol != ProtocolTLS {
		t.Fatalf("got %v, want tls", res.Protocol)
	}
}

func TestClassifyUpstreamFirstData(t *testing.T) {
	ins := &Inspector{Cfg: Config{InitialDataWaitTimeout: time.Second, InitialDataReadTimeout: time.Second}}
	client := &blockingReader{unblock: make(chan struct{})}
	defer close(client.unblock)
	upstream := bytes.NewBufferString("HTTP/1.1 200 OK\r\n\r\n")

	res, err := ins.Classify(context.Background(), client, upstream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Protocol != ProtocolUnknown {
		t.Fatalf("got %v, want unknown (no HTTP *response* signature is recognised)", res.Protocol)
	}
}

// TestClassifyDegradesToUnknownOnWaitTimeout matches spec §4.J "timeout
// degrades to Unknown": neither side produces a byte before
// InitialDataWaitTimeout elapses.
func TestClassifyDegradesToUnknownOnWaitTimeout(t *testing.T) {
	ins := &Inspector{Cfg: Config{InitialDataWaitTimeout: 20 * time.Millisecond, InitialDataReadTimeout: time.Second}}
	client := &blockingReader{unblock: make(chan struct{})}
	defer close(client.unblock)
	upstream := &blockingReader{unblock: make(chan struct{})}
	defer close(upstream.unblock)

	res, err := ins.Classify(context.Background(), client, upstream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Protocol != ProtocolUnknown {
		t.Fatalf("got %v, want unknown", res.Protocol)
	}
}

func TestInspectionDepthIncrementsPerClassification(t *testing.T) {
	ins := &Inspector{Cfg: Config{InitialDataWaitTimeout: time.Second, InitialDataReadTimeout: time.Second}}
	upstream := &blockingReader{unblock: make(chan struct{})}
	defer close(upstream.unblock)

	res1, _ := ins.Classify(context.Background(), bytes.NewBufferString("GET / HTTP/1.1\r\n\r\n"), upstream)
	if res1.Depth != 1 {
		t.Fatalf("got depth %d, want 1", res1.Depth)
	}

	upstream2 := &blockingReader{unblock: make(chan struct{})}
	defer close(upstream2.unblock)
	res2, _ := ins.Classify(context.Background(), bytes.NewBufferString("GET / HTTP/1.1\r\n\r\n"), upstream2)
	if res2.Depth != 2 {
		t.Fatalf("got depth %d, want 2", res2.Depth)
	}
}

func TestMaxInspectionDepthShortCircuits(t *testing.T) {
	ins := &Inspector{Cfg: Config{MaxInspectionDepth: 1}, depth: 1}
	client := bytes.NewBufferString("GET / HTTP/1.1\r\n\r\n")
	upstream := bytes.NewBuffer(nil)

	res, err := ins.Classify(context.Background(), client, upstream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Protocol != ProtocolUnknown {
		t.Fatalf("got %v, want unknown once the depth cap is reached", res.Protocol)
	}
}
