package ftptask

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sabouaram/g3forward/logging"
)

type fakeClient struct {
	sizes map[string]int64
	files map[string][]byte
	dirs  map[string][]*Entry

	stored    map[string][]byte
	storedAt  map[string]uint64
	deleted   []string
	rmdir     []string
	quitCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		sizes:    map[string]int64{},
		files:    map[string][]byte{},
		dirs:     map[string][]*Entry{},
		stored:   map[string][]byte{},
		storedAt: map[string]uint64{},
	}
}

func (c *fakeClient) FileSize(path string) (int64, error) {
	if sz, ok := c.sizes[path]; ok {
		return sz, nil
	}
	return 0, errors.New("not a file")
}

func (c *fakeClient) GetTime(path string) (time.Time, error) { return time.Time{}, nil }

func (c *fakeClient) List(path string) ([]*Entry, error) {
	if e, ok := c.dirs[path]; ok {
		return e, nil
	}
	return nil, errors.New("no such dir")
}

func (c *fakeClient) RetrFrom(path string, offset uint64) (io.ReadCloser, error) {
	data, ok := c.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	if offset > uint64(len(data)) {
		offset = uint64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

func (c *fakeClient) StorFrom(path string, r io.Reader, offset uint64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.stored[path] = data
	c.storedAt[path] = offset
	return nil
}

func (c *fakeClient) Delete(path string) error {
	if _, ok := c.files[path]; !ok {
		return errors.New("no such file")
	}
	c.deleted = append(c.deleted, path)
	return nil
}

func (c *fakeClient) RemoveDir(path string) error {
	if _, ok := c.dirs[path]; !ok {
		return errors.New("no such dir")
	}
	c.rmdir = append(c.rmdir, path)
	return nil
}

func (c *fakeClient) Quit() error { c.quitCalls++; return nil }

func dialerFor(c *fakeClient) Dialer {
	return func(network, address, username, password string) (Client, error) {
		return c, nil
	}
}

func TestDownloadFullFile(t *testing.T) {
	c := newFakeClient()
	c.sizes["/a.txt"] = 5
	c.files["/a.txt"] = []byte("hello")

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a.txt", nil)
	var out bytes.Buffer
	tk := &Task{Dial: dialerFor(c), Logger: logging.Discard(), ClientWriter: &out}

	res := tk.Run(req, nil, 0, false, "tcp", "ftp.example.com:21", "anon", "", "/a.txt")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.RspStatus != http.StatusOK {
		t.Fatalf("got status %d", res.RspStatus)
	}
	if !strings.Contains(out.String(), "hello") {
		t.Fatalf("expected body forwarded, got %q", out.String())
	}
	if c.quitCalls != 1 {
		t.Fatalf("expected the FTP session to be closed exactly once, got %d", c.quitCalls)
	}
}

func TestDownloadRangeMapsToRest(t *testing.T) {
	c := newFakeClient()
	c.sizes["/a.txt"] = 10
	c.files["/a.txt"] = []byte("0123456789")

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a.txt", nil)
	req.Header.Set("Range", "bytes=2-4")
	var out bytes.Buffer
	tk := &Task{Dial: dialerFor(c), Logger: logging.Discard(), ClientWriter: &out}

	res := tk.Run(req, nil, 0, false, "tcp", "ftp.example.com:21", "anon", "", "/a.txt")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.RspStatus != http.StatusPartialContent {
		t.Fatalf("got status %d", res.RspStatus)
	}
	if !strings.Contains(out.String(), "Content-Range: bytes 2-4/10") {
		t.Fatalf("expected a Content-Range header, got %q", out.String())
	}
	if !strings.Contains(out.String(), "234") {
		t.Fatalf("expected the requested byte range in the body, got %q", out.String())
	}
}

// TestDownloadRangeClampsPastEnd matches the apache mod_proxy_ftp
// behaviour: an end offset at or past size-1 is clamped rather than
// rejected (the Open Question decision recorded for this package).
func TestDownloadRangeClampsPastEnd(t *testing.T) {
	c := newFakeClient()
	c.sizes["/a.txt"] = 5
	c.files["/a.txt"] = []byte("abcde")

	req := httptest.NewRequest(http.MethodGet, "http://example.com/a.txt", nil)
	req.Header.Set("Range", "bytes=1-999")
	var out bytes.Buffer
	tk := &Task{Dial: dialerFor(c), Logger: logging.Discard(), ClientWriter: &out}

	res := tk.Run(req, nil, 0, false, "tcp", "ftp.example.com:21", "anon", "", "/a.txt")
	if res.RspStatus != http.StatusPartialContent {
		t.Fatalf("got status %d, want 206 (clamped)", res.RspStatus)
	}
	if !strings.Contains(out.String(), "Content-Range: bytes 1-4/5") {
		t.Fatalf("expected a clamped Content-Range, got %q", out.String())
	}
}

func TestListFallsBackWhenNotAFile(t *testing.T) {
	c := newFakeClient()
	c.dirs["/pub"] = []*Entry{{Name: "readme.txt", Size: 12, Type: EntryTypeFile}}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/pub", nil)
	var out bytes.Buffer
	tk := &Task{Dial: dialerFor(c), Logger: logging.Discard(), ClientWriter: &out}

	res := tk.Run(req, nil, 0, false, "tcp", "ftp.example.com:21", "anon", "", "/pub")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.RspStatus != http.StatusOK {
		t.Fatalf("got status %d", res.RspStatus)
	}
	if !strings.Contains(out.String(), "readme.txt") {
		t.Fatalf("expected the listing in the body, got %q", out.String())
	}
}

func TestDeleteFallsBackToRmd(t *testing.T) {
	c := newFakeClient()
	c.dirs["/empty"] = nil

	req := httptest.NewRequest(http.MethodDelete, "http://example.com/empty", nil)
	tk := &Task{Dial: dialerFor(c), Logger: logging.Discard()}

	res := tk.Run(req, nil, 0, false, "tcp", "ftp.example.com:21", "anon", "", "/empty")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.RspStatus != http.StatusNoContent {
		t.Fatalf("got status %d", res.RspStatus)
	}
	if len(c.rmdir) != 1 || c.rmdir[0] != "/empty" {
		t.Fatalf("expected RemoveDir to be called, got %v", c.rmdir)
	}
}

func TestUploadRejectsRangeHeader(t *testing.T) {
	c := newFakeClient()
	req := httptest.NewRequest(http.MethodPut, "http://example.com/up.bin", nil)
	req.Header.Set("Range", "bytes=0-1")
	body := io.NopCloser(bytes.NewBufferString("data"))
	tk := &Task{Dial: dialerFor(c), Logger: logging.Discard()}

	res := tk.Run(req, body, 4, false, "tcp", "ftp.example.com:21", "anon", "", "/up.bin")
	if res.RspStatus != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", res.RspStatus)
	}
}

func TestUploadStoresFixedLengthBody(t *testing.T) {
	c := newFakeClient()
	req := httptest.NewRequest(http.MethodPut, "http://example.com/up.bin", nil)
	body := io.NopCloser(bytes.NewBufferString("payload"))
	tk := &Task{Dial: dialerFor(c), Logger: logging.Discard()}

	res := tk.Run(req, body, 7, false, "tcp", "ftp.example.com:21", "anon", "", "/up.bin")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.RspStatus != http.StatusCreated {
		t.Fatalf("got status %d", res.RspStatus)
	}
	if string(c.stored["/up.bin"]) != "payload" {
		t.Fatalf("got stored data %q", c.stored["/up.bin"])
	}
}

func TestUploadDecodesChunkedBody(t *testing.T) {
	c := newFakeClient()
	req := httptest.NewRequest(http.MethodPut, "http://example.com/up.bin", nil)
	raw := "7\r\npayload\r\n0\r\n\r\n"
	body := io.NopCloser(strings.NewReader(raw))
	tk := &Task{Dial: dialerFor(c), Logger: logging.Discard()}

	res := tk.Run(req, body, 0, true, "tcp", "ftp.example.com:21", "anon", "", "/up.bin")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.RspStatus != http.StatusCreated {
		t.Fatalf("got status %d", res.RspStatus)
	}
	if string(c.stored["/up.bin"]) != "payload" {
		t.Fatalf("expected the chunk framing to be decoded before STOR, got stored data %q", c.stored["/up.bin"])
	}
}

func TestLoginFailureYields401(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/a.txt", nil)
	var out bytes.Buffer
	tk := &Task{
		Dial: func(network, address, username, password string) (Client, error) {
			return nil, &LoginError{Err: errors.New("bad password")}
		},
		Logger:       logging.Discard(),
		ClientWriter: &out,
		Cfg:          Config{RealmHost: "ftp.example.com:21"},
	}

	res := tk.Run(req, nil, 0, false, "tcp", "ftp.example.com:21", "alice", "wrong", "/a.txt")
	if res.RspStatus != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", res.RspStatus)
	}
	if !strings.Contains(out.String(), `WWW-Authenticate: Basic realm="ftp://alice@ftp.example.com:21"`) {
		t.Fatalf("expected an apache-style realm, got %q", out.String())
	}
}

func TestUnimplementedMethodYields501(t *testing.T) {
	c := newFakeClient()
	req := httptest.NewRequest(http.MethodPost, "http://example.com/a.txt", nil)
	tk := &Task{Dial: dialerFor(c), Logger: logging.Discard()}

	res := tk.Run(req, nil, 0, false, "tcp", "ftp.example.com:21", "anon", "", "/a.txt")
	if res.RspStatus != http.StatusNotImplemented {
		t.Fatalf("got status %d, want 501", res.RspStatus)
	}
	if !res.Notes.ShouldClose {
		t.Fatal("expected should_close to be forced on an unimplemented-method reply")
	}
}
