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

package ftptask

import (
	"io"
	"time"

	libftp "github.com/jlaffaye/ftp"
)

// jlaffayeConn adapts *libftp.ServerConn to Client, converting its
// []*libftp.Entry listings into the package-local Entry shape.
type jlaffayeConn struct {
	cli *libftp.ServerConn
}

func (c *jlaffayeConn) FileSize(path string) (int64, error) { return c.cli.FileSize(path) }
func (c *jlaffayeConn) GetTime(path string) (time.Time, error) { return c.cli.GetTime(path) }

func (c *jlaffayeConn) List(path string) ([]*Entry, error) {
	entries, err := c.cli.List(path)
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		out[i] = &Entry{Name: e.Name, Size: e.Size, Time: e.Time, Type: EntryType(e.Type)}
	}
	return out, nil
}

func (c *jlaffayeConn) RetrFrom(path string, offset uint64) (io.ReadCloser, error) {
	return c.cli.RetrFrom(path, offset)
}

func (c *jlaffayeConn) StorFrom(path string, r io.Reader, offset uint64) error {
	return c.cli.StorFrom(path, r, offset)
}

func (c *jlaffayeConn) Delete(path string) error    { return c.cli.Delete(path) }
func (c *jlaffayeConn) RemoveDir(path string) error  { return c.cli.RemoveDir(path) }
func (c *jlaffayeConn) Quit() error                  { return c.cli.Quit() }

// DialTimeout is the connect/login timeout NewJlaffayeDialer applies
// to every session it opens.
const DialTimeout = 15 * time.Second

// NewJlaffayeDialer returns a Dialer backed by github.com/jlaffaye/ftp,
// the library this package's Client interface and Entry type were
// shaped after. network is accepted for symmetry with net.Dial but
// ignored: FTP control connections are always TCP.
func NewJlaffayeDialer() Dialer {
	return func(_, address, username, password string) (Client, error) {
		cli, err := libftp.Dial(address, libftp.DialWithTimeout(DialTimeout))
		if err != nil {
			return nil, err
		}
		if err := cli.Login(username, password); err != nil {
			_ = cli.Quit()
			return nil, &LoginError{Err: err}
		}
		return &jlaffayeConn{cli: cli}, nil
	}
}
