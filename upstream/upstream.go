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

// Package upstream declares the narrow connection-pool contract the
// forward tasks (forward1, forward2, ftptask) consume to obtain an
// upstream transport, plus MemPool, a reference in-memory keep-alive
// pool keyed by (network, address) good enough to drive their tests
// (spec §4.E).
package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// Notes carries the TCP-level facts a forward task logs once a
// connection is established or reused (spec §4.E "FetchTCPNotes").
type Notes struct {
	LocalAddr   net.Addr
	RemoteAddr  net.Addr
	Reused      bool
	DialedAt    time.Time
	EscaperName string
}

// Conn is a pooled upstream connection: the net.Conn plus the notes
// recorded when it was established.
type Conn struct {
	net.Conn
	Notes Notes
}

// Pool is the contract a forward task uses to obtain and return
// upstream connections, independent of the transport kind.
type Pool interface {
	// PrepareConnection resolves and validates a target before any
	// dial is attempted (e.g. destination ACL re-check after DNS).
	PrepareConnection(ctx context.Context, network, address string) error
	// GetAliveConnection returns a pooled idle connection for
	// (network, address) if one exists, else (nil, false).
	GetAliveConnection(network, address string) (*Conn, bool)
	// MakeNewHTTPConnection dials a fresh plaintext HTTP connection.
	MakeNewHTTPConnection(ctx context.Context, network, address string) (*Conn, error)
	// MakeNewHTTPSConnection dials a fresh TLS connection.
	MakeNewHTTPSConnection(ctx context.Context, network, address string, tlsConfig *tls.Config) (*Conn, error)
	// MakeNewFTPConnection dials a fresh FTP control connection.
	MakeNewFTPConnection(ctx context.Context, network, address string) (*Conn, error)
	// SaveAliveConnection returns a still-usable connection to the
	// pool for future reuse.
	SaveAliveConnection(network, address string, c *Conn)
}

// MemPool is an in-memory reference Pool: one idle-connection slot
// per (network, address) key, good enough to exercise keep-alive
// reuse in tests without a real upstream.
type MemPool struct {
	dialer *net.Dialer

	mu   sync.Mutex
	idle map[string]*Conn
}

// NewMemPool builds a MemPool using dialer (or a default net.Dialer
// with a 10s timeout if dialer is nil).
func NewMemPool(dialer *net.Dialer) *MemPool {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 10 * time.Second}
	}
	return &MemPool{dialer: dialer, idle: make(map[string]*Conn)}
}

func key(network, address string) string { return network + "|" + address }

func (p *MemPool) PrepareConnection(ctx context.Context, network, address string) error {
	return nil
}

func (p *MemPool) GetAliveConnection(network, address string) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.idle[key(network, address)]
	if ok {
		delete(p.idle, key(network, address))
	}
	return c, ok
}

func (p *MemPool) MakeNewHTTPConnection(ctx context.Context, network, address string) (*Conn, error) {
	nc, err := p.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: nc, Notes: Notes{LocalAddr: nc.LocalAddr(), RemoteAddr: nc.RemoteAddr(), DialedAt: time.Now()}}, nil
}

func (p *MemPool) MakeNewHTTPSConnection(ctx context.Context, network, address string, tlsConfig *tls.Config) (*Conn, error) {
	nc, err := p.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	tc := tls.Client(nc, tlsConfig)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return &Conn{Conn: tc, Notes: Notes{LocalAddr: tc.LocalAddr(), RemoteAddr: tc.RemoteAddr(), DialedAt: time.Now()}}, nil
}

func (p *MemPool) MakeNewFTPConnection(ctx context.Context, network, address string) (*Conn, error) {
	return p.MakeNewHTTPConnection(ctx, network, address)
}

func (p *MemPool) SaveAliveConnection(network, address string, c *Conn) {
	if c == nil {
		return
	}
	c.Notes.Reused = true
	p.mu.Lock()
	defer p.mu.Unlock()
	// Only one idle slot per key: an older idle connection is closed
	// rather than leaked.
	if old, ok := p.idle[key(network, address)]; ok {
		_ = old.Close()
	}
	p.idle[key(network, address)] = c
}
