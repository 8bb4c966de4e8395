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

// Package quota implements the per-user rate and ACL layer of spec
// §4.C: ingress-IP filtering, request/TCP-connection-rate token
// buckets, an alive-request gauge-semaphore, proxy-request-type and
// destination ACLs, a User-Agent ACL, and per-user global stream/
// datagram byte-rate limiters with hot-reload.
package quota

import (
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Action is the terminal or continuing decision of an ACL rule.
type Action int

const (
	Permit Action = iota
	PermitAndLog
	Forbid
	ForbidAndLog
)

func (a Action) Forbidden() bool { return a == Forbid || a == ForbidAndLog }
func (a Action) ShouldLog() bool { return a == PermitAndLog || a == ForbidAndLog }

// RateQuota describes a token bucket: Rate events per second, Burst
// capacity. Two quotas are Equal iff both fields match, which is what
// lets a reload decide whether to keep or replace a live bucket.
type RateQuota struct {
	Rate  float64
	Burst int
}

func (q RateQuota) Equal(o RateQuota) bool { return q.Rate == o.Rate && q.Burst == o.Burst }

// RateLimiter is a token bucket remembering the quota it was built
// from, so Reload can decide in-place reuse vs rebuild.
type RateLimiter struct {
	quota RateQuota
	lim   *rate.Limiter
}

// NewRateLimiter builds a limiter from q, or returns nil if q is the
// zero value (meaning "unlimited").
func NewRateLimiter(q RateQuota) *RateLimiter {
	if q.Rate <= 0 {
		return nil
	}
	return &RateLimiter{quota: q, lim: rate.NewLimiter(rate.Limit(q.Rate), q.Burst)}
}

// Allow reports whether one event may proceed now.
func (l *RateLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.lim.Allow()
}

// Reload returns l unchanged if q matches l's quota (spec §4.C "an
// existing limiter's rate is updated in place" / §9 "bucket state
// carries over iff quota(C1) == quota(C2)"), otherwise builds a fresh
// limiter from q.
func (l *RateLimiter) Reload(q RateQuota) *RateLimiter {
	if l == nil {
		return NewRateLimiter(q)
	}
	if q.Rate <= 0 {
		return nil
	}
	if l.quota.Equal(q) {
		return l
	}
	return NewRateLimiter(q)
}

// Gauge is a resizable counting semaphore used for the alive-request
// ceiling: TryAcquire fails once Max outstanding permits are held.
// Max <= 0 means unlimited.
type Gauge struct {
	max atomic.Int64
	cur atomic.Int64
}

// NewGauge builds a Gauge capped at max permits (max<=0: unlimited).
func NewGauge(max int64) *Gauge {
	g := &Gauge{}
	g.max.Store(max)
	return g
}

// TryAcquire attempts to take one permit, returning false if the
// gauge is already at capacity.
func (g *Gauge) TryAcquire() bool {
	for {
		max := g.max.Load()
		cur := g.cur.Load()
		if max > 0 && cur >= max {
			return false
		}
		if g.cur.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns one permit to the gauge.
func (g *Gauge) Release() { g.cur.Add(-1) }

// Alive reports the current outstanding permit count.
func (g *Gauge) Alive() int64 { return g.cur.Load() }

// Resize changes the ceiling in place, preserving the current count
// (spec §3 "the alive-request gauge (re-sized)" on reload).
func (g *Gauge) Resize(max int64) { g.max.Store(max) }

// NetRule is an ordered list of CIDR prefixes with a default action
// applied when none match (first match wins, spec §4.C "ingress IP
// check").
type NetRule struct {
	Default Action
	entries []netRuleEntry
}

type netRuleEntry struct {
	prefix netip.Prefix
	action Action
}

func NewNetRule(def Action) *NetRule { return &NetRule{Default: def} }

func (r *NetRule) Add(prefix netip.Prefix, action Action) {
	r.entries = append(r.entries, netRuleEntry{prefix: prefix, action: action})
}

// Check evaluates addr against the rule list in insertion order.
func (r *NetRule) Check(addr netip.Addr) Action {
	if r == nil {
		return Permit
	}
	for _, e := range r.entries {
		if e.prefix.Contains(addr) {
			return e.action
		}
	}
	return r.Default
}

// HostRule matches destination hostnames: exact names and trailing
// ".suffix" wildcard entries, with a default action (spec §4.C
// "destination ACL ... host filter").
type HostRule struct {
	Default Action
	exact   map[string]Action
	suffix  []suffixEntry
}

type suffixEntry struct {
	suffix string
	action Action
}

func NewHostRule(def Action) *HostRule {
	return &HostRule{Default: def, exact: make(map[string]Action)}
}

// Add registers a host pattern. A leading "." marks a suffix/wildcard
// match (".example.com" matches "a.example.com" and "example.com").
func (r *HostRule) Add(pattern string, action Action) {
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, ".") {
		r.suffix = append(r.suffix, suffixEntry{suffix: pattern, action: action})
		return
	}
	r.exact[pattern] = action
}

func (r *HostRule) Check(host string) Action {
	if r == nil {
		return Permit
	}
	host = strings.ToLower(host)
	if a, ok := r.exact[host]; ok {
		return a
	}
	for _, e := range r.suffix {
		bare := strings.TrimPrefix(e.suffix, ".")
		if host == bare || strings.HasSuffix(host, e.suffix) {
			return e.action
		}
	}
	return r.Default
}

// PortRule restricts destination ports to an explicit allow-set, with
// a default action for ports outside it.
type PortRule struct {
	Default Action
	ports   map[uint16]Action
}

func NewPortRule(def Action) *PortRule { return &PortRule{Default: def, ports: map[uint16]Action{}} }

func (r *PortRule) Add(port uint16, action Action) { r.ports[port] = action }

func (r *PortRule) Check(port uint16) Action {
	if r == nil {
		return Permit
	}
	if a, ok := r.ports[port]; ok {
		return a
	}
	return r.Default
}

// ProxyRequestType enumerates the forward-task request kinds the
// proxy-request-type ACL discriminates between.
type ProxyRequestType int

const (
	ReqHTTPForward ProxyRequestType = iota
	ReqHTTPSForward
	ReqHTTPConnect
	ReqFTPOverHTTP
)

// ProxyRequestRule maps each ProxyRequestType to an Action.
type ProxyRequestRule struct {
	Default Action
	perType map[ProxyRequestType]Action
}

func NewProxyRequestRule(def Action) *ProxyRequestRule {
	return &ProxyRequestRule{Default: def, perType: map[ProxyRequestType]Action{}}
}

func (r *ProxyRequestRule) Add(t ProxyRequestType, action Action) { r.perType[t] = action }

func (r *ProxyRequestRule) Check(t ProxyRequestType) Action {
	if r == nil {
		return Permit
	}
	if a, ok := r.perType[t]; ok {
		return a
	}
	return r.Default
}

// UserAgentRule blocks requests whose User-Agent header matches any
// configured substring (spec §4.C "User-Agent ACL").
type UserAgentRule struct {
	Default  Action
	blockers []string
}

func NewUserAgentRule(def Action) *UserAgentRule { return &UserAgentRule{Default: def} }

func (r *UserAgentRule) Add(substr string) { r.blockers = append(r.blockers, strings.ToLower(substr)) }

// Check iterates every User-Agent header value present on the request
// (spec §4.C step 7, "iterate all User-Agent header values").
func (r *UserAgentRule) Check(values []string) Action {
	if r == nil || len(r.blockers) == 0 {
		return Permit
	}
	for _, v := range values {
		lv := strings.ToLower(v)
		for _, b := range r.blockers {
			if strings.Contains(lv, b) {
				return Forbid
			}
		}
	}
	return r.Default
}

// GlobalStreamLimiter is a shared per-user byte-rate limiter for TCP
// upload/download, drained from a token bucket a background goroutine
// replenishes (spec §4.C, "references installed on the per-task
// read/write halves").
type GlobalStreamLimiter struct {
	mu     sync.Mutex
	tokens float64
	rate   float64 // bytes/sec
	burst  float64
	stop   chan struct{}
	once   sync.Once
}

// NewGlobalStreamLimiter builds a limiter and starts its replenish
// goroutine; callers must call Stop when done with it.
func NewGlobalStreamLimiter(bytesPerSec float64) *GlobalStreamLimiter {
	l := &GlobalStreamLimiter{rate: bytesPerSec, burst: bytesPerSec, tokens: bytesPerSec, stop: make(chan struct{})}
	go l.replenish()
	return l
}

func (l *GlobalStreamLimiter) replenish() {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.mu.Lock()
			l.tokens += l.rate * 0.1
			if l.tokens > l.burst {
				l.tokens = l.burst
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Update changes the configured rate in place, matching spec §4.C:
// "on reload, an existing limiter's rate is updated in place".
func (l *GlobalStreamLimiter) Update(bytesPerSec float64) {
	l.mu.Lock()
	l.rate = bytesPerSec
	l.burst = bytesPerSec
	l.mu.Unlock()
}

// TryConsume attempts to take n bytes worth of tokens, returning the
// number actually granted (which may be less than n, or 0).
func (l *GlobalStreamLimiter) TryConsume(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tokens <= 0 {
		return 0
	}
	granted := n
	if float64(granted) > l.tokens {
		granted = int(l.tokens)
	}
	l.tokens -= float64(granted)
	return granted
}

func (l *GlobalStreamLimiter) Stop() { l.once.Do(func() { close(l.stop) }) }

// Set bundles the per-user quota decisions evaluated in the order
// fixed by spec §4.C.
type Set struct {
	IngressNet    *NetRule
	RequestRate   *RateLimiter
	TCPConnRate   *RateLimiter
	Alive         *Gauge
	ProxyRequest  *ProxyRequestRule
	DestPort      *PortRule
	DestHost      *HostRule
	UserAgent     *UserAgentRule
	TCPUpload     *GlobalStreamLimiter
	TCPDownload   *GlobalStreamLimiter
	UDPUpload     *GlobalStreamLimiter
	UDPDownload   *GlobalStreamLimiter
}

// Reason enumerates the forbidden outcomes of evaluating a Set.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonBlockedSrcIP
	ReasonRateLimited
	ReasonFullyLoaded
	ReasonProtoBanned
	ReasonDestDenied
	ReasonUABlocked
)

// CheckIngress runs step 1 of spec §4.C.
func (s *Set) CheckIngress(addr netip.Addr) Reason {
	if s.IngressNet.Check(addr).Forbidden() {
		return ReasonBlockedSrcIP
	}
	return ReasonNone
}

// CheckRateLimits runs step 3: the TCP-connection-rate limiter is
// skipped for keep-alive reuse (reused=true).
func (s *Set) CheckRateLimits(reused bool) Reason {
	if !reused && !s.TCPConnRate.Allow() {
		return ReasonRateLimited
	}
	if !s.RequestRate.Allow() {
		return ReasonRateLimited
	}
	return ReasonNone
}

// AcquireAlive runs step 4.
func (s *Set) AcquireAlive() Reason {
	if s.Alive != nil && !s.Alive.TryAcquire() {
		return ReasonFullyLoaded
	}
	return ReasonNone
}

// ReleaseAlive releases the permit taken by AcquireAlive.
func (s *Set) ReleaseAlive() {
	if s.Alive != nil {
		s.Alive.Release()
	}
}

// CheckProxyRequest runs step 5.
func (s *Set) CheckProxyRequest(t ProxyRequestType) Reason {
	if s.ProxyRequest.Check(t).Forbidden() {
		return ReasonProtoBanned
	}
	return ReasonNone
}

// CheckDestination runs step 6: port filter then host filter.
func (s *Set) CheckDestination(host string, port uint16) Reason {
	if s.DestPort.Check(port).Forbidden() {
		return ReasonDestDenied
	}
	if s.DestHost.Check(host).Forbidden() {
		return ReasonDestDenied
	}
	return ReasonNone
}

// CheckUserAgent runs step 7.
func (s *Set) CheckUserAgent(values []string) Reason {
	if s.UserAgent.Check(values).Forbidden() {
		return ReasonUABlocked
	}
	return ReasonNone
}
