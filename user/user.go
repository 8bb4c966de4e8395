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

// Package user implements the shared-ownership user record and its
// per-task Context of spec §4.D: a long-lived entity keyed by group
// and name, carrying the ACL filters and rate limiters built from its
// config when it is created or reloaded, per-server statistics maps,
// and reload semantics that
// preserve state across a config change where possible.
package user

import (
	"net/netip"
	"sync"
	"time"

	"github.com/sabouaram/g3forward/quota"
)

// Type is the user-type variant observed on the wire (spec §4.D).
type Type int

const (
	Anonymous Type = iota
	SingleUsername
	UserAndPassword
)

// Config is the immutable, reload-replaceable configuration of a user.
type Config struct {
	Group    string
	Name     string
	Password string // empty means "no password required"

	ExpireAt      time.Time // zero means "never expires"
	BlockAndDelay time.Duration

	RequestRate quota.RateQuota
	TCPConnRate quota.RateQuota
	LogRate     quota.RateQuota
	AliveMax    int64

	IngressNet   *quota.NetRule
	ProxyRequest *quota.ProxyRequestRule
	DestPort     *quota.PortRule
	DestHost     *quota.HostRule
	UserAgent    *quota.UserAgentRule

	TCPUploadBytesPerSec   float64
	TCPDownloadBytesPerSec float64

	Sites []SiteConfig
}

// IsExpired reports whether now is past ExpireAt.
func (c *Config) IsExpired(now time.Time) bool {
	return !c.ExpireAt.IsZero() && now.After(c.ExpireAt)
}

// CheckPassword reports whether pw satisfies the configured password.
// An empty configured password accepts any input.
func (c *Config) CheckPassword(pw string) bool {
	return c.Password == "" || c.Password == pw
}

// SiteConfig is a per-user configured destination subset with
// overrides (spec §4.D, "Site").
type SiteConfig struct {
	Name              string
	Match             func(host string) bool
	ResolveStrategy   string
	RspHeaderTimeout  time.Duration
}

// ForbiddenStats, RequestStats, TrafficStats and UpstreamTrafficStats
// are the four counter families memoised on a user, keyed by server
// name except UpstreamTrafficStats, which is keyed by escaper name
// (spec §4.D).
type ForbiddenStats struct {
	AuthFailed, UserExpired, UserBlocked, FullyLoaded, RateLimited,
	ProtoBanned, DestDenied, SrcBlocked, LogSkipped, UABlocked uint64
}

type RequestStats struct {
	Total, Alive, Ready, Reuse, Renew uint64
}

type TrafficStats struct {
	InBytes, OutBytes, InPackets, OutPackets uint64
}

type UpstreamTrafficStats struct {
	InBytes, OutBytes, InPackets, OutPackets uint64
}

// User is the shared, long-lived entity described in spec §4.D.
type User struct {
	config  *Config
	started time.Time

	muState sync.RWMutex
	expired bool
	blocked bool

	quota *quota.Set

	muForbid sync.Mutex
	forbid   map[string]*ForbiddenStats

	muReq sync.Mutex
	req   map[string]*RequestStats

	muIO sync.Mutex
	io   map[string]*TrafficStats

	muUpIO sync.Mutex
	upIO   map[string]*UpstreamTrafficStats

	muSiteReq sync.Mutex
	siteReq   map[string]*RequestStats
}

// New builds a User from config as of now.
func New(cfg *Config, now time.Time) *User {
	u := &User{
		config:  cfg,
		started: now,
		expired: cfg.IsExpired(now),
		blocked: cfg.BlockAndDelay > 0,
		forbid:  make(map[string]*ForbiddenStats),
		req:     make(map[string]*RequestStats),
		io:      make(map[string]*TrafficStats),
		upIO:    make(map[string]*UpstreamTrafficStats),
		siteReq: make(map[string]*RequestStats),
	}
	u.quota = u.buildQuotaSet(cfg)
	return u
}

func (u *User) buildQuotaSet(cfg *Config) *quota.Set {
	s := &quota.Set{
		IngressNet:   cfg.IngressNet,
		RequestRate:  quota.NewRateLimiter(cfg.RequestRate),
		TCPConnRate:  quota.NewRateLimiter(cfg.TCPConnRate),
		Alive:        quota.NewGauge(cfg.AliveMax),
		ProxyRequest: cfg.ProxyRequest,
		DestPort:     cfg.DestPort,
		DestHost:     cfg.DestHost,
		UserAgent:    cfg.UserAgent,
	}
	if cfg.TCPUploadBytesPerSec > 0 {
		s.TCPUpload = quota.NewGlobalStreamLimiter(cfg.TCPUploadBytesPerSec)
	}
	if cfg.TCPDownloadBytesPerSec > 0 {
		s.TCPDownload = quota.NewGlobalStreamLimiter(cfg.TCPDownloadBytesPerSec)
	}
	return s
}

// Reload replaces the configuration, preserving statistics maps, the
// started timestamp, the resized alive-request gauge, and any rate
// limiter whose quota is unchanged (spec §4.D "Reloading a user
// preserves ... so in-flight clients do not see bursts").
func (u *User) Reload(cfg *Config, now time.Time) {
	u.muState.Lock()
	defer u.muState.Unlock()

	newSet := &quota.Set{
		IngressNet:   cfg.IngressNet,
		RequestRate:  u.quota.RequestRate.Reload(cfg.RequestRate),
		TCPConnRate:  u.quota.TCPConnRate.Reload(cfg.TCPConnRate),
		Alive:        u.quota.Alive,
		ProxyRequest: cfg.ProxyRequest,
		DestPort:     cfg.DestPort,
		DestHost:     cfg.DestHost,
		UserAgent:    cfg.UserAgent,
		TCPUpload:    u.quota.TCPUpload,
		TCPDownload:  u.quota.TCPDownload,
	}
	newSet.Alive.Resize(cfg.AliveMax)

	if cfg.TCPUploadBytesPerSec > 0 {
		if newSet.TCPUpload != nil {
			newSet.TCPUpload.Update(cfg.TCPUploadBytesPerSec)
		} else {
			newSet.TCPUpload = quota.NewGlobalStreamLimiter(cfg.TCPUploadBytesPerSec)
		}
	}
	if cfg.TCPDownloadBytesPerSec > 0 {
		if newSet.TCPDownload != nil {
			newSet.TCPDownload.Update(cfg.TCPDownloadBytesPerSec)
		} else {
			newSet.TCPDownload = quota.NewGlobalStreamLimiter(cfg.TCPDownloadBytesPerSec)
		}
	}

	u.config = cfg
	u.expired = cfg.IsExpired(now)
	u.blocked = cfg.BlockAndDelay > 0
	u.quota = newSet
}

func (u *User) IsExpired() bool {
	u.muState.RLock()
	defer u.muState.RUnlock()
	return u.expired
}

func (u *User) IsBlocked() bool {
	u.muState.RLock()
	defer u.muState.RUnlock()
	return u.blocked
}

func (u *User) Config() *Config {
	u.muState.RLock()
	defer u.muState.RUnlock()
	return u.config
}

func (u *User) Started() time.Time { return u.started }

func (u *User) quotaSet() *quota.Set {
	u.muState.RLock()
	defer u.muState.RUnlock()
	return u.quota
}

// forbiddenStats memoises and returns the per-server forbidden
// counters, creating them on first access (spec §4.D).
func (u *User) forbiddenStats(server string) *ForbiddenStats {
	u.muForbid.Lock()
	defer u.muForbid.Unlock()
	s, ok := u.forbid[server]
	if !ok {
		s = &ForbiddenStats{}
		u.forbid[server] = s
	}
	return s
}

func (u *User) requestStats(server string) *RequestStats {
	u.muReq.Lock()
	defer u.muReq.Unlock()
	s, ok := u.req[server]
	if !ok {
		s = &RequestStats{}
		u.req[server] = s
	}
	return s
}

func (u *User) trafficStats(server string) *TrafficStats {
	u.muIO.Lock()
	defer u.muIO.Unlock()
	s, ok := u.io[server]
	if !ok {
		s = &TrafficStats{}
		u.io[server] = s
	}
	return s
}

func (u *User) upstreamTrafficStats(escaper string) *UpstreamTrafficStats {
	u.muUpIO.Lock()
	defer u.muUpIO.Unlock()
	s, ok := u.upIO[escaper]
	if !ok {
		s = &UpstreamTrafficStats{}
		u.upIO[escaper] = s
	}
	return s
}

// siteRequestStats memoises and returns the per-site request
// counters, creating them on first access (spec §4.D "it additionally
// resolves site-stats, site-request-stats").
func (u *User) siteRequestStats(site string) *RequestStats {
	u.muSiteReq.Lock()
	defer u.muSiteReq.Unlock()
	s, ok := u.siteReq[site]
	if !ok {
		s = &RequestStats{}
		u.siteReq[site] = s
	}
	return s
}

// Reason mirrors quota.Reason plus the three auth-specific outcomes of
// spec §4.C step 2 that the quota package does not itself know about.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonBlockedSrcIP
	ReasonTokenNotMatch
	ReasonExpiredUser
	ReasonBlockedUser
	ReasonRateLimited
	ReasonFullyLoaded
	ReasonProtoBanned
	ReasonDestDenied
	ReasonUABlocked
)

// Context is created per task by pairing a User with the raw
// (pre-normalisation) username, user-type variant, resolved site and
// the server and escaper names its statistics accessors are keyed by
// (spec §4.D).
type Context struct {
	User         *User
	RawUsername  string
	Type         Type
	Site         *SiteConfig
	Reused       bool // suppresses the TCP-connection-rate check on keep-alive reuse

	server  string
	escaper string
}

// NewContext creates a task-scoped Context; its statistics accessors
// fetch this user's per-server handles on each call, creating them on
// first use. The destination's site (if any) is
// not yet known at this point in spec §4.C's pipeline; call
// ResolveSite once the upstream host has been parsed.
func NewContext(u *User, rawUsername string, t Type, server, escaper string) *Context {
	return &Context{User: u, RawUsername: rawUsername, Type: t, server: server, escaper: escaper}
}

// ResolveSite selects the first configured site whose Match accepts
// host and records it on the context (spec §4.D "When a request's
// upstream address matches one of the user's configured sites, it
// additionally resolves site-stats"). It is a no-op if a site was
// already resolved or the context has no backing user.
func (c *Context) ResolveSite(host string) {
	if c.Site != nil || c.User == nil {
		return
	}
	for _, s := range c.User.Config().Sites {
		s := s
		if s.Match != nil && s.Match(host) {
			c.Site = &s
			return
		}
	}
}

func (c *Context) ForbiddenStats() *ForbiddenStats { return c.User.forbiddenStats(c.server) }
func (c *Context) RequestStats() *RequestStats     { return c.User.requestStats(c.server) }
func (c *Context) TrafficStats() *TrafficStats     { return c.User.trafficStats(c.server) }
func (c *Context) UpstreamTrafficStats() *UpstreamTrafficStats {
	return c.User.upstreamTrafficStats(c.escaper)
}

// SiteRequestStats returns the resolved site's request counters, or
// nil if no site has been resolved on this context.
func (c *Context) SiteRequestStats() *RequestStats {
	if c.Site == nil {
		return nil
	}
	return c.User.siteRequestStats(c.Site.Name)
}

// CheckClientAddr runs spec §4.C step 1.
func (c *Context) CheckClientAddr(addr netip.Addr) Reason {
	if c.User.quotaSet().CheckIngress(addr) != quota.ReasonNone {
		c.ForbiddenStats().SrcBlocked++
		return ReasonBlockedSrcIP
	}
	return ReasonNone
}

// CheckPassword runs spec §4.C step 2.
func (c *Context) CheckPassword(password string) Reason {
	cfg := c.User.Config()
	if !cfg.CheckPassword(password) {
		c.ForbiddenStats().AuthFailed++
		return ReasonTokenNotMatch
	}
	if c.User.IsExpired() {
		c.ForbiddenStats().UserExpired++
		return ReasonExpiredUser
	}
	if c.User.IsBlocked() {
		c.ForbiddenStats().UserBlocked++
		return ReasonBlockedUser
	}
	return ReasonNone
}

// CheckRateLimit runs spec §4.C step 3.
func (c *Context) CheckRateLimit() Reason {
	if c.User.quotaSet().CheckRateLimits(c.Reused) != quota.ReasonNone {
		c.ForbiddenStats().RateLimited++
		return ReasonRateLimited
	}
	return ReasonNone
}

// AcquireRequestSemaphore runs spec §4.C step 4. Callers must call
// ReleaseRequestSemaphore exactly once on every acquired permit.
func (c *Context) AcquireRequestSemaphore() Reason {
	if c.User.quotaSet().AcquireAlive() != quota.ReasonNone {
		c.ForbiddenStats().FullyLoaded++
		return ReasonFullyLoaded
	}
	return ReasonNone
}

func (c *Context) ReleaseRequestSemaphore() { c.User.quotaSet().ReleaseAlive() }

// CheckProxyRequest runs spec §4.C step 5.
func (c *Context) CheckProxyRequest(t quota.ProxyRequestType) Reason {
	if c.User.quotaSet().CheckProxyRequest(t) != quota.ReasonNone {
		c.ForbiddenStats().ProtoBanned++
		return ReasonProtoBanned
	}
	return ReasonNone
}

// CheckUpstream runs spec §4.C step 6.
func (c *Context) CheckUpstream(host string, port uint16) Reason {
	if c.User.quotaSet().CheckDestination(host, port) != quota.ReasonNone {
		c.ForbiddenStats().DestDenied++
		return ReasonDestDenied
	}
	return ReasonNone
}

// CheckHTTPUserAgent runs spec §4.C step 7.
func (c *Context) CheckHTTPUserAgent(values []string) Reason {
	if c.User.quotaSet().CheckUserAgent(values) != quota.ReasonNone {
		c.ForbiddenStats().UABlocked++
		return ReasonUABlocked
	}
	return ReasonNone
}

// ResolveStrategy returns the site override if present, else the
// user-level default (spec §4.D "resolve_strategy").
func (c *Context) ResolveStrategy(userDefault string) string {
	if c.Site != nil && c.Site.ResolveStrategy != "" {
		return c.Site.ResolveStrategy
	}
	return userDefault
}

// ForEachRequestStats invokes fn on the user-level request counters
// and, if a site is resolved, additionally on the site-level counters
// (spec §4.D "foreach_req_stats").
func (c *Context) ForEachRequestStats(fn func(*RequestStats)) {
	fn(c.RequestStats())
	if s := c.SiteRequestStats(); s != nil {
		fn(s)
	}
}
