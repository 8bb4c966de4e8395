/*
 * MIT License
 *
 * Copyright (c) 2025 Nicolas JUHEL
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

// Package metrics exposes the canonical counter/gauge family of spec
// §6 via github.com/prometheus/client_golang, keyed by the tag set
// {user_group,user,user_type,server,request,transport,connection,stat_id}.
//
// The forward-proxy core only ever needs to report deltas and gauges;
// how a downstream system scrapes or re-exports them is out of scope
// (spec §1, "the metrics exporter ... how it serialises is not core").
package metrics

import (
	"math"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Tags identifies the label set for a single metrics observation.
type Tags struct {
	UserGroup  string
	User       string
	UserType   string
	Server     string
	Request    string
	Transport  string
	Connection string
	StatID     string
}

func (t Tags) values() []string {
	return []string{t.UserGroup, t.User, t.UserType, t.Server, t.Request, t.Transport, t.Connection, t.StatID}
}

var labelNames = []string{"user_group", "user", "user_type", "server", "request", "transport", "connection", "stat_id"}

// Registry bundles every canonical metric name from spec §6.
type Registry struct {
	ReqTotal      *prometheus.CounterVec
	ReqAlive      *prometheus.GaugeVec
	ReqReady      *prometheus.CounterVec
	ReqReuse      *prometheus.CounterVec
	ReqRenew      *prometheus.CounterVec
	ConnTotal     *prometheus.CounterVec
	L7ConnAlive   *prometheus.GaugeVec
	TrafficIn     *prometheus.CounterVec
	TrafficOut    *prometheus.CounterVec
	TrafficInPkt  *prometheus.CounterVec
	TrafficOutPkt *prometheus.CounterVec
	UpIn          *prometheus.CounterVec
	UpOut         *prometheus.CounterVec
	UpInPkt       *prometheus.CounterVec
	UpOutPkt      *prometheus.CounterVec
	Forbidden     *prometheus.CounterVec // stat_id carries the forbidden reason
}

// NewRegistry builds and registers every canonical metric against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	mk := func(name, help string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
		reg.MustRegister(c)
		return c
	}
	mkg := func(name, help string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
		reg.MustRegister(g)
		return g
	}

	return &Registry{
		ReqTotal:      mk("user_request_total", "total requests seen for a user"),
		ReqAlive:      mkg("user_request_alive", "outstanding alive requests for a user"),
		ReqReady:      mk("user_request_ready", "requests for which an upstream connection became ready"),
		ReqReuse:      mk("user_request_reuse", "requests served on a reused upstream connection"),
		ReqRenew:      mk("user_request_renew", "requests retried on a freshly opened upstream connection"),
		ConnTotal:     mk("user_connection_total", "total client TCP connections for a user"),
		L7ConnAlive:   mkg("user_l7_connection_alive", "alive L7 (HTTP/2 stream-capable) connections for a user"),
		TrafficIn:     mk("user_traffic_in_bytes", "client->proxy bytes"),
		TrafficOut:    mk("user_traffic_out_bytes", "proxy->client bytes"),
		TrafficInPkt:  mk("user_traffic_in_packets", "client->proxy packets"),
		TrafficOutPkt: mk("user_traffic_out_packets", "proxy->client packets"),
		UpIn:          mk("user_upstream_traffic_in_bytes", "upstream->proxy bytes"),
		UpOut:         mk("user_upstream_traffic_out_bytes", "proxy->upstream bytes"),
		UpInPkt:       mk("user_upstream_traffic_in_packets", "upstream->proxy packets"),
		UpOutPkt:      mk("user_upstream_traffic_out_packets", "proxy->upstream packets"),
		Forbidden:     mk("user_forbidden_total", "forbidden/refused requests by reason (stat_id)"),
	}
}

// ForbiddenReason enumerates spec §6's user.forbidden.* family.
type ForbiddenReason string

const (
	ReasonAuthFailed  ForbiddenReason = "auth_failed"
	ReasonUserExpired ForbiddenReason = "user_expired"
	ReasonUserBlocked ForbiddenReason = "user_blocked"
	ReasonFullyLoaded ForbiddenReason = "fully_loaded"
	ReasonRateLimited ForbiddenReason = "rate_limited"
	ReasonProtoBanned ForbiddenReason = "proto_banned"
	ReasonDestDenied  ForbiddenReason = "dest_denied"
	ReasonIPBlocked   ForbiddenReason = "ip_blocked"
	ReasonLogSkipped  ForbiddenReason = "log_skipped"
	ReasonUABlocked   ForbiddenReason = "ua_blocked"
)

func (r *Registry) IncForbidden(t Tags, reason ForbiddenReason) {
	t.StatID = string(reason)
	r.Forbidden.WithLabelValues(t.values()...).Inc()
}

// WrappingDelta computes new-old as an unsigned wraparound delta,
// clipped to the positive range of a signed 64-bit integer, per spec §6
// "All deltas are computed via wrapping subtraction and clipped to
// signed 64-bit positive max".
func WrappingDelta(prev, cur uint64) int64 {
	d := cur - prev // wraps per Go unsigned-integer semantics
	if d > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(d)
}

// Counter64 is a monotonically increasing counter safe for concurrent
// use, matching spec §3's "monotonically non-decreasing within a given
// epoch" invariant for user statistics.
type Counter64 struct {
	v uint64
}

func (c *Counter64) Add(n uint64) { atomic.AddUint64(&c.v, n) }
func (c *Counter64) Load() uint64 { return atomic.LoadUint64(&c.v) }
