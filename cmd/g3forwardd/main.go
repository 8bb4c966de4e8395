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

// Command g3forwardd wires every package of this module into a
// runnable forward proxy: it loads config.Settings, opens one listener
// per configured bind, and per accepted connection runs the spec §4.C
// admission checks, picks an upstream with the selective package, then
// dispatches to ftptask or forward1 depending on the request's scheme.
// It intentionally stays thin — the algorithms live in the packages it
// wires, not here.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sabouaram/g3forward/config"
	"github.com/sabouaram/g3forward/errs"
	"github.com/sabouaram/g3forward/forward1"
	"github.com/sabouaram/g3forward/ftptask"
	"github.com/sabouaram/g3forward/icap"
	"github.com/sabouaram/g3forward/logging"
	"github.com/sabouaram/g3forward/metrics"
	"github.com/sabouaram/g3forward/quota"
	"github.com/sabouaram/g3forward/selective"
	"github.com/sabouaram/g3forward/upstream"
	"github.com/sabouaram/g3forward/user"
)

func main() {
	configPath := flag.String("config", "g3forwardd.yaml", "path to the YAML configuration file")
	metricsAddr := flag.String("metrics", ":9100", "bind address for the Prometheus /metrics endpoint")
	logLevel := flag.String("log-level", "info", "logrus level name")
	flag.Parse()

	logger := logging.New(os.Stderr, *logLevel)

	mgr, err := config.NewManager(*configPath, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("load config: %v", err))
		os.Exit(1)
	}
	mgr.WatchReload()

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, gctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
	grp.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics endpoint stopped: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		return metricsSrv.Shutdown(context.Background())
	})

	eng := &engine{
		cfg:     mgr,
		pool:    upstream.NewMemPool(nil),
		logger:  logger,
		metrics: metricsReg,
	}

	settings := mgr.Settings()
	if len(settings.Listeners) == 0 {
		logger.Error("no listeners configured")
		os.Exit(1)
	}

	for _, lc := range settings.Listeners {
		lc := lc
		ln, err := net.Listen(lc.Network, lc.Address)
		if err != nil {
			logger.Error(fmt.Sprintf("listen %s %s: %v", lc.Network, lc.Address, err))
			os.Exit(1)
		}
		logger.Info(fmt.Sprintf("listening on %s (%s)", lc.Address, lc.Name))
		grp.Go(func() error {
			eng.acceptLoop(gctx, ln, lc.Name)
			return nil
		})
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := grp.Wait(); err != nil {
		logger.Error(err.Error())
	}
}

// engine bundles the long-lived dependencies a connection handler
// needs; it is the unexported counterpart of the teacher's server pool
// but scoped to this single forward-proxy protocol.
type engine struct {
	cfg     *config.Manager
	pool    upstream.Pool
	logger  logging.Logger
	metrics *metrics.Registry
}

func (e *engine) acceptLoop(ctx context.Context, ln net.Listener, serverName string) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				e.logger.Warn(fmt.Sprintf("accept on %s: %v", serverName, err))
				continue
			}
		}
		go e.handleConn(ctx, c, serverName)
	}
}

// handleConn runs the spec §4.C admission pipeline and then the
// selected forward task for every pipelined request on one client
// connection, closing as soon as any step marks the connection
// should-close.
func (e *engine) handleConn(ctx context.Context, c net.Conn, serverName string) {
	defer c.Close()
	cr := bufio.NewReader(c)

	remoteAddr, _ := netip.ParseAddrPort(c.RemoteAddr().String())
	e.metrics.ConnTotal.WithLabelValues(tagValues(metrics.Tags{Server: serverName})...).Inc()

	for {
		req, err := http.ReadRequest(cr)
		if err != nil {
			if err != io.EOF {
				e.logger.Warn(fmt.Sprintf("%s: read request: %v", serverName, err))
			}
			return
		}

		settings := e.cfg.Settings()
		shouldClose := e.serveOne(ctx, c, req, serverName, settings, remoteAddr.Addr())
		if shouldClose {
			return
		}
	}
}

// serveOne runs one request/response cycle and reports whether the
// connection must be closed afterwards.
func (e *engine) serveOne(ctx context.Context, c net.Conn, req *http.Request, serverName string, settings config.Settings, remote netip.Addr) bool {
	username, password, hasAuth := req.BasicAuth()
	if !hasAuth {
		writeStatus(c, http.StatusProxyAuthRequired, map[string]string{"Proxy-Authenticate": `Basic realm="g3forward"`})
		return true
	}

	group := "default"
	if idx := strings.IndexByte(username, '/'); idx >= 0 {
		group, username = username[:idx], username[idx+1:]
	}

	u, ok := e.cfg.User(group, username)
	if !ok {
		writeStatus(c, http.StatusProxyAuthRequired, nil)
		return true
	}

	uctx := user.NewContext(u, username, user.UserAndPassword, serverName, escaperNameFor(settings, serverName))
	tags := metrics.Tags{UserGroup: group, User: username, Server: serverName}
	e.metrics.ReqTotal.WithLabelValues(tagValues(tags)...).Inc()

	if reason := uctx.CheckClientAddr(remote); reason != user.ReasonNone {
		e.deny(c, tags, "ip_blocked", http.StatusForbidden)
		return true
	}
	if reason := uctx.CheckPassword(password); reason != user.ReasonNone {
		e.deny(c, tags, "auth_failed", http.StatusProxyAuthRequired)
		return true
	}
	if reason := uctx.CheckRateLimit(); reason != user.ReasonNone {
		e.deny(c, tags, "rate_limited", http.StatusTooManyRequests)
		return true
	}
	if reason := uctx.AcquireRequestSemaphore(); reason != user.ReasonNone {
		e.deny(c, tags, "fully_loaded", http.StatusServiceUnavailable)
		return true
	}
	defer uctx.ReleaseRequestSemaphore()

	reqType := proxyRequestType(req)
	if reason := uctx.CheckProxyRequest(reqType); reason != user.ReasonNone {
		e.deny(c, tags, "proto_banned", http.StatusForbidden)
		return true
	}

	host, port := hostPort(req)
	uctx.ResolveSite(host)
	if reason := uctx.CheckUpstream(host, port); reason != user.ReasonNone {
		e.deny(c, tags, "dest_denied", http.StatusForbidden)
		return true
	}
	if reason := uctx.CheckHTTPUserAgent(req.Header["User-Agent"]); reason != user.ReasonNone {
		e.deny(c, tags, "ua_blocked", http.StatusForbidden)
		return true
	}

	escaper := findEscaper(settings, escaperNameFor(settings, serverName))
	address, dialErr := pickUpstream(escaper, host, port)
	if dialErr != nil {
		writeStatus(c, http.StatusBadGateway, nil)
		return true
	}

	if req.URL.Scheme == "ftp" {
		return e.runFTP(c, req, address)
	}
	return e.runHTTP1(ctx, c, req, address, tags, icapAdapterFor(settings, escaper))
}

func (e *engine) deny(c net.Conn, tags metrics.Tags, reason string, status int) {
	e.metrics.Forbidden.WithLabelValues(tagValuesWithStat(tags, reason)...).Inc()
	writeStatus(c, status, nil)
}

func (e *engine) runFTP(c net.Conn, req *http.Request, address string) bool {
	task := &ftptask.Task{
		Cfg:          ftptask.Config{MaxLineLen: 1024, RealmHost: req.URL.Host, ServerID: "g3forwardd"},
		Dial:         realFTPDialer,
		Logger:       e.logger,
		ClientWriter: c,
	}
	var contentLength int64 = -1
	if req.ContentLength >= 0 {
		contentLength = req.ContentLength
	}
	// http.ReadRequest has already removed any chunked framing from
	// req.Body, and gives a request without a body http.NoBody.
	reqBody := req.Body
	if reqBody == http.NoBody {
		reqBody = nil
	}
	username, password, _ := req.BasicAuth()
	res := task.Run(req, reqBody, contentLength, false, "tcp", address, username, password, req.URL.Path)
	return res.Err != nil || res.Notes == nil
}

func (e *engine) runHTTP1(ctx context.Context, c net.Conn, req *http.Request, address string, tags metrics.Tags, adapter icap.Adapter) bool {
	conn, err := e.pool.MakeNewHTTPConnection(ctx, "tcp", address)
	if err != nil {
		writeStatus(c, http.StatusBadGateway, nil)
		return true
	}
	// current tracks whichever upstream connection is live when this
	// function returns: the one dialed above, or the one the retry's
	// Redial hook swapped in. It is cleared on failure so a broken
	// connection is never handed back to the pool.
	current := conn
	defer func() {
		if current != nil {
			e.pool.SaveAliveConnection("tcp", address, current)
		}
	}()

	t := &forward1.Task{
		Cfg:     forward1.Config{MaxIdleCount: 30, IdleTick: 200 * time.Millisecond, RspHeaderTimeout: 30 * time.Second, ServerID: "g3forwardd"},
		Adapter: adapter, // nil when no ICAP endpoint is configured for this escaper
		Logger:  e.logger,
		Metrics: e.metrics,
		Tags:    tags,
		Hooks: forward1.Hooks{
			Redial: func(ctx context.Context) (*bufio.Reader, io.Writer, error) {
				nc, derr := e.pool.MakeNewHTTPConnection(ctx, "tcp", address)
				if derr != nil {
					return nil, nil, derr
				}
				current = nc
				return bufio.NewReader(nc), nc, nil
			},
		},
		ClientWriter: c,
		UpstreamR:    bufio.NewReader(conn),
		UpstreamW:    conn,
	}

	res := t.Run(ctx, req, 0, req.ContentLength, conn.Notes.Reused)
	if res.Err != nil {
		current = nil
		return true
	}
	return res.Notes.ShouldClose
}

func writeStatus(w io.Writer, status int, extraHeaders map[string]string) {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for k, v := range extraHeaders {
		fmt.Fprintf(bw, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(bw, "Content-Length: 0\r\n\r\n")
	_ = bw.Flush()
}

func proxyRequestType(req *http.Request) quota.ProxyRequestType {
	switch {
	case req.Method == http.MethodConnect:
		return quota.ReqHTTPConnect
	case req.URL.Scheme == "ftp":
		return quota.ReqFTPOverHTTP
	case req.URL.Scheme == "https":
		return quota.ReqHTTPSForward
	default:
		return quota.ReqHTTPForward
	}
}

func hostPort(req *http.Request) (string, uint16) {
	host := req.URL.Hostname()
	portStr := req.URL.Port()
	if portStr == "" {
		switch req.URL.Scheme {
		case "https":
			portStr = "443"
		case "ftp":
			portStr = "21"
		default:
			portStr = "80"
		}
	}
	p, _ := strconv.ParseUint(portStr, 10, 16)
	return host, uint16(p)
}

func escaperNameFor(settings config.Settings, serverName string) string {
	if len(settings.Escapers) == 0 {
		return ""
	}
	return settings.Escapers[0].Name
}

func findEscaper(settings config.Settings, name string) *config.EscaperConfig {
	for i := range settings.Escapers {
		if settings.Escapers[i].Name == name {
			return &settings.Escapers[i]
		}
	}
	return nil
}

// icapAdapterFor returns the icap.Adapter wired to escaper's REQMOD/
// RESPMOD endpoint, or nil when no ICAP endpoint is configured for it
// or it is marked bypass_on_error (spec §4.F "an escaper with no ICAP
// endpoint configured takes the straight path").
func icapAdapterFor(settings config.Settings, escaper *config.EscaperConfig) icap.Adapter {
	if escaper == nil {
		return nil
	}
	for _, ic := range settings.ICAP {
		if ic.Name != escaper.Name || ic.Bypass {
			continue
		}
		u, err := url.Parse(ic.URL)
		if err != nil {
			continue
		}
		nc, err := net.DialTimeout("tcp", u.Host, ic.Timeout)
		if err != nil {
			continue
		}
		return &icap.NetAdapter{Conn: nc, Service: ic.URL}
	}
	return nil
}

// escaperNode adapts one upstream address string into a
// selective.Item so EscaperConfig.Upstreams can drive every picker
// policy spec §4.B defines.
type escaperNode struct{ addr string }

func (n escaperNode) Weight() float64   { return 1 }
func (n escaperNode) HashBytes() []byte { return []byte(n.addr) }

// pickUpstream selects one address from escaper's pool according to
// its configured Policy, falling back to host:port when no escaper (or
// an empty upstream pool) is configured — a direct-connect posture
// useful for tests and single-upstream deployments.
func pickUpstream(escaper *config.EscaperConfig, host string, port uint16) (string, error) {
	direct := net.JoinHostPort(host, strconv.Itoa(int(port)))
	if escaper == nil || len(escaper.Upstreams) == 0 {
		return direct, nil
	}

	policy, err := selective.ParsePolicy(escaper.Policy)
	if err != nil {
		return direct, nil
	}
	nodes := make([]escaperNode, 0, len(escaper.Upstreams))
	for _, a := range escaper.Upstreams {
		nodes = append(nodes, escaperNode{addr: a})
	}
	vec, err := selective.Build(nodes)
	if err != nil {
		return "", errs.New(errs.CodeInternalAdapterError, "build escaper pool", err)
	}
	picked := vec.Pick(policy, []byte(direct))
	return picked.addr, nil
}

func tagValues(t metrics.Tags) []string {
	return []string{t.UserGroup, t.User, t.UserType, t.Server, t.Request, t.Transport, t.Connection, t.StatID}
}

func tagValuesWithStat(t metrics.Tags, statID string) []string {
	t.StatID = statID
	return tagValues(t)
}

var realFTPDialer = ftptask.NewJlaffayeDialer()
