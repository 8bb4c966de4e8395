package user

import (
	"net/netip"
	"testing"
	"time"

	"github.com/sabouaram/g3forward/quota"
)

func baseConfig() *Config {
	return &Config{
		Group:        "grp",
		Name:         "alice",
		Password:     "secret",
		RequestRate:  quota.RateQuota{Rate: 100, Burst: 100},
		TCPConnRate:  quota.RateQuota{Rate: 100, Burst: 100},
		AliveMax:     2,
		IngressNet:   quota.NewNetRule(quota.Permit),
		ProxyRequest: quota.NewProxyRequestRule(quota.Permit),
		DestPort:     quota.NewPortRule(quota.Permit),
		DestHost:     quota.NewHostRule(quota.Permit),
		UserAgent:    quota.NewUserAgentRule(quota.Permit),
	}
}

func TestCheckPasswordOrdering(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := baseConfig()
	u := New(cfg, now)
	ctx := NewContext(u, "alice", UserAndPassword, "srv", "esc")

	if r := ctx.CheckPassword("wrong"); r != ReasonTokenNotMatch {
		t.Fatalf("got %v", r)
	}
	if ctx.ForbiddenStats().AuthFailed != 1 {
		t.Fatal("expected auth_failed to increment")
	}
	if r := ctx.CheckPassword("secret"); r != ReasonNone {
		t.Fatalf("got %v", r)
	}
}

func TestCheckPasswordExpired(t *testing.T) {
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := baseConfig()
	cfg.ExpireAt = past
	u := New(cfg, now)
	ctx := NewContext(u, "alice", UserAndPassword, "srv", "esc")

	if r := ctx.CheckPassword("secret"); r != ReasonExpiredUser {
		t.Fatalf("got %v", r)
	}
}

func TestCheckPasswordBlocked(t *testing.T) {
	now := time.Now()
	cfg := baseConfig()
	cfg.BlockAndDelay = 5 * time.Second
	u := New(cfg, now)
	ctx := NewContext(u, "alice", UserAndPassword, "srv", "esc")

	if r := ctx.CheckPassword("secret"); r != ReasonBlockedUser {
		t.Fatalf("got %v", r)
	}
}

func TestAliveSemaphoreCap(t *testing.T) {
	now := time.Now()
	cfg := baseConfig()
	u := New(cfg, now)
	ctx := NewContext(u, "alice", UserAndPassword, "srv", "esc")

	if r := ctx.AcquireRequestSemaphore(); r != ReasonNone {
		t.Fatalf("got %v", r)
	}
	if r := ctx.AcquireRequestSemaphore(); r != ReasonNone {
		t.Fatalf("got %v", r)
	}
	if r := ctx.AcquireRequestSemaphore(); r != ReasonFullyLoaded {
		t.Fatalf("expected fully loaded at alive cap, got %v", r)
	}
	ctx.ReleaseRequestSemaphore()
	if r := ctx.AcquireRequestSemaphore(); r != ReasonNone {
		t.Fatalf("expected a release to free a permit, got %v", r)
	}
}

func TestReloadPreservesRateLimiterWhenQuotaUnchanged(t *testing.T) {
	now := time.Now()
	cfg := baseConfig()
	u := New(cfg, now)
	before := u.quotaSet().RequestRate

	cfg2 := baseConfig()
	cfg2.AliveMax = 10
	u.Reload(cfg2, now)
	after := u.quotaSet().RequestRate

	if before != after {
		t.Fatal("reload with unchanged request rate quota must keep the same limiter")
	}
}

func TestReloadResizesAliveGaugeKeepingCount(t *testing.T) {
	now := time.Now()
	cfg := baseConfig()
	u := New(cfg, now)
	ctx := NewContext(u, "alice", UserAndPassword, "srv", "esc")
	ctx.AcquireRequestSemaphore()

	cfg2 := baseConfig()
	cfg2.AliveMax = 10
	u.Reload(cfg2, now)

	if u.quotaSet().Alive.Alive() != 1 {
		t.Fatalf("expected in-flight count to survive reload, got %d", u.quotaSet().Alive.Alive())
	}
}

func TestStatsMapsMemoisePerServer(t *testing.T) {
	now := time.Now()
	u := New(baseConfig(), now)
	ctx1 := NewContext(u, "alice", UserAndPassword, "srv-a", "esc")
	ctx2 := NewContext(u, "alice", UserAndPassword, "srv-a", "esc")
	ctx3 := NewContext(u, "alice", UserAndPassword, "srv-b", "esc")

	if ctx1.RequestStats() != ctx2.RequestStats() {
		t.Fatal("same server name must return the same stats handle")
	}
	if ctx1.RequestStats() == ctx3.RequestStats() {
		t.Fatal("different server names must return distinct stats handles")
	}
}

func TestCheckClientAddrBlocked(t *testing.T) {
	cfg := baseConfig()
	cfg.IngressNet = quota.NewNetRule(quota.Permit)
	cfg.IngressNet.Add(netip.MustParsePrefix("10.0.0.0/8"), quota.Forbid)
	u := New(cfg, time.Now())
	ctx := NewContext(u, "alice", UserAndPassword, "srv", "esc")

	if r := ctx.CheckClientAddr(netip.MustParseAddr("10.1.2.3")); r != ReasonBlockedSrcIP {
		t.Fatalf("got %v", r)
	}
	if r := ctx.CheckClientAddr(netip.MustParseAddr("8.8.8.8")); r != ReasonNone {
		t.Fatalf("got %v", r)
	}
}
