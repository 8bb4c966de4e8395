package quota

import (
	"net/netip"
	"testing"
	"time"
)

func TestRateLimiterReloadKeepsStateWhenQuotaUnchanged(t *testing.T) {
	q := RateQuota{Rate: 1, Burst: 1}
	l := NewRateLimiter(q)
	if !l.Allow() {
		t.Fatal("first request should be allowed")
	}
	if l.Allow() {
		t.Fatal("second immediate request should be rate-limited")
	}

	reloaded := l.Reload(q)
	if reloaded != l {
		t.Fatal("reload with identical quota must keep the same limiter instance")
	}
	if reloaded.Allow() {
		t.Fatal("bucket state must carry over: no fresh burst after reload")
	}
}

func TestRateLimiterReloadRebuildsWhenQuotaChanges(t *testing.T) {
	l := NewRateLimiter(RateQuota{Rate: 1, Burst: 1})
	reloaded := l.Reload(RateQuota{Rate: 2, Burst: 5})
	if reloaded == l {
		t.Fatal("reload with a different quota must build a new limiter")
	}
}

func TestRateLimiterNilQuotaMeansUnlimited(t *testing.T) {
	l := NewRateLimiter(RateQuota{})
	if l != nil {
		t.Fatal("zero-value quota should produce no limiter")
	}
	if !l.Allow() {
		t.Fatal("nil limiter must always allow")
	}
}

func TestGaugeCapsConcurrentPermits(t *testing.T) {
	g := NewGauge(2)
	if !g.TryAcquire() || !g.TryAcquire() {
		t.Fatal("expected first two acquires to succeed")
	}
	if g.TryAcquire() {
		t.Fatal("third acquire should fail at capacity")
	}
	g.Release()
	if !g.TryAcquire() {
		t.Fatal("acquire should succeed after a release")
	}
}

func TestGaugeResizePreservesCount(t *testing.T) {
	g := NewGauge(1)
	if !g.TryAcquire() {
		t.Fatal("acquire should succeed")
	}
	g.Resize(5)
	if g.Alive() != 1 {
		t.Fatalf("resize must not reset the live count, got %d", g.Alive())
	}
	if !g.TryAcquire() {
		t.Fatal("acquire should succeed after resizing up")
	}
}

func TestGaugeUnlimited(t *testing.T) {
	g := NewGauge(0)
	for i := 0; i < 1000; i++ {
		if !g.TryAcquire() {
			t.Fatal("unlimited gauge must never refuse")
		}
	}
}

func TestNetRuleFirstMatchWins(t *testing.T) {
	r := NewNetRule(Permit)
	r.Add(netip.MustParsePrefix("10.0.0.0/8"), Forbid)
	r.Add(netip.MustParsePrefix("10.1.0.0/16"), Permit)

	if r.Check(netip.MustParseAddr("10.1.2.3")) != Forbid {
		t.Fatal("expected the broader, first-added rule to win")
	}
	if r.Check(netip.MustParseAddr("192.168.1.1")) != Permit {
		t.Fatal("expected default action for unmatched address")
	}
}

func TestHostRuleExactAndSuffix(t *testing.T) {
	r := NewHostRule(Permit)
	r.Add("blocked.example.com", Forbid)
	r.Add(".badtld.test", ForbidAndLog)

	if r.Check("blocked.example.com") != Forbid {
		t.Fatal("expected exact match to forbid")
	}
	if r.Check("a.badtld.test") != ForbidAndLog {
		t.Fatal("expected suffix match to forbid-and-log")
	}
	if r.Check("badtld.test") != ForbidAndLog {
		t.Fatal("expected bare suffix root to match too")
	}
	if r.Check("ok.example.com") != Permit {
		t.Fatal("expected default for unmatched host")
	}
}

func TestUserAgentRuleIteratesAllValues(t *testing.T) {
	r := NewUserAgentRule(Permit)
	r.Add("evilbot")

	if r.Check([]string{"Mozilla/5.0", "EvilBot/1.0"}) != Forbid {
		t.Fatal("expected a matching User-Agent among several values to forbid")
	}
	if r.Check([]string{"Mozilla/5.0"}) != Permit {
		t.Fatal("expected no match to permit")
	}
}

func TestSetOrderedEvaluation(t *testing.T) {
	s := &Set{
		IngressNet:   NewNetRule(Permit),
		RequestRate:  NewRateLimiter(RateQuota{Rate: 100, Burst: 100}),
		TCPConnRate:  NewRateLimiter(RateQuota{Rate: 100, Burst: 100}),
		Alive:        NewGauge(1),
		ProxyRequest: NewProxyRequestRule(Permit),
		DestPort:     NewPortRule(Permit),
		DestHost:     NewHostRule(Permit),
		UserAgent:    NewUserAgentRule(Permit),
	}
	s.DestHost.Add("denied.example", Forbid)

	if got := s.CheckIngress(netip.MustParseAddr("1.2.3.4")); got != ReasonNone {
		t.Fatalf("got %v", got)
	}
	if got := s.CheckRateLimits(false); got != ReasonNone {
		t.Fatalf("got %v", got)
	}
	if got := s.AcquireAlive(); got != ReasonNone {
		t.Fatalf("got %v", got)
	}
	if got := s.AcquireAlive(); got != ReasonFullyLoaded {
		t.Fatalf("expected fully loaded on second acquire, got %v", got)
	}
	s.ReleaseAlive()
	if got := s.CheckDestination("denied.example", 443); got != ReasonDestDenied {
		t.Fatalf("got %v", got)
	}
}

func TestGlobalStreamLimiterUpdateInPlace(t *testing.T) {
	l := NewGlobalStreamLimiter(10)
	defer l.Stop()
	got := l.TryConsume(5)
	if got != 5 {
		t.Fatalf("got %d", got)
	}
	l.Update(1000)
	time.Sleep(150 * time.Millisecond)
	got = l.TryConsume(50)
	if got == 0 {
		t.Fatal("expected replenished tokens after rate update")
	}
}
