package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(60, 2)

	a := httptest.NewRequest("GET", "/api/echo", nil)
	a.RemoteAddr = "10.1.1.1:5000"
	b := httptest.NewRequest("GET", "/api/echo", nil)
	b.RemoteAddr = "10.1.1.2:5000"

	if !rl.Allow(a) || !rl.Allow(a) {
		t.Fatalf("burst of 2 should pass")
	}
	if rl.Allow(a) {
		t.Fatalf("third immediate request should be limited")
	}
	if !rl.Allow(b) {
		t.Fatalf("limit must be per client")
	}
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.SetClock(func() time.Time { return now })

	req := httptest.NewRequest("GET", "/api/echo", nil)
	req.RemoteAddr = "10.1.1.1:5000"
	rl.Allow(req)
	if len(rl.visitors) != 1 {
		t.Fatalf("visitor not recorded")
	}

	now = now.Add(10 * time.Minute)
	other := httptest.NewRequest("GET", "/api/echo", nil)
	other.RemoteAddr = "10.1.1.2:5000"
	rl.Allow(other)
	if _, ok := rl.visitors["10.1.1.1"]; ok {
		t.Fatalf("idle visitor should have been swept")
	}
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	if got := ClientID(req); got != "192.0.2.10" {
		t.Fatalf("remote addr: %s", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ClientID(req); got != "203.0.113.7" {
		t.Fatalf("forwarded for: %s", got)
	}

	req.Header.Set("X-Real-IP", "198.51.100.3")
	if got := ClientID(req); got != "198.51.100.3" {
		t.Fatalf("real ip wins: %s", got)
	}
}

func TestObservabilityCounters(t *testing.T) {
	obs := NewObservability("tollgate-test")
	obs.RecordRequest("echo", "POST", 200, 30*time.Millisecond)
	obs.RecordDenial("RATE_LIMITED")
	obs.RecordDenial("RATE_LIMITED")
	obs.RecordRevenue(decimal.RequireFromString("0.01"))

	if got := testutil.CollectAndCount(obs.requests); got != 1 {
		t.Fatalf("request series: %d", got)
	}
	if got := testutil.ToFloat64(obs.denials.WithLabelValues("RATE_LIMITED")); got != 2 {
		t.Fatalf("denials: %f", got)
	}
	if got := testutil.ToFloat64(obs.revenue); got != 0.01 {
		t.Fatalf("revenue: %f", got)
	}

	rec := httptest.NewRecorder()
	obs.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "tollgate_requests_total") {
		t.Fatalf("exposition missing request counter:\n%s", rec.Body.String())
	}
}
