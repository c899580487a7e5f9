package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestAllowHonoursBurstPerKey(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 2, time.Minute, nil)
	defer l.Stop()
	fixed := time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("expected burst of two to be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("expected third request to be limited")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("expected other address to have its own bucket")
	}

	fixed = fixed.Add(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Fatal("expected token to refill after one second")
	}
}

func TestSweepDropsIdleEntries(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 1, time.Minute, nil)
	defer l.Stop()
	fixed := time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.Allow("10.0.0.1")
	fixed = fixed.Add(2 * time.Minute)
	l.Allow("10.0.0.2")
	l.sweep()

	if _, ok := l.limiters["10.0.0.1"]; ok {
		t.Fatal("expected idle entry to be swept")
	}
	if _, ok := l.limiters["10.0.0.2"]; !ok {
		t.Fatal("expected fresh entry to remain")
	}
}

func TestClientIPTrustedProxies(t *testing.T) {
	cases := []struct {
		name    string
		proxies []string
		remote  string
		xff     string
		realIP  string
		want    string
	}{
		{name: "no proxies trusts header", remote: "10.0.0.9:5000", xff: "203.0.113.7, 10.0.0.9", want: "203.0.113.7"},
		{name: "untrusted proxy ignored", proxies: []string{"192.168.0.0/16"}, remote: "10.0.0.9:5000", xff: "203.0.113.7", want: "10.0.0.9"},
		{name: "trusted single ip", proxies: []string{"10.0.0.9"}, remote: "10.0.0.9:5000", xff: "203.0.113.7", want: "203.0.113.7"},
		{name: "real ip fallback", proxies: []string{"10.0.0.0/8"}, remote: "10.0.0.9:5000", realIP: "198.51.100.4", want: "198.51.100.4"},
		{name: "remote addr", remote: "198.51.100.9:443", want: "198.51.100.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewIPRateLimiter(rate.Limit(1), 1, time.Minute, tc.proxies)
			defer l.Stop()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := l.ClientIP(r); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(0.001), 1, time.Minute, nil)
	defer l.Stop()
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	if first.Code != http.StatusNoContent {
		t.Fatalf("expected first request through, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}
