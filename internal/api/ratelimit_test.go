package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiter(cfg, zaptest.NewLogger(t))
	t.Cleanup(rl.Stop)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiterAllow(t *testing.T) {
	cfg := DefaultRateLimitConfig(60, 2)
	cfg.CleanupInterval = 0
	rl, now := newTestLimiter(t, cfg)

	for i := 0; i < 2; i++ {
		if res := rl.Allow("10.0.0.1"); !res.Allowed {
			t.Fatalf("Request %d should be allowed within burst", i)
		}
	}

	res := rl.Allow("10.0.0.1")
	if res.Allowed {
		t.Fatal("Request beyond burst should be denied")
	}
	if res.RetryAfter < time.Second {
		t.Errorf("RetryAfter = %v, want at least 1s", res.RetryAfter)
	}

	if res := rl.Allow("10.0.0.2"); !res.Allowed {
		t.Error("Other clients have their own bucket")
	}

	// 60/min refills one token per second.
	*now = now.Add(time.Second)
	if res := rl.Allow("10.0.0.1"); !res.Allowed {
		t.Error("Token should have been refilled")
	}
}

func TestRateLimiterWhitelist(t *testing.T) {
	cfg := DefaultRateLimitConfig(60, 1)
	cfg.CleanupInterval = 0
	cfg.WhitelistedIPs = []string{"192.168.0.0/16"}
	rl, _ := newTestLimiter(t, cfg)

	for i := 0; i < 5; i++ {
		if res := rl.Allow("192.168.1.10"); !res.Allowed {
			t.Fatal("Whitelisted client should never be limited")
		}
	}
	if rl.ClientCount() != 0 {
		t.Errorf("Whitelisted clients should not be tracked, got %d", rl.ClientCount())
	}
}

func TestRateLimiterEviction(t *testing.T) {
	cfg := DefaultRateLimitConfig(60, 1)
	cfg.CleanupInterval = 0
	cfg.MaxClients = 2
	cfg.ClientTTL = time.Minute
	rl, now := newTestLimiter(t, cfg)

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")
	*now = now.Add(2 * time.Minute)
	rl.Allow("10.0.0.3")

	if got := rl.ClientCount(); got != 1 {
		t.Errorf("Expected idle clients evicted, %d remain", got)
	}
}

func TestGetClientIP(t *testing.T) {
	cfg := DefaultRateLimitConfig(60, 1)
	cfg.CleanupInterval = 0
	cfg.TrustedProxies = []string{"10.0.0.0/8"}
	rl, _ := newTestLimiter(t, cfg)

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"direct", "203.0.113.5:4000", nil, "203.0.113.5"},
		{"untrusted forwarded", "203.0.113.5:4000", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "203.0.113.5"},
		{"trusted forwarded", "10.1.2.3:4000", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.1.2.3"}, "1.2.3.4"},
		{"trusted real ip", "10.1.2.3:4000", map[string]string{"X-Real-IP": "5.6.7.8"}, "5.6.7.8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := rl.getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := DefaultRateLimitConfig(60, 1)
	cfg.CleanupInterval = 0
	rl, _ := newTestLimiter(t, cfg)

	handler := rl.RateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("First request should pass, got %d", rec.Code)
	}

	rec, resp := doRequest(t, handler, http.MethodGet, "/")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Second request should be limited, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
	if resp.Error == nil || resp.Error.Code != "rate_limited" {
		t.Errorf("Unexpected body %+v", resp)
	}
}

func TestRateLimiterStopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig(60, 1), zaptest.NewLogger(t))
	rl.Stop()
	rl.Stop()
}
