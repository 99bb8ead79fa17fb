package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per client IP
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientLimiter
	config   RateLimitConfig
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	now      func() time.Time
}

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute"`
	BurstSize         int           `json:"burst_size"`
	CleanupInterval   time.Duration `json:"cleanup_interval"`
	ClientTTL         time.Duration `json:"client_ttl"`
	MaxClients        int           `json:"max_clients"`
	EnableHeaderInfo  bool          `json:"enable_header_info"`
	TrustedProxies    []string      `json:"trusted_proxies"`
	WhitelistedIPs    []string      `json:"whitelisted_ips"`
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	ResetTime  time.Time     `json:"reset_time"`
}

// DefaultRateLimitConfig returns limits of requestsPerMinute per client
func DefaultRateLimitConfig(requestsPerMinute, burst int) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: requestsPerMinute,
		BurstSize:         burst,
		CleanupInterval:   5 * time.Minute,
		ClientTTL:         10 * time.Minute,
		MaxClients:        10000,
		EnableHeaderInfo:  true,
		TrustedProxies:    []string{"127.0.0.1", "::1"},
	}
}

// NewRateLimiter creates a limiter. Call Stop to end its cleanup goroutine.
func NewRateLimiter(config RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}

	rl := &RateLimiter{
		clients:  make(map[string]*clientLimiter),
		config:   config,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}

	if config.CleanupInterval > 0 {
		go rl.cleanupRoutine()
	} else {
		close(rl.done)
	}

	return rl
}

// Allow consumes one token for clientIP
func (rl *RateLimiter) Allow(clientIP string) RateLimitResult {
	if rl.isWhitelisted(clientIP) {
		return RateLimitResult{Allowed: true, Remaining: rl.config.BurstSize}
	}

	now := rl.now()
	limiter := rl.limiterFor(clientIP, now)

	if limiter.AllowN(now, 1) {
		return RateLimitResult{
			Allowed:   true,
			Remaining: int(math.Max(0, limiter.TokensAt(now))),
		}
	}

	// Time until one token is available again.
	retry := time.Minute
	if limit := float64(limiter.Limit()); limit > 0 {
		deficit := 1 - limiter.TokensAt(now)
		retry = time.Duration(deficit / limit * float64(time.Second))
	}
	if retry < time.Second {
		retry = time.Second
	}
	return RateLimitResult{
		Allowed:    false,
		RetryAfter: retry,
		ResetTime:  now.Add(retry),
	}
}

func (rl *RateLimiter) limiterFor(clientIP string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, ok := rl.clients[clientIP]
	if !ok {
		if rl.config.MaxClients > 0 && len(rl.clients) >= rl.config.MaxClients {
			rl.evictLocked(now)
		}
		perSecond := rate.Limit(float64(rl.config.RequestsPerMinute) / 60)
		client = &clientLimiter{limiter: rate.NewLimiter(perSecond, rl.config.BurstSize)}
		rl.clients[clientIP] = client
	}
	client.lastSeen = now
	return client.limiter
}

// evictLocked drops idle clients, or every client if none are idle
func (rl *RateLimiter) evictLocked(now time.Time) {
	before := len(rl.clients)
	for ip, client := range rl.clients {
		if now.Sub(client.lastSeen) > rl.config.ClientTTL {
			delete(rl.clients, ip)
		}
	}
	if rl.config.MaxClients > 0 && len(rl.clients) >= rl.config.MaxClients {
		rl.clients = make(map[string]*clientLimiter)
	}
	if evicted := before - len(rl.clients); evicted > 0 {
		rl.logger.Debug("Rate limit cleanup completed",
			zap.Int("evicted", evicted),
			zap.Int("remaining_clients", len(rl.clients)))
	}
}

// ClientCount returns the number of tracked clients
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) cleanupRoutine() {
	defer close(rl.done)

	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			rl.evictLocked(rl.now())
			rl.mu.Unlock()
		case <-rl.stopChan:
			return
		}
	}
}

// Stop ends the cleanup routine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopChan) })
	<-rl.done
}

func (rl *RateLimiter) isWhitelisted(clientIP string) bool {
	return matchesAny(clientIP, rl.config.WhitelistedIPs)
}

// getClientIP extracts the real client IP considering trusted proxies
func (rl *RateLimiter) getClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	if matchesAny(ip, rl.config.TrustedProxies) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ips := strings.Split(xff, ",")
			return strings.TrimSpace(ips[0])
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	return ip
}

// matchesAny reports whether ip equals an entry or falls in a CIDR entry
func matchesAny(ip string, entries []string) bool {
	parsed := net.ParseIP(ip)
	for _, entry := range entries {
		if ip == entry {
			return true
		}
		if _, network, err := net.ParseCIDR(entry); err == nil && parsed != nil && network.Contains(parsed) {
			return true
		}
	}
	return false
}

// RateLimitMiddleware rejects clients over their limit with 429
func (rl *RateLimiter) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := rl.getClientIP(r)
		result := rl.Allow(clientIP)

		if rl.config.EnableHeaderInfo {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		}

		if !result.Allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", r.URL.Path),
				zap.Duration("retry_after", result.RetryAfter))

			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
			be := ErrRateLimited(result.ResetTime)
			response := StandardResponse{
				Success:   false,
				Message:   be.Message,
				RequestID: r.Header.Get("X-Request-ID"),
				Timestamp: rl.now(),
				Error:     be.Info(),
			}
			_ = writeJSONResponse(w, http.StatusTooManyRequests, response)
			return
		}

		next.ServeHTTP(w, r)
	})
}
