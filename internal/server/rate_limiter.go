package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig caps per-client request rates. Reads and writes get
// separate budgets since a single polling client can legitimately read far
// more often than it submits jobs.
type RateLimitConfig struct {
	ReadRPS    float64
	ReadBurst  int
	WriteRPS   float64
	WriteBurst int
}

type clientLimiters struct {
	read  *rate.Limiter
	write *rate.Limiter
	last  time.Time
}

type rateLimiter struct {
	mu   sync.Mutex
	cfg  RateLimitConfig
	bkt  map[string]*clientLimiters
	ttl  time.Duration
	stop chan struct{}
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.ReadRPS <= 0 {
		cfg.ReadRPS = 100
	}
	if cfg.ReadBurst <= 0 {
		cfg.ReadBurst = 200
	}
	if cfg.WriteRPS <= 0 {
		cfg.WriteRPS = 20
	}
	if cfg.WriteBurst <= 0 {
		cfg.WriteBurst = 40
	}
	rl := &rateLimiter{
		cfg:  cfg,
		bkt:  map[string]*clientLimiters{},
		ttl:  10 * time.Minute,
		stop: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) cleanupLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-t.C:
			cutoff := time.Now().Add(-rl.ttl)
			rl.mu.Lock()
			for k, v := range rl.bkt {
				if v.last.Before(cutoff) {
					delete(rl.bkt, k)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *rateLimiter) close() {
	select {
	case <-rl.stop:
	default:
		close(rl.stop)
	}
}

func (rl *rateLimiter) allow(key string, isWrite bool) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	rl.mu.Lock()
	c := rl.bkt[key]
	if c == nil {
		c = &clientLimiters{
			read:  rate.NewLimiter(rate.Limit(rl.cfg.ReadRPS), rl.cfg.ReadBurst),
			write: rate.NewLimiter(rate.Limit(rl.cfg.WriteRPS), rl.cfg.WriteBurst),
		}
		rl.bkt[key] = c
	}
	c.last = time.Now()
	rl.mu.Unlock()

	if isWrite {
		return c.write.Allow()
	}
	return c.read.Allow()
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.allow(rateLimitClientKey(r), isWriteMethod(r.Method)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

func rateLimitClientKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return "api:" + hashSensitive(k)
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		return "auth:" + hashSensitive(auth)
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return "ip:" + host
	}
	if strings.TrimSpace(r.RemoteAddr) != "" {
		return "ip:" + strings.TrimSpace(r.RemoteAddr)
	}
	return "unknown"
}

func hashSensitive(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}
