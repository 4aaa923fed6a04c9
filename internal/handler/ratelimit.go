package handler

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const bucketIdle = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix seconds
}

// RateLimiter keeps a token bucket per client IP. It protects the
// register/login endpoints from credential stuffing.
type RateLimiter struct {
	buckets sync.Map // ip -> *bucket
	rate    rate.Limit
	burst   int
	done    chan struct{}
}

// NewRateLimiter allows r requests per second per IP with the given burst.
// A background goroutine drops buckets idle for more than ten minutes.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	rl := &RateLimiter{
		rate:  r,
		burst: burst,
		done:  make(chan struct{}),
	}
	go rl.evict()
	return rl
}

func (rl *RateLimiter) take(ip string) bool {
	b, _ := rl.buckets.LoadOrStore(ip, &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)})
	bk := b.(*bucket)
	bk.lastSeen.Store(time.Now().Unix())
	return bk.limiter.Allow()
}

func (rl *RateLimiter) evict() {
	ticker := time.NewTicker(bucketIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-bucketIdle).Unix()
			rl.buckets.Range(func(key, value any) bool {
				if value.(*bucket).lastSeen.Load() < cutoff {
					rl.buckets.Delete(key)
				}
				return true
			})
		case <-rl.done:
			return
		}
	}
}

// Stop terminates the eviction goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

// Middleware rejects requests over the per-IP limit with a JSON 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if fwd := r.Header.Get("X-Real-Ip"); fwd != "" {
			ip = fwd
		}
		if !rl.take(ip) {
			renderJSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
