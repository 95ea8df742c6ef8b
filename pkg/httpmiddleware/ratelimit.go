package httpmiddleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig tunes the per-key sliding window.
type RateLimitConfig struct {
	// Max requests allowed per Window for a single key.
	Max int
	// Window length. Defaults to one minute.
	Window time.Duration
	// KeyFunc extracts the limiting key from a request. Defaults to the
	// client IP (first X-Forwarded-For entry, then X-Real-IP, then
	// RemoteAddr).
	KeyFunc func(*http.Request) string
}

// bucket holds the current and previous window counts for one key.
// The sliding count is the current count plus the previous count weighted
// by how much of the previous window still overlaps.
type bucket struct {
	start time.Time
	count int
	prev  int
}

// slide rotates the bucket so that start covers now, then returns the
// weighted request count for the sliding window ending at now.
func (b *bucket) slide(now time.Time, window time.Duration) float64 {
	elapsed := now.Sub(b.start)
	switch {
	case elapsed >= 2*window:
		b.start = now.Truncate(window)
		b.count = 0
		b.prev = 0
	case elapsed >= window:
		b.start = b.start.Add(window)
		b.prev = b.count
		b.count = 0
	}

	overlap := 1 - float64(now.Sub(b.start))/float64(window)
	if overlap < 0 {
		overlap = 0
	}
	return float64(b.count) + float64(b.prev)*overlap
}

type limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	max     int
	window  time.Duration
}

func newLimiter(max int, window time.Duration) *limiter {
	return &limiter{
		buckets: make(map[string]*bucket),
		max:     max,
		window:  window,
	}
}

// take records a request for key and reports whether it is within the
// limit, along with how many requests remain and when the window rolls.
func (l *limiter) take(key string) (ok bool, remaining int, reset time.Time) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, found := l.buckets[key]
	if !found {
		b = &bucket{start: now.Truncate(l.window)}
		l.buckets[key] = b
	}

	used := b.slide(now, l.window)
	reset = b.start.Add(l.window)
	if used >= float64(l.max) {
		return false, 0, reset
	}

	b.count++
	remaining = l.max - int(used) - 1
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, reset
}

// sweep drops buckets that have been idle for two full windows.
func (l *limiter) sweep() {
	cutoff := time.Now().Add(-2 * l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.start.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// RateLimit returns a middleware enforcing a sliding-window rate limit per
// key. Buckets are never evicted; use RateLimitWithCleanup for long-running
// servers.
func RateLimit(cfg RateLimitConfig) Middleware {
	return rateLimit(cfg, nil)
}

// RateLimitWithCleanup is RateLimit plus a background sweeper that evicts
// idle buckets until ctx is cancelled.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	return rateLimit(cfg, ctx)
}

func rateLimit(cfg RateLimitConfig, sweepCtx context.Context) Middleware {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	keyFn := cfg.KeyFunc
	if keyFn == nil {
		keyFn = clientIP
	}

	l := newLimiter(cfg.Max, cfg.Window)
	if sweepCtx != nil {
		go func() {
			t := time.NewTicker(l.window)
			defer t.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case <-t.C:
					l.sweep()
				}
			}
		}()
	}

	limitHeader := strconv.Itoa(cfg.Max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, remaining, reset := l.take(keyFn(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", limitHeader)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

			if !ok {
				retryAfter := int(time.Until(reset).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded","code":"rate_limited"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the caller address, trusting proxy headers when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
