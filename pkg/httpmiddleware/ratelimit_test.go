package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitedHandler(max int, keyFn func(*http.Request) string) http.Handler {
	mw := RateLimit(RateLimitConfig{Max: max, Window: time.Minute, KeyFunc: keyFn})
	return mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(handler http.Handler, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_AllowsUpToMax(t *testing.T) {
	handler := limitedHandler(3, nil)

	for i := range 3 {
		rec := hit(handler, "192.168.1.1:12345", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_BlocksOverMax(t *testing.T) {
	handler := limitedHandler(2, nil)

	hit(handler, "10.0.0.1:9999", nil)
	hit(handler, "10.0.0.1:9999", nil)
	rec := hit(handler, "10.0.0.1:9999", nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate_limited", body["code"])
	assert.Equal(t, "rate limit exceeded", body["error"])
}

func TestRateLimit_KeysAreIndependent(t *testing.T) {
	handler := limitedHandler(1, nil)

	assert.Equal(t, http.StatusOK, hit(handler, "10.0.0.1:1234", nil).Code)
	assert.Equal(t, http.StatusOK, hit(handler, "10.0.0.2:1234", nil).Code)

	// The first IP is exhausted even when the port changes.
	assert.Equal(t, http.StatusTooManyRequests, hit(handler, "10.0.0.1:5678", nil).Code)
}

func TestRateLimit_CustomKeyFunc(t *testing.T) {
	handler := limitedHandler(1, func(r *http.Request) string {
		return r.Header.Get("X-API-Key")
	})

	assert.Equal(t, http.StatusOK,
		hit(handler, "1.1.1.1:1", map[string]string{"X-API-Key": "key-a"}).Code)
	assert.Equal(t, http.StatusTooManyRequests,
		hit(handler, "2.2.2.2:2", map[string]string{"X-API-Key": "key-a"}).Code)
	assert.Equal(t, http.StatusOK,
		hit(handler, "1.1.1.1:1", map[string]string{"X-API-Key": "key-b"}).Code)
}

func TestClientIP(t *testing.T) {
	handler := limitedHandler(1, nil)

	// The first X-Forwarded-For entry wins over RemoteAddr.
	fwd := map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"}
	assert.Equal(t, http.StatusOK, hit(handler, "192.168.1.1:4444", fwd).Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(handler, "192.168.1.2:5555", fwd).Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:8080"
	assert.Equal(t, "198.51.100.7", clientIP(req))

	req.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")
	assert.Equal(t, "203.0.113.50", clientIP(req))
}

func TestBucketSlide(t *testing.T) {
	window := time.Minute
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	// Within the window nothing rotates; the full count is visible.
	b := &bucket{start: base, count: 4}
	assert.InDelta(t, 4, b.slide(base.Add(30*time.Second), window), 1e-9)
	assert.Equal(t, 4, b.count)

	// One window later the count becomes the previous window, weighted by
	// the remaining overlap (45s of 60s here).
	used := b.slide(base.Add(window+15*time.Second), window)
	assert.InDelta(t, 3, used, 1e-9)
	assert.Equal(t, 0, b.count)
	assert.Equal(t, 4, b.prev)

	// Two idle windows wipe the bucket entirely.
	b = &bucket{start: base, count: 9, prev: 3}
	assert.Zero(t, b.slide(base.Add(2*window), window))
	assert.Equal(t, 0, b.count)
	assert.Equal(t, 0, b.prev)
}

func TestLimiterTake(t *testing.T) {
	l := newLimiter(2, time.Minute)

	ok, remaining, _ := l.take("k")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	ok, remaining, _ = l.take("k")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)

	ok, remaining, reset := l.take("k")
	assert.False(t, ok)
	assert.Equal(t, 0, remaining)
	assert.False(t, reset.IsZero())
}

func TestLimiterSweep(t *testing.T) {
	l := newLimiter(5, time.Minute)
	l.take("fresh")
	l.buckets["idle"] = &bucket{start: time.Now().Add(-3 * time.Minute)}

	l.sweep()

	assert.Contains(t, l.buckets, "fresh")
	assert.NotContains(t, l.buckets, "idle")
}
