package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(max int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(RateLimitConfig{Max: max, Window: window})
	l.now = clock.now
	return l, clock
}

func request(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/products/P1/image", nil)
	req.RemoteAddr = ip + ":5555"
	return req
}

func TestLimiter_UnderLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)
	h := l.Middleware()(okHandler())

	for i := range 3 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, request("10.0.0.1"))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(2-i), w.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestLimiter_OverLimit(t *testing.T) {
	l, _ := newTestLimiter(2, time.Minute)
	h := l.Middleware()(okHandler())

	for range 2 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, request("10.0.0.1"))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, request("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"code":429,"message":"rate limit exceeded"}`, w.Body.String())

	// Other clients are unaffected.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, request("10.0.0.2"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLimiter_SlidingWindow(t *testing.T) {
	l, clock := newTestLimiter(4, time.Minute)

	for range 4 {
		ok, _, _ := l.Allow("k")
		require.True(t, ok)
	}
	ok, _, _ := l.Allow("k")
	require.False(t, ok)

	// Half way into the next window half of the previous count still applies.
	clock.advance(90 * time.Second)
	ok, _, _ = l.Allow("k")
	assert.True(t, ok)
	ok, _, _ = l.Allow("k")
	assert.True(t, ok)
	ok, _, _ = l.Allow("k")
	assert.False(t, ok)

	// Two idle windows reset everything.
	clock.advance(3 * time.Minute)
	for range 4 {
		ok, _, _ := l.Allow("k")
		assert.True(t, ok)
	}
}

func TestLimiter_Sweep(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute)
	l.Allow("a")
	clock.advance(70 * time.Second)
	l.Allow("b")

	clock.advance(60 * time.Second)
	l.Sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.keys, "a")
	assert.Contains(t, l.keys, "b")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		remote   string
		expected string
	}{
		{"forwarded list", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "10.0.0.1:1", "203.0.113.9"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.1:1", "198.51.100.7"},
		{"remote addr", nil, "192.0.2.1:4321", "192.0.2.1"},
		{"remote without port", nil, "192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, ClientIP(req))
		})
	}
}
