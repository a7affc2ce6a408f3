package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, cfg Config) (*Limiter, *manualClock) {
	t.Helper()
	clock := &manualClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	l := New(cfg).WithClock(clock.now)
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("alice", Read)
		require.True(t, ok, "request %d is within the burst", i)
	}
	ok, wait := l.Allow("alice", Read)
	assert.False(t, ok)
	assert.InDelta(t, time.Second, wait, float64(10*time.Millisecond))

	clock.advance(time.Second)
	ok, _ = l.Allow("alice", Read)
	assert.True(t, ok)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1})

	ok, _ := l.Allow("alice", Read)
	require.True(t, ok)
	ok, _ = l.Allow("alice", Read)
	assert.False(t, ok)

	ok, _ = l.Allow("bob", Read)
	assert.True(t, ok)
}

func TestLimiter_WritesUseTheirOwnSlowerBucket(t *testing.T) {
	l, clock := newLimiter(t, Config{RequestsPerMinute: 120, BurstSize: 1})
	assert.Equal(t, 30, l.cfg.WritesPerMinute)

	ok, _ := l.Allow("alice", Write)
	require.True(t, ok)
	ok, _ = l.Allow("alice", Read)
	assert.True(t, ok, "reads are not charged for writes")

	clock.advance(time.Second)
	ok, _ = l.Allow("alice", Read)
	assert.True(t, ok, "reads refill at 2/s")
	ok, wait := l.Allow("alice", Write)
	assert.False(t, ok, "writes refill at 0.5/s")
	assert.InDelta(t, time.Second, wait, float64(10*time.Millisecond))
}

func TestLimiter_SweepDropsIdleBuckets(t *testing.T) {
	l, clock := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	l.Allow("alice", Read)
	l.Allow("bob", Write)

	clock.advance(90 * time.Second)
	l.Allow("bob", Write)
	clock.advance(40 * time.Second)
	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.buckets, 1)
	assert.Contains(t, l.buckets, "write|bob")
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, Read, ClassOf(http.MethodGet))
	assert.Equal(t, Read, ClassOf(http.MethodHead))
	assert.Equal(t, Write, ClassOf(http.MethodPost))
	assert.Equal(t, Write, ClassOf(http.MethodDelete))
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	defer l.Stop()
	assert.Equal(t, 60, l.cfg.RequestsPerMinute)
	assert.Equal(t, 15, l.cfg.WritesPerMinute)
	assert.Equal(t, 10, l.cfg.BurstSize)
	assert.Equal(t, time.Minute, l.cfg.CleanupInterval)
}

func TestMiddleware_KeysByPrincipal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(t, Config{RequestsPerMinute: 1, BurstSize: 1})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if p := c.GetHeader("X-Principal"); p != "" {
			c.Set("authPrincipal", p)
		}
		c.Next()
	})
	r.Use(l.Middleware())
	r.GET("/v1/wallet/balance", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(principal string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/wallet/balance", nil)
		if principal != "" {
			req.Header.Set("X-Principal", principal)
		}
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call("alice").Code)
	w := call("alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RateLimited")

	// Same IP, different principal: separate bucket.
	assert.Equal(t, http.StatusOK, call("bob").Code)
	// Anonymous callers use the IP bucket, still fresh.
	assert.Equal(t, http.StatusOK, call("").Code)
}
