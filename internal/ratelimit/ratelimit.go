// Package ratelimit throttles API callers with a token bucket per
// principal (or client IP before authentication). State-changing requests
// draw from a separate, tighter bucket than reads, so polling a balance
// never starves a release or a dispute.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config sets the sustained rates and burst.
type Config struct {
	RequestsPerMinute int // reads
	WritesPerMinute   int // POST/PUT/PATCH/DELETE; 0 means RequestsPerMinute/4
	BurstSize         int
	CleanupInterval   time.Duration // idle buckets older than 2x this are dropped
}

// DefaultConfig returns the limits used when a field is left at zero.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Class separates read traffic from state-changing traffic.
type Class string

const (
	Read  Class = "read"
	Write Class = "write"
)

// ClassOf returns the bucket class for an HTTP method.
func ClassOf(method string) Class {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return Read
	default:
		return Write
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one bucket per (key, class).
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// New starts a limiter with its idle-bucket janitor; call Stop to end it.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.WritesPerMinute <= 0 {
		cfg.WritesPerMinute = max(cfg.RequestsPerMinute/4, 1)
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// WithClock overrides the time source (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Stop ends the janitor goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) bucket(key string, class Class, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := string(class) + "|" + key
	b, ok := l.buckets[id]
	if !ok {
		perMinute := l.cfg.RequestsPerMinute
		if class == Write {
			perMinute = l.cfg.WritesPerMinute
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), l.cfg.BurstSize)}
		l.buckets[id] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Allow takes a token for key in class. When denied it also returns how
// long until a token is available.
func (l *Limiter) Allow(key string, class Class) (bool, time.Duration) {
	now := l.now()
	lim := l.bucket(key, class, now)
	if lim.AllowN(now, 1) {
		return true, 0
	}
	r := lim.ReserveN(now, 1)
	defer r.CancelAt(now)
	return false, r.DelayFrom(now)
}

// Middleware limits by authenticated principal, falling back to client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if principal := c.GetString("authPrincipal"); principal != "" {
			key = "principal:" + principal
		}

		class := ClassOf(c.Request.Method)
		ok, wait := l.Allow(key, class)
		if !ok {
			secs := max(int(math.Ceil(wait.Seconds())), 1)
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "RateLimited",
				"message":     "too many " + string(class) + " requests, retry later",
				"retry_after": secs,
			})
			return
		}
		c.Next()
	}
}
