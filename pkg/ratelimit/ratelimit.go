package ratelimit

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/stocktracker/mailqueue/pkg/apiresponses"
	"github.com/stocktracker/mailqueue/pkg/metrics"
)

// Config holds rate limiter configuration
type Config struct {
	// Rate is the number of requests allowed per second
	Rate float64
	// Burst is the maximum number of requests allowed in a burst
	Burst int
	// CleanupInterval is how often to clean up stale entries
	CleanupInterval time.Duration
	// MaxAge is how long to keep an entry after last access
	MaxAge time.Duration
}

// AuthenticatedConfig holds separate limits for anonymous (per-IP) and
// authenticated (per-user) requests.
type AuthenticatedConfig struct {
	Unauthenticated Config
	Authenticated   Config
	// UserIdentityKey is the gin context key holding the caller's identity.
	UserIdentityKey string
}

// DefaultAPIConfig returns the per-IP limit for the admin API: 20 req/s, burst 50.
func DefaultAPIConfig() Config {
	return Config{
		Rate:            20,
		Burst:           50,
		CleanupInterval: time.Minute,
		MaxAge:          5 * time.Minute,
	}
}

// DefaultAuthenticatedAPIConfig returns 10 req/s per IP for anonymous callers and
// 50 req/s per user for authenticated ones.
func DefaultAuthenticatedAPIConfig() AuthenticatedConfig {
	return AuthenticatedConfig{
		Unauthenticated: Config{
			Rate:            10,
			Burst:           20,
			CleanupInterval: time.Minute,
			MaxAge:          5 * time.Minute,
		},
		Authenticated: Config{
			Rate:            50,
			Burst:           100,
			CleanupInterval: time.Minute,
			MaxAge:          10 * time.Minute,
		},
		UserIdentityKey: "user",
	}
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the real clock, for tests.
func WithClock(c clock.WithTicker) Option {
	return func(l *Limiter) { l.clock = c }
}

// Limiter rate limits by an arbitrary key, such as a client IP or a user name.
// Entries unused for MaxAge are dropped in the background.
type Limiter struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	config   Config
	clock    clock.WithTicker
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter and starts its cleanup loop. Call Stop to end it.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 5 * time.Minute
	}

	l := &Limiter{
		entries: make(map[string]*entry),
		config:  cfg,
		clock:   clock.RealClock{},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.cleanup()
	return l
}

// Allow reports whether one more request for key fits into its bucket.
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.entries[key]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.config.Rate), l.config.Burst)}
		l.entries[key] = e
	}
	e.lastAccess = now
	return e.limiter.AllowN(now, 1)
}

// Middleware limits requests per client IP. route labels the rejection metric.
func (l *Limiter) Middleware(route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			metrics.APIRateLimited.WithLabelValues(route).Inc()
			apiresponses.RespondTooManyRequests(c, "")
			return
		}
		c.Next()
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *Limiter) cleanup() {
	ticker := l.clock.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C():
			l.sweep()
		}
	}
}

// sweep removes entries that were not used within MaxAge.
func (l *Limiter) sweep() {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		if now.Sub(e.lastAccess) > l.config.MaxAge {
			delete(l.entries, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.config
}

// AuthenticatedLimiter applies the authenticated limit to callers whose identity
// is set in the gin context and the per-IP limit to everyone else.
type AuthenticatedLimiter struct {
	ipLimiter   *Limiter
	userLimiter *Limiter
	userKey     string
}

// NewAuthenticated creates an AuthenticatedLimiter.
func NewAuthenticated(cfg AuthenticatedConfig, opts ...Option) *AuthenticatedLimiter {
	if cfg.UserIdentityKey == "" {
		cfg.UserIdentityKey = "user"
	}
	return &AuthenticatedLimiter{
		ipLimiter:   New(cfg.Unauthenticated, opts...),
		userLimiter: New(cfg.Authenticated, opts...),
		userKey:     cfg.UserIdentityKey,
	}
}

// Allow returns whether the request is allowed and whether it was counted against
// a user rather than an IP.
func (a *AuthenticatedLimiter) Allow(c *gin.Context) (allowed, authenticated bool) {
	if user := c.GetString(a.userKey); user != "" {
		return a.userLimiter.Allow(user), true
	}
	return a.ipLimiter.Allow(c.ClientIP()), false
}

// Middleware must run after the authentication middleware so the identity is set.
func (a *AuthenticatedLimiter) Middleware(route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, authenticated := a.Allow(c)
		if !allowed {
			metrics.APIRateLimited.WithLabelValues(route).Inc()
			msg := ""
			if !authenticated {
				msg = "rate limit exceeded, authenticate for higher limits"
			}
			apiresponses.RespondTooManyRequests(c, msg)
			return
		}
		c.Next()
	}
}

// Stop stops both cleanup loops.
func (a *AuthenticatedLimiter) Stop() {
	a.ipLimiter.Stop()
	a.userLimiter.Stop()
}

// IPLen returns the number of tracked IPs.
func (a *AuthenticatedLimiter) IPLen() int {
	return a.ipLimiter.Len()
}

// UserLen returns the number of tracked users.
func (a *AuthenticatedLimiter) UserLen() int {
	return a.userLimiter.Len()
}
