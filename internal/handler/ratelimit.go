package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/marquee/marquee/backend/internal/quota"
	"github.com/marquee/marquee/backend/pkg/logger"
	"github.com/marquee/marquee/backend/pkg/response"
)

// KeyFunc extracts a rate-limiting key from a request.
type KeyFunc func(c *fiber.Ctx) string

// RateLimiter throttles a route group on top of a quota.WindowStore, so the
// same memory or SQL backend serves both the chat quota and plain request limits.
type RateLimiter struct {
	store   quota.WindowStore
	limit   int
	window  time.Duration
	scope   string
	keyFunc KeyFunc
	clock   func() time.Time
}

func NewRateLimiter(store quota.WindowStore, scope string, limit int, window time.Duration) *RateLimiter {
	return NewRateLimiterWithKey(store, scope, limit, window, defaultKeyFunc)
}

// NewRateLimiterWithKey creates a rate limiter with a custom key extraction function.
func NewRateLimiterWithKey(store quota.WindowStore, scope string, limit int, window time.Duration, keyFunc KeyFunc) *RateLimiter {
	if keyFunc == nil {
		keyFunc = defaultKeyFunc
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "default"
	}
	return &RateLimiter{
		store:   store,
		limit:   limit,
		window:  window,
		scope:   scope,
		keyFunc: keyFunc,
		clock:   time.Now,
	}
}

// IPAndUserKey combines the client address with the authenticated user ID, so
// shared addresses do not starve distinct users. The address is fiber's c.IP(),
// which only trusts forwarding headers from configured proxies.
func IPAndUserKey(c *fiber.Ctx) string {
	ip := c.IP()
	if userID := localUserID(c); userID != "" {
		return ip + ":" + userID
	}
	return ip
}

func defaultKeyFunc(c *fiber.Ctx) string {
	return c.IP()
}

// Middleware returns the rate limiting middleware. A failing store lets the
// request through.
func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := rl.scope + ":" + rl.keyFunc(c)
		now := rl.clock()

		w, allowed, err := rl.store.Take(c.UserContext(), key, rl.window, rl.limit, now)
		if err != nil {
			logger.Warn().Err(err).Str("scope", rl.scope).Msg("Rate limiter store unavailable, admitting request")
			return c.Next()
		}
		if !allowed {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(max(w.SecondsLeft(now), 1)))
			return response.Error(c, fiber.StatusTooManyRequests, "too many requests, please try again later")
		}
		return c.Next()
	}
}
