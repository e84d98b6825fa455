package handler

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/marquee/marquee/backend/internal/quota"
	"github.com/marquee/marquee/backend/internal/repository"
	"github.com/marquee/marquee/backend/pkg/testutil"
)

func newRateLimitTestApp(t *testing.T, limiter *RateLimiter, keyHeader string) *fiber.App {
	t.Helper()

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if keyHeader != "" {
			c.Request().Header.Set("X-Rate-Key", keyHeader)
		}
		return c.Next()
	})
	app.Use(limiter.Middleware())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func requestStatus(t *testing.T, app *fiber.App) int {
	t.Helper()

	req := httptest.NewRequest("GET", "/", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func rateKeyHeader(c *fiber.Ctx) string { return c.Get("X-Rate-Key") }

func TestRateLimiterPersistent_PersistsAcrossInstances(t *testing.T) {
	db, _, cleanup := testutil.SetupTest(t)
	defer cleanup()

	limiter1 := NewRateLimiterWithKey(repository.NewRateWindowRepository(db, "http"), "auth-test", 2, time.Minute, rateKeyHeader)
	app1 := newRateLimitTestApp(t, limiter1, "k1")

	if got := requestStatus(t, app1); got != fiber.StatusOK {
		t.Fatalf("request 1 status=%d, want %d", got, fiber.StatusOK)
	}
	if got := requestStatus(t, app1); got != fiber.StatusOK {
		t.Fatalf("request 2 status=%d, want %d", got, fiber.StatusOK)
	}
	if got := requestStatus(t, app1); got != fiber.StatusTooManyRequests {
		t.Fatalf("request 3 status=%d, want %d", got, fiber.StatusTooManyRequests)
	}

	limiter2 := NewRateLimiterWithKey(repository.NewRateWindowRepository(db, "http"), "auth-test", 2, time.Minute, rateKeyHeader)
	app2 := newRateLimitTestApp(t, limiter2, "k1")

	if got := requestStatus(t, app2); got != fiber.StatusTooManyRequests {
		t.Fatalf("request after limiter restart status=%d, want %d", got, fiber.StatusTooManyRequests)
	}
}

func TestRateLimiter_ResetsAfterWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiterWithKey(quota.NewMemoryWindowStore(time.Minute), "setup-test", 1, 10*time.Second, rateKeyHeader)
	limiter.clock = func() time.Time { return now }

	app := newRateLimitTestApp(t, limiter, "k2")

	if got := requestStatus(t, app); got != fiber.StatusOK {
		t.Fatalf("request 1 status=%d, want %d", got, fiber.StatusOK)
	}

	req := httptest.NewRequest("GET", "/", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("request 2 status=%d, want %d", resp.StatusCode, fiber.StatusTooManyRequests)
	}
	if got := resp.Header.Get("Retry-After"); got != "10" {
		t.Fatalf("Retry-After=%q, want 10", got)
	}

	now = now.Add(11 * time.Second)

	if got := requestStatus(t, app); got != fiber.StatusOK {
		t.Fatalf("request after window status=%d, want %d", got, fiber.StatusOK)
	}
}

func TestRateLimiter_SeparatesKeys(t *testing.T) {
	store := quota.NewMemoryWindowStore(time.Minute)
	limiter := NewRateLimiterWithKey(store, "login", 1, time.Minute, rateKeyHeader)

	if got := requestStatus(t, newRateLimitTestApp(t, limiter, "a")); got != fiber.StatusOK {
		t.Fatalf("key a status=%d, want 200", got)
	}
	if got := requestStatus(t, newRateLimitTestApp(t, limiter, "b")); got != fiber.StatusOK {
		t.Fatalf("key b status=%d, want 200", got)
	}
	if got := requestStatus(t, newRateLimitTestApp(t, limiter, "a")); got != fiber.StatusTooManyRequests {
		t.Fatalf("key a again status=%d, want 429", got)
	}
}

type brokenWindowStore struct{}

func (brokenWindowStore) Take(context.Context, string, time.Duration, int, time.Time) (quota.Window, bool, error) {
	return quota.Window{}, false, errors.New("database is locked")
}

func (brokenWindowStore) Peek(context.Context, string, time.Time) (quota.Window, bool, error) {
	return quota.Window{}, false, errors.New("database is locked")
}

func (brokenWindowStore) Reset(context.Context, string) error { return nil }

func (brokenWindowStore) DeleteExpired(context.Context, time.Time) (int, error) { return 0, nil }

func TestRateLimiter_StoreFailureAdmits(t *testing.T) {
	limiter := NewRateLimiter(brokenWindowStore{}, "login", 1, time.Minute)
	app := newRateLimitTestApp(t, limiter, "")

	for i := 0; i < 3; i++ {
		if got := requestStatus(t, app); got != fiber.StatusOK {
			t.Fatalf("request %d status=%d, want 200", i+1, got)
		}
	}
}

func TestIPAndUserKey_SeparatesUsersOnSharedAddress(t *testing.T) {
	limiter := NewRateLimiterWithKey(quota.NewMemoryWindowStore(time.Minute), "chat-read", 1, time.Minute, IPAndUserKey)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if id := c.Get("X-Test-User"); id != "" {
			c.Locals("user_id", id)
		}
		return c.Next()
	})
	app.Use(limiter.Middleware())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	send := func(user, forwarded string) int {
		req := httptest.NewRequest("GET", "/", nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		resp, err := app.Test(req, -1)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := send("alice", ""); got != fiber.StatusOK {
		t.Fatalf("alice status=%d, want 200", got)
	}
	if got := send("bob", ""); got != fiber.StatusOK {
		t.Fatalf("bob status=%d, want 200", got)
	}
	if got := send("alice", "203.0.113.50"); got != fiber.StatusTooManyRequests {
		t.Fatalf("alice behind spoofed header status=%d, want 429", got)
	}
	if got := send("", "203.0.113.51"); got != fiber.StatusOK {
		t.Fatalf("anonymous status=%d, want 200", got)
	}
	if got := send("", "203.0.113.52"); got != fiber.StatusTooManyRequests {
		t.Fatalf("anonymous with new header status=%d, want 429", got)
	}
}
