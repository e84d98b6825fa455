package handler

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/marquee/marquee/backend/pkg/logger"
	"github.com/marquee/marquee/backend/pkg/response"
)

// BearerTokenMiddleware guards the Prometheus scrape endpoint in production.
// An empty token keeps the endpoint closed. Every refused scrape is counted
// under the ops_token auth failure reason.
func BearerTokenMiddleware(expectedToken string) fiber.Handler {
	expected := []byte(strings.TrimSpace(expectedToken))

	return func(c *fiber.Ctx) error {
		if len(expected) == 0 {
			return response.Forbidden(c, "endpoint is disabled")
		}

		scheme, provided, found := strings.Cut(strings.TrimSpace(c.Get(fiber.HeaderAuthorization)), " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			RecordAuthFailure("ops_token")
			return response.Unauthorized(c, "missing or invalid authorization header")
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(provided)), expected) != 1 {
			RecordAuthFailure("ops_token")
			logger.Warn().Str("path", c.Path()).Str("ip", c.IP()).Msg("Rejected scrape with wrong token")
			return response.Unauthorized(c, "invalid authorization token")
		}

		return c.Next()
	}
}
