package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/marquee/marquee/backend/internal/identity"
	"github.com/marquee/marquee/backend/internal/models"
	"github.com/marquee/marquee/backend/internal/quota"
	"github.com/marquee/marquee/backend/internal/service"
	"github.com/marquee/marquee/backend/pkg/response"
)

const localsUsageStats = "usage_stats"

// ChatConfiguredMiddleware refuses chat requests before any quota is spent
// when no provider key is configured.
func ChatConfiguredMiddleware(chatSvc *service.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !chatSvc.Configured() {
			return response.Raw(c, fiber.StatusInternalServerError, ChatErrorResponse{
				Error: "Cohere API key is not configured",
				Type:  "configuration_error",
			})
		}
		return c.Next()
	}
}

// QuotaMiddleware counts the request against the caller's chat allowance and
// stores the resulting usage in locals for the handler.
func QuotaMiddleware(tracker *quota.Tracker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rc := identity.FromFiber(c)
		out := tracker.Admit(c.UserContext(), rc)

		c.Locals("identity", out.Identity)
		RecordQuotaDecision(out.Policy, out.Allowed)

		if !out.Allowed {
			if out.RetryAfter > 0 {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(out.RetryAfter))
			}
			return response.Raw(c, out.Status, out.Body)
		}

		c.Locals(localsUsageStats, out.Usage)
		return c.Next()
	}
}

func usageFromLocals(c *fiber.Ctx) models.UsageStats {
	usage, ok := c.Locals(localsUsageStats).(models.UsageStats)
	if !ok {
		return models.UsageStats{IsGuest: !identity.FromFiber(c).Authenticated()}
	}
	return usage
}
