package handler

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/marquee/marquee/backend/internal/gate"
	"github.com/marquee/marquee/backend/internal/identity"
	"github.com/marquee/marquee/backend/pkg/response"
)

// rejectRetryAfter caps the Retry-After hint on maintenance rejections so
// clients poll again well before a long window ends.
const rejectRetryAfter = 60 * time.Second

// MaintenanceMiddleware renders gate decisions. It must run after
// OptionalAuthMiddleware so administrators are recognised.
func MaintenanceMiddleware(g *gate.Gate) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rc := identity.FromFiber(c)
		d := g.Check(c.UserContext(), rc)

		c.Locals("gate_outcome", d.Outcome)
		RecordGateDecision(d.Outcome)

		switch d.Action {
		case gate.Redirect:
			return c.Redirect(d.Location, d.Status)
		case gate.Reject:
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(d.RetryAfter(rejectRetryAfter).Seconds())))
			return response.Raw(c, d.Status, d.Body)
		}
		return c.Next()
	}
}
