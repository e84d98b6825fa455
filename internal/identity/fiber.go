package identity

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// LocalsPrincipal is the fiber locals key the auth middleware stores the
// *Principal under.
const LocalsPrincipal = "principal"

const localsRequestContext = "request_context"

// FromFiber builds the RequestContext for c, caching it in locals so every
// middleware in the chain sees the same value.
func FromFiber(c *fiber.Ctx) RequestContext {
	if rc, ok := c.Locals(localsRequestContext).(RequestContext); ok {
		// The principal may have been resolved after the first call.
		if rc.Principal == nil {
			rc.Principal = principalFromLocals(c)
		}
		return rc
	}

	rc := RequestContext{
		Principal:      principalFromLocals(c),
		ForwardedFor:   strings.Clone(c.Get(fiber.HeaderXForwardedFor)),
		RealIP:         strings.Clone(c.Get("X-Real-IP")),
		RemoteAddr:     c.Context().RemoteIP().String(),
		UserAgent:      strings.Clone(c.Get(fiber.HeaderUserAgent)),
		Accept:         strings.Clone(c.Get(fiber.HeaderAccept)),
		XRequestedWith: strings.Clone(c.Get(fiber.HeaderXRequestedWith)),
		Method:         strings.Clone(c.Method()),
		Path:           strings.Clone(c.Path()),
		Referrer:       strings.Clone(c.Get(fiber.HeaderReferer)),
	}
	c.Locals(localsRequestContext, rc)
	return rc
}

func principalFromLocals(c *fiber.Ctx) *Principal {
	p, ok := c.Locals(LocalsPrincipal).(*Principal)
	if !ok || p == nil || p.ID == "" {
		return nil
	}
	return p
}
