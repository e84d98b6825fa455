package handler

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/marquee/marquee/backend/internal/identity"
	"github.com/marquee/marquee/backend/internal/service"
	"github.com/marquee/marquee/backend/pkg/response"
)

const (
	authTokenCookieName = "marquee_token"
	csrfCookieName      = "csrf_token"
)

// SecurityHeadersMiddleware adds security-related headers to all responses
func SecurityHeadersMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Prevent MIME type sniffing
		c.Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		c.Set("X-Frame-Options", "DENY")

		// Control referrer information
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// The maintenance notice page carries its own inline styles.
		c.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")

		// Prevent caching of sensitive API responses
		c.Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
		c.Set("Pragma", "no-cache")
		c.Set("Expires", "0")

		return c.Next()
	}
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set("X-Request-ID", requestID)
		c.Locals("request_id", requestID)

		return c.Next()
	}
}

// tokenFromRequest reads the bearer header, falling back to the session
// cookie. malformed is set when an Authorization header is present but unusable.
func tokenFromRequest(c *fiber.Ctx) (token string, malformed bool) {
	authHeader := strings.TrimSpace(c.Get("Authorization"))
	if authHeader != "" {
		parts := strings.Fields(authHeader)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", true
		}
		return parts[1], false
	}
	return strings.TrimSpace(c.Cookies(authTokenCookieName)), false
}

func setPrincipal(c *fiber.Ctx, claims *service.Claims) {
	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	c.Locals(identity.LocalsPrincipal, claims.Principal())
}

func AuthMiddleware(authSvc *service.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, malformed := tokenFromRequest(c)
		if malformed {
			return response.Unauthorized(c, "invalid authorization header format")
		}
		if token == "" {
			return response.Unauthorized(c, "missing authorization token")
		}

		claims, err := authSvc.ValidateToken(token)
		if err != nil {
			RecordAuthFailure("invalid_token")
			return response.Unauthorized(c, "invalid or expired token")
		}

		setPrincipal(c, claims)
		return c.Next()
	}
}

// OptionalAuthMiddleware resolves the caller when a valid token is present and
// otherwise lets the request continue as a guest.
func OptionalAuthMiddleware(authSvc *service.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, malformed := tokenFromRequest(c)
		if malformed || token == "" {
			c.Locals("user_id", "")
			return c.Next()
		}

		claims, err := authSvc.ValidateToken(token)
		if err != nil {
			c.Locals("user_id", "")
			return c.Next()
		}

		setPrincipal(c, claims)
		return c.Next()
	}
}

// AdminMiddleware checks that the authenticated user has admin privileges.
// Must be chained after AuthMiddleware. The role is re-read from the database
// so a demotion takes effect before the token expires.
func AdminMiddleware(authSvc *service.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := c.Locals("user_id").(string)
		if !ok || userID == "" {
			return response.Unauthorized(c, "authentication required")
		}

		user, err := authSvc.GetUserByID(userID)
		if err != nil {
			return response.Unauthorized(c, "user not found")
		}

		if !user.IsAdmin() {
			RecordAuthFailure("admin_required")
			return response.Forbidden(c, "admin access required")
		}

		return c.Next()
	}
}

// CSRFMiddleware validates CSRF tokens for state-changing requests.
// The token is generated per-session and must be sent in the X-CSRF-Token header.
func CSRFMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		method := c.Method()
		if method == fiber.MethodGet || method == fiber.MethodHead || method == fiber.MethodOptions {
			return c.Next()
		}

		csrfToken := c.Get("X-CSRF-Token")
		if csrfToken == "" {
			return response.Forbidden(c, "missing CSRF token")
		}

		expectedToken := c.Cookies(csrfCookieName)
		if expectedToken == "" || csrfToken != expectedToken {
			return response.Forbidden(c, "invalid CSRF token")
		}

		return c.Next()
	}
}

// BodyLimitMiddleware enforces a per-route body size limit.
func BodyLimitMiddleware(maxBytes int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(c.Body()) > maxBytes {
			return response.Error(c, fiber.StatusRequestEntityTooLarge, "request body too large")
		}
		return c.Next()
	}
}

// GenerateCSRFToken returns a random token for the CSRF cookie.
func GenerateCSRFToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

func localUserID(c *fiber.Ctx) string {
	userID, ok := c.Locals("user_id").(string)
	if !ok {
		return ""
	}
	return userID
}
