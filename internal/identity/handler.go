package identity

import "github.com/gofiber/fiber/v2"

const principalLocalsKey = "principal"

// SetPrincipal attaches the authenticated caller to the request.
func SetPrincipal(c *fiber.Ctx, p Principal) {
	c.Locals(principalLocalsKey, p)
}

// PrincipalFrom returns the caller attached by the auth middleware.
func PrincipalFrom(c *fiber.Ctx) (Principal, bool) {
	p, ok := c.Locals(principalLocalsKey).(Principal)
	return p, ok
}
