package roles

import (
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/models"
	"github.com/gofiber/fiber/v2"
)

const (
	localsRole    = "role"
	localsAccount = "account"
)

// SetRole stores the role descriptor serving the current route.
func SetRole(c *fiber.Ctx, d *Descriptor) {
	c.Locals(localsRole, d)
}

// GetRole extracts the role descriptor from Fiber context locals.
func GetRole(c *fiber.Ctx) *Descriptor {
	if d, ok := c.Locals(localsRole).(*Descriptor); ok {
		return d
	}
	return nil
}

// SetAccount attaches the authenticated account to the request.
func SetAccount(c *fiber.Ctx, a *models.Account) {
	c.Locals(localsAccount, a)
}

// GetAccount returns the account resolved by the session guard, or nil.
func GetAccount(c *fiber.Ctx) *models.Account {
	if a, ok := c.Locals(localsAccount).(*models.Account); ok {
		return a
	}
	return nil
}

// Bind returns a handler that tags every request with the role.
func Bind(d *Descriptor) fiber.Handler {
	return func(c *fiber.Ctx) error {
		SetRole(c, d)
		return c.Next()
	}
}
