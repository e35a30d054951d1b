package middleware

import (
	"context"
	"errors"
	"log/slog"

	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/dto"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/models"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/services"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/token"
)

// Authenticator resolves the account behind a verified access token.
type Authenticator interface {
	Authenticate(ctx context.Context, accountID string) (*models.Account, error)
}

// SessionGuard admits requests carrying a valid access token of role, read
// from the accessToken cookie or an Authorization bearer header (cookie
// first). The resolved account is attached with roles.SetAccount.
func SessionGuard(secret []byte, role *roles.Descriptor, auth Authenticator) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey:  jwtware.SigningKey{JWTAlg: jwtware.HS256, Key: secret},
		TokenLookup: "cookie:accessToken,header:Authorization",
		AuthScheme:  "Bearer",
		ContextKey:  "user",
		SuccessHandler: func(c *fiber.Ctx) error {
			t, _ := c.Locals("user").(*jwt.Token)
			sub, tokenRole, err := token.AccessSubject(t)
			if err != nil || tokenRole != role.Name {
				return unauthorized(c)
			}

			account, err := auth.Authenticate(c.UserContext(), sub)
			if err != nil {
				if errors.Is(err, services.ErrUnauthorized) {
					return unauthorized(c)
				}
				slog.ErrorContext(c.UserContext(), "session lookup failed", "role", role.Name, "account_id", sub, "error", err)
				return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
					Error: true, Message: "Internal server error",
				})
			}
			roles.SetAccount(c, account)
			return c.Next()
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return unauthorized(c)
		},
	})
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
		Error:   true,
		Message: "Unauthorized: invalid or expired token",
	})
}
