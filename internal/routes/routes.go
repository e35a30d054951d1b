package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/services"
)

// RoleRoutes binds one role's service to its handler.
type RoleRoutes struct {
	Service *services.AccountService
	Handler *handlers.AccountHandler
}

// Limits are requests per minute per IP.
type Limits struct {
	API  int
	Auth int
}

var DefaultLimits = Limits{API: 60, Auth: 10}

func Setup(
	app *fiber.App,
	accessSecret []byte,
	limits Limits,
	healthHandler *handlers.HealthHandler,
	accounts []RoleRoutes,
) {
	api := app.Group("/api")

	// General API rate limiter
	api.Use(limiter.New(limiter.Config{
		Max:               limits.API,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
	}))

	api.Get("/health", healthHandler.Check)

	v1 := api.Group("/v1")
	for _, rr := range accounts {
		role := rr.Service.Role()
		h := rr.Handler
		group := v1.Group("/"+role.Path, roles.Bind(role))

		// Credential and OTP endpoints get the stricter limit
		authLimit := limiter.New(limiter.Config{
			Max:               limits.Auth,
			Expiration:        1 * time.Minute,
			LimiterMiddleware: limiter.SlidingWindow{},
			KeyGenerator:      func(c *fiber.Ctx) string { return role.Name + ":" + c.IP() },
		})
		group.Post("/register", authLimit, h.Register)
		group.Post("/verify-otp", authLimit, h.VerifyOTP)
		group.Post("/login", authLimit, h.Login)
		group.Post("/verify-login", authLimit, h.VerifyLogin)
		group.Post("/resend-otp", authLimit, h.ResendOTP)
		group.Post("/refresh-token", authLimit, h.Refresh)
		group.Post("/forgot-password", authLimit, h.ForgotPassword)
		group.Post("/verify-reset-otp", authLimit, h.VerifyResetOTP)
		group.Post("/reset-password", authLimit, h.ResetPassword)

		// Secured routes: the guard is applied per route so public routes above
		// never see it
		guard := middleware.SessionGuard(accessSecret, role, rr.Service)
		group.Post("/logout", guard, h.Logout)
		group.Patch("/change-password", guard, authLimit, h.ChangePassword)
		group.Get("/me", guard, h.Me)
		group.Patch("/avatar", guard, h.UpdateAvatar)
		group.Patch("/profile", guard, h.UpdateProfile)
	}
}
