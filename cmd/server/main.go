package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/config"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/database"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/logging"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/mail"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/media"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/otp"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/routes"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/services"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/token"
)

func main() {
	// Structured logging (JSON to stdout)
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	registry := roles.Default()

	// Store
	st, err := database.Open(ctx, cfg, registry)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}

	// Persist ERROR+ logs (async batch)
	logHandler := logging.NewBatchHandler(st, 5*time.Second, 50)
	logging.Attach(logHandler)

	// Log cleanup (30-day retention)
	cleanupDone := make(chan struct{})
	logging.StartCleanup(st, 30*24*time.Hour, cleanupDone)

	issuer, err := token.NewIssuer(token.Config{
		AccessSecret:  cfg.AccessTokenSecret,
		AccessExpiry:  cfg.AccessTokenExpiry,
		RefreshSecret: cfg.RefreshTokenSecret,
		RefreshExpiry: cfg.RefreshTokenExpiry,
	})
	if err != nil {
		slog.Error("invalid token config", "error", err)
		os.Exit(1)
	}

	// OTP attempt limiter (optional)
	var limiter *otp.Limiter
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, otp limiter will fail open", "error", err)
		}
		limiter = otp.NewLimiter(redisClient, cfg.OTPMaxAttempts, cfg.OTPTTL)
	} else {
		slog.Warn("REDIS_ADDR not set, otp attempt limiter disabled")
	}

	// Avatars
	avatars, err := media.NewS3Host(ctx, media.S3Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PublicURL: cfg.S3PublicURL,
	})
	if err != nil {
		slog.Error("media host init failed", "error", err)
		os.Exit(1)
	}

	// Mail
	mode, err := mail.ParseMode(cfg.MailDelivery)
	if err != nil {
		slog.Error("invalid mail config", "error", err)
		os.Exit(1)
	}
	var sender mail.Sender = mail.ConsoleSender{}
	if cfg.SMTPHost != "" {
		smtpSender, err := mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			slog.Error("smtp init failed", "error", err)
			os.Exit(1)
		}
		sender = smtpSender
	} else {
		slog.Warn("SMTP_HOST not set, otp emails are written to the log")
	}
	mailer := mail.NewDispatcher(sender, mode, 4, 256)
	mailer.Start()

	// Services and handlers, one per role
	deps := services.Dependencies{
		OTP:        otp.NewGenerator(cfg.OTPLength, cfg.OTPTTL),
		Limiter:    limiter,
		Issuer:     issuer,
		Media:      avatars,
		Mailer:     mailer,
		Validate:   validator.New(),
		BcryptCost: cfg.BcryptCost,
	}
	cookies := handlers.CookieConfig{
		Secure:        cfg.CookieSecure,
		AccessMaxAge:  cfg.AccessTokenExpiry,
		RefreshMaxAge: cfg.RefreshTokenExpiry,
	}
	var accounts []routes.RoleRoutes
	for _, d := range registry.All() {
		svc := services.NewAccountService(d, st, deps)
		accounts = append(accounts, routes.RoleRoutes{
			Service: svc,
			Handler: handlers.NewAccountHandler(svc, cookies),
		})
	}
	healthHandler := handlers.NewHealthHandler(st, registry)

	// Sentry error tracking
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.AppEnv,
		}); err != nil {
			slog.Error("sentry init failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:    8 * 1024 * 1024,
		ErrorHandler: customErrorHandler,
	})

	// Sentry middleware
	app.Use(sentryfiber.New(sentryfiber.Options{
		Repanic:         true,
		WaitForDelivery: false,
	}))

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TraceContext())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path}\n",
	}))
	app.Use(middleware.CORS(cfg))
	app.Use(middleware.SecurityHeaders())

	// Routes
	routes.Setup(app, issuer.AccessSecret(), routes.DefaultLimits, healthHandler, accounts)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "port", cfg.Port, "store", cfg.StoreDriver, "mail", string(mailer.Mode()))
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("shutting down server...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	mailer.Stop()
	close(cleanupDone)
	logHandler.Stop()
	sentry.Flush(2 * time.Second)

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Close(closeCtx); err != nil {
		slog.Error("database close error", "error", err)
	}

	slog.Info("server stopped")
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	// Only expose error details for client errors (4xx), not server errors (5xx)
	if code >= 500 {
		attrs := []any{"method", c.Method(), "path", c.Path(), "error", err.Error()}
		if d := roles.GetRole(c); d != nil {
			attrs = append(attrs, "role", d.Name)
		}
		slog.ErrorContext(c.UserContext(), "unhandled server error", attrs...)
		if hub := sentryfiber.GetHubFromContext(c); hub != nil {
			hub.CaptureException(err)
		}
		message = "Internal server error"
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}
