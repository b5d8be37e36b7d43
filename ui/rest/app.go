package rest

import (
	"fmt"
	"strings"
	"time"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/AzielCF/az-dispatch/ui/rest/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

const bodyLimit = 4 * 1024 * 1024

// New builds the fiber app with the shared middleware stack. Routes are
// registered by the Init* functions.
func New(cfg config.AppConfig) *fiber.App {
	fiberConfig := fiber.Config{
		EnableTrustedProxyCheck: true,
		BodyLimit:               bodyLimit,
		Network:                 "tcp",
		AppName:                 "Az-Dispatch Engine",
		DisableStartupMessage:   true,
		ServerHeader:            "Hidden",
		ErrorHandler:            middleware.ErrorHandler,
	}
	if len(cfg.TrustedProxies) > 0 {
		fiberConfig.TrustedProxies = cfg.TrustedProxies
		fiberConfig.ProxyHeader = fiber.HeaderXForwardedFor
	}

	app := fiber.New(fiberConfig)
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.CorsAllowedOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.Recovery())
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		HSTSMaxAge:         31536000,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))
	// Provider webhooks burst during campaigns; the limiter only guards the
	// management API.
	app.Use(limiter.New(limiter.Config{
		Max:        1000,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), cfg.BasePath+"/webhooks/")
		},
	}))
	if cfg.Debug {
		app.Use(logger.New())
	}
	return app
}

// API returns the /api group behind basic auth. Accounts come as
// "user:secret" pairs.
func API(app *fiber.App, cfg config.AppConfig) (fiber.Router, error) {
	if len(cfg.BasicAuth) == 0 {
		return nil, fmt.Errorf("APP_BASIC_AUTH is required; set APP_BASIC_AUTH=<user>:<secret>[,<user2>:<secret2>]")
	}
	accounts := make(map[string]string, len(cfg.BasicAuth))
	for _, pair := range cfg.BasicAuth {
		user, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || user == "" || secret == "" {
			return nil, fmt.Errorf("basic auth entry %q is not in the form <user>:<secret>", pair)
		}
		accounts[user] = secret
	}

	group := app.Group(cfg.BasePath + "/api")
	group.Use(basicauth.New(basicauth.Config{
		Users: accounts,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
	}))
	return group, nil
}
