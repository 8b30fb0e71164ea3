package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"

	httpapi "github.com/i474232898/envirodata/internal/api/http"
	"github.com/i474232898/envirodata/internal/bootstrap"
	"github.com/i474232898/envirodata/internal/config"
	"github.com/i474232898/envirodata/internal/geocoder"
	"github.com/i474232898/envirodata/internal/scheduler"
	"github.com/i474232898/envirodata/internal/store"
)

var version = "dev"

func main() {
	settings := flag.String("settings", "", "optional settings file (yaml, json or toml)")
	flag.Parse()

	// Load configuration.
	cfg, err := config.Load(*settings)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	appLog := bootstrap.Logger(cfg)

	tz, err := bootstrap.Resolver(cfg)
	if err != nil {
		appLog.Fatal().Err(err).Msg("failed to set up timezone lookup")
	}
	env, envFile, err := bootstrap.Environment(cfg, tz)
	if err != nil {
		appLog.Fatal().Err(err).Msg("failed to build environment")
	}
	defer func() {
		if err := env.Close(); err != nil {
			appLog.Warn().Err(err).Msg("closing services")
		}
	}()

	geo, err := geocoder.New(cfg.GeocoderProvider, cfg.GeocoderURL, cfg.GeocoderAPIKey, cfg.HTTPTimeout)
	if err != nil {
		appLog.Fatal().Err(err).Msg("failed to set up geocoder")
	}

	// Scheduler that keeps the trailing window of every cache filled.
	sched := scheduler.New(env, cfg.LoadInterval, cfg.LoadLookback, cfg.LoadInterval, appLog)
	if err := sched.Start(); err != nil {
		appLog.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	app := newApp(httpapi.Deps{
		Env:      env,
		Geocoder: geo,
		Cache:    store.NewMemoryStore(cfg.ResultCacheSize, cfg.ResultCacheAge),
		Period:   envFile.Period,
		Version:  version,
		Log:      appLog,
	}, env.Labels())

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			appLog.Error().Err(err).Msg("fiber server stopped")
		}
	}()
	appLog.Info().Str("port", cfg.Port).Strs("services", env.Labels()).Msg("listening")

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		appLog.Error().Err(err).Msg("error during shutdown")
		os.Exit(1)
	}
}

// newApp builds the Fiber app with the health endpoint and the API routes.
func newApp(d httpapi.Deps, services []string) *fiber.App {
	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "envirodata",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          2 * time.Minute,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"service":  "envirodata",
			"services": services,
		})
	})

	httpapi.RegisterRoutes(app, d)
	return app
}
