// Package bootstrap builds the pieces shared by the server and the load
// command from settings.
package bootstrap

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/envirodata/internal/backends"
	"github.com/i474232898/envirodata/internal/config"
	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/timezone"
)

// Logger returns the root logger and installs it as the default for
// contexts that carry none.
func Logger(cfg *config.AppConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.Level(level).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	return logger
}

// Resolver returns the polygon timezone finder, falling back to the
// configured zone for points outside every polygon.
func Resolver(cfg *config.AppConfig) (timezone.Resolver, error) {
	finder, err := timezone.NewFinder()
	if err != nil {
		return nil, err
	}
	if cfg.TimezoneFallback == "" {
		return finder, nil
	}
	loc, err := time.LoadLocation(cfg.TimezoneFallback)
	if err != nil {
		return nil, fmt.Errorf("timezone fallback: %w", err)
	}
	return timezone.Fallback{Primary: finder, Default: loc}, nil
}

// Environment reads the environment file and builds the Environment with
// all built-in backends.
func Environment(cfg *config.AppConfig, tz timezone.Resolver) (*environment.Environment, *config.EnvironmentFile, error) {
	file, err := config.LoadEnvironment(cfg.EnvironmentFile)
	if err != nil {
		return nil, nil, err
	}
	env, err := environment.Build(file, backends.Registry(), tz)
	if err != nil {
		return nil, nil, fmt.Errorf("build environment: %w", err)
	}
	return env, file, nil
}
