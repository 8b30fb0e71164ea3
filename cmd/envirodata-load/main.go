package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/i474232898/envirodata/internal/bootstrap"
	"github.com/i474232898/envirodata/internal/config"
)

func main() {
	settings := flag.String("settings", "", "optional settings file (yaml, json or toml)")
	startFlag := flag.String("start", "", "first instant to load, RFC3339 (default: period start)")
	endFlag := flag.String("end", "", "last instant to load, RFC3339 (default: period end, or now)")
	servicesFlag := flag.String("services", "", "comma-separated service labels (default: all)")
	flag.Parse()

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
	defer env.Close()

	start, err := instant(*startFlag, envFile.Period.StartDate)
	if err != nil {
		appLog.Fatal().Err(err).Msg("invalid -start")
	}
	end, err := instant(*endFlag, envFile.Period.EndDate)
	if err != nil {
		appLog.Fatal().Err(err).Msg("invalid -end")
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() || end.Before(start) {
		appLog.Fatal().Time("start", start).Time("end", end).Msg("need a start before the end; set -start or period.start_date")
	}

	var labels []string
	for _, l := range strings.Split(*servicesFlag, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = appLog.WithContext(ctx)

	appLog.Info().Time("start", start).Time("end", end).Strs("services", labels).Msg("loading")
	if err := env.Load(ctx, start, end, labels...); err != nil {
		appLog.Error().Err(err).Msg("load finished with errors")
		env.Close()
		os.Exit(1)
	}
	appLog.Info().Msg("load complete")
}

func instant(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, s)
}
