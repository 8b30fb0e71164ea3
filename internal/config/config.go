package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// AppConfig holds process-level settings. Everything describing services and
// backends lives in the environment file.
type AppConfig struct {
	Port            string `mapstructure:"port" validate:"required"`
	EnvironmentFile string `mapstructure:"environment-file" validate:"required"`

	LogLevel  string `mapstructure:"log-level" validate:"oneof=trace debug info warn error"`
	LogFormat string `mapstructure:"log-format" validate:"oneof=json console"`

	HTTPTimeout time.Duration `mapstructure:"http-timeout" validate:"gt=0"`

	// LoadInterval controls how often the trailing window is reloaded
	// (0 disables the scheduler).
	LoadInterval time.Duration `mapstructure:"load-interval" validate:"gte=0"`
	LoadLookback time.Duration `mapstructure:"load-lookback" validate:"gte=0"`

	// Result cache retention.
	ResultCacheSize int           `mapstructure:"result-cache-size" validate:"gte=0"`
	ResultCacheAge  time.Duration `mapstructure:"result-cache-age" validate:"gte=0"`

	GeocoderProvider string `mapstructure:"geocoder-provider" validate:"oneof=nominatim google"`
	GeocoderURL      string `mapstructure:"geocoder-url" validate:"omitempty,url"`
	GeocoderAPIKey   string `mapstructure:"geocoder-api-key"`

	// TimezoneFallback is used for points no timezone polygon contains.
	TimezoneFallback string `mapstructure:"timezone-fallback"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment-file", "environment.yaml")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "json")
	v.SetDefault("http-timeout", "30s")
	v.SetDefault("load-interval", "1h")
	v.SetDefault("load-lookback", "72h")
	v.SetDefault("result-cache-size", 1024)
	v.SetDefault("result-cache-age", "1h")
	v.SetDefault("geocoder-provider", "nominatim")
	v.SetDefault("geocoder-url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocoder-api-key", "")
	v.SetDefault("timezone-fallback", "")
}

// Load reads settings from .env, an optional settings file and ENVIRODATA_*
// environment variables, in increasing precedence.
func Load(settingsFile string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ENVIRODATA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if settingsFile != "" {
		v.SetConfigFile(settingsFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", settingsFile, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return cfg, nil
}
