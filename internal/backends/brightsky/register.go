package brightsky

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/envirodata/internal/environment"
)

// Kind is the registry key of this backend.
const Kind = "brightsky"

// Loader does nothing: weather is fetched when queried.
type Loader struct{}

// Load implements environment.Loader.
func (Loader) Load(ctx context.Context, start, end time.Time) error {
	zerolog.Ctx(ctx).Info().Msg("weather is read on demand, nothing to load")
	return nil
}

// Register adds the Bright Sky backend to reg.
func Register(reg *environment.Registry) {
	reg.Register(Kind, environment.Backend{
		Loader: func(raw map[string]any) (func() (environment.Loader, error), error) {
			var none struct{}
			if err := environment.DecodeConfig(raw, &none); err != nil {
				return nil, err
			}
			return func() (environment.Loader, error) { return Loader{}, nil }, nil
		},
		Getter: func(raw map[string]any) (func() (environment.Getter, error), error) {
			cfg := defaultGetterConfig()
			if err := environment.DecodeConfig(raw, &cfg); err != nil {
				return nil, err
			}
			return func() (environment.Getter, error) { return NewGetter(cfg) }, nil
		},
	})
}
