package census

import "github.com/i474232898/envirodata/internal/environment"

// Kind is the registry key of this backend.
const Kind = "census"

// Register adds the gridded census backend to reg.
func Register(reg *environment.Registry) {
	reg.Register(Kind, environment.Backend{
		Loader: func(raw map[string]any) (func() (environment.Loader, error), error) {
			cfg := defaultLoaderConfig()
			if err := environment.DecodeConfig(raw, &cfg); err != nil {
				return nil, err
			}
			return func() (environment.Loader, error) { return NewLoader(cfg) }, nil
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
