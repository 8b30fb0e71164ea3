package environment

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

var (
	ErrUnknownBackend       = errors.New("unknown backend kind")
	ErrInvalidBackendConfig = errors.New("invalid backend config")
)

// LoaderFactory validates a backend config and returns a constructor that
// is invoked on first use.
type LoaderFactory func(raw map[string]any) (func() (Loader, error), error)

// GetterFactory is the Getter counterpart of LoaderFactory.
type GetterFactory func(raw map[string]any) (func() (Getter, error), error)

// Backend bundles the factories registered under one kind.
type Backend struct {
	Loader LoaderFactory
	Getter GetterFactory
}

// BackendSpec selects a backend kind and carries its raw configuration.
type BackendSpec struct {
	Kind   string
	Config map[string]any
}

// Registry maps backend kinds to their factories.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend kind. Registering a kind twice panics.
func (r *Registry) Register(kind string, b Backend) {
	if _, dup := r.backends[kind]; dup {
		panic(fmt.Sprintf("environment: backend %q registered twice", kind))
	}
	r.backends[kind] = b
}

// Kinds lists registered kinds.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) loader(spec BackendSpec) (func() (Loader, error), error) {
	b, ok := r.backends[spec.Kind]
	if !ok || b.Loader == nil {
		return nil, fmt.Errorf("%w: loader %q", ErrUnknownBackend, spec.Kind)
	}
	ctor, err := b.Loader(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: loader %q: %v", ErrInvalidBackendConfig, spec.Kind, err)
	}
	return ctor, nil
}

func (r *Registry) getter(spec BackendSpec) (func() (Getter, error), error) {
	b, ok := r.backends[spec.Kind]
	if !ok || b.Getter == nil {
		return nil, fmt.Errorf("%w: getter %q", ErrUnknownBackend, spec.Kind)
	}
	ctor, err := b.Getter(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: getter %q: %v", ErrInvalidBackendConfig, spec.Kind, err)
	}
	return ctor, nil
}

var validate = validator.New()

// DecodeConfig decodes raw into out (a pointer to a struct with
// mapstructure tags) and validates it. Unknown keys are rejected.
func DecodeConfig(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return err
	}
	return validate.Struct(out)
}
